package engine

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// stateEntries are the top-level names the orchestrator keeps in its state
// directory. Anything else there was put there by a worker.
var stateEntries = map[string]bool{
	"manifest.jsonl":       true,
	"snapshots.db":         true,
	"snapshots.db-wal":     true,
	"snapshots.db-shm":     true,
	"snapshots.db-journal": true,
	"lock":                 true,
	"logs":                 true,
	"reports":              true,
	"archive":              true,
}

var (
	reportFile  = regexp.MustCompile(`^attempt-[0-9]+(\.objective)?\.md$`)
	archiveFile = regexp.MustCompile(`^manifest-[0-9TZ]+\.jsonl$`)
)

// sweepStateDir removes worker-created entries from the state directory,
// which snapshots never cover. Reports of planned tasks are kept. Removed
// paths are returned workspace-relative when the state directory is inside
// the workspace, absolute otherwise.
func (e *Engine) sweepStateDir() ([]string, error) {
	if e.stateDir == "" {
		return nil, nil
	}
	e.mu.Lock()
	known := make(map[string]bool, len(e.state.Tasks))
	for id := range e.state.Tasks {
		known[id] = true
	}
	e.mu.Unlock()

	var removed []string
	drop := func(abs string) error {
		if err := os.RemoveAll(abs); err != nil {
			return err
		}
		removed = append(removed, e.displayPath(abs))
		return nil
	}
	top, err := os.ReadDir(e.stateDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	for _, ent := range top {
		abs := filepath.Join(e.stateDir, ent.Name())
		if !stateEntries[ent.Name()] {
			if err := drop(abs); err != nil {
				return removed, err
			}
			continue
		}
		var keep func(rel string, d fs.DirEntry) bool
		switch ent.Name() {
		case "logs":
			keep = func(rel string, d fs.DirEntry) bool { return rel == "scopeline.log" && d.Type().IsRegular() }
		case "archive":
			keep = func(rel string, d fs.DirEntry) bool { return archiveFile.MatchString(rel) && d.Type().IsRegular() }
		case "reports":
			keep = func(rel string, d fs.DirEntry) bool {
				task, file, nested := strings.Cut(rel, "/")
				if !known[task] {
					return false
				}
				if !nested {
					return d.IsDir()
				}
				return reportFile.MatchString(file) && d.Type().IsRegular()
			}
		default:
			if !ent.Type().IsRegular() {
				if err := drop(abs); err != nil {
					return removed, err
				}
			}
			continue
		}
		if !ent.IsDir() {
			if err := drop(abs); err != nil {
				return removed, err
			}
			continue
		}
		var stray []string
		err := filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p == abs {
				return nil
			}
			rel, _ := filepath.Rel(abs, p)
			if !keep(filepath.ToSlash(rel), d) {
				stray = append(stray, p)
				if d.IsDir() {
					return filepath.SkipDir
				}
			}
			return nil
		})
		if err != nil {
			return removed, err
		}
		for _, p := range stray {
			if err := drop(p); err != nil {
				return removed, err
			}
		}
	}
	if len(removed) > 0 {
		sort.Strings(removed)
		e.log.Warn("removed worker writes from the state directory", zap.Strings("paths", removed))
	}
	return removed, nil
}

func (e *Engine) displayPath(abs string) string {
	if e.root != "" {
		if rel, err := filepath.Rel(e.root, abs); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return abs
}
