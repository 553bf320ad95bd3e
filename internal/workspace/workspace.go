package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"scopeline/internal/repo"
)

// Workspace is the shared file tree all tasks mutate. Snapshots are kept in
// the repo's content-addressed store. Calls on disjoint path sets may run
// concurrently; the workspace itself takes no locks.
type Workspace struct {
	Root   string
	Ignore []string
	Repo   repo.Repo
	Now    func() time.Time
}

// New returns a workspace rooted at root. Ignored prefixes are never
// snapshotted, diffed or reverted.
func New(root string, r repo.Repo, ignore []string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", root)
	}
	ign := make([]string, 0, len(ignore))
	for _, p := range ignore {
		c, err := Clean(p)
		if err != nil {
			return nil, fmt.Errorf("ignore %s: %w", p, err)
		}
		if c == "" {
			return nil, fmt.Errorf("ignore %q would hide the whole workspace", p)
		}
		ign = append(ign, c)
	}
	return &Workspace{Root: real, Ignore: ign, Repo: r, Now: time.Now}, nil
}

func (w *Workspace) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

// Ignored reports whether a cleaned path sits under an ignored prefix.
func (w *Workspace) Ignored(p string) bool {
	return underAny(p, w.Ignore)
}

// Snapshot captures the current content of the whole tree, or of the given
// prefixes only, and returns the snapshot id.
func (w *Workspace) Snapshot(ctx context.Context, prefixes ...string) (string, error) {
	norm, err := normalizePrefixes(prefixes)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	stx, err := w.Repo.BeginSnapshot(ctx, repo.Snapshot{
		ID:        id,
		Prefixes:  norm,
		CreatedAt: w.now().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", err
	}
	err = w.walk(ctx, norm, func(e repo.Entry, content []byte) error {
		return stx.Add(e, content)
	})
	if err != nil {
		stx.Rollback()
		return "", err
	}
	if err := stx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// DiffSince returns the sorted paths whose content, kind or mode changed
// since the snapshot, including created and deleted paths. Directory paths
// carry a trailing slash.
func (w *Workspace) DiffSince(ctx context.Context, id string) ([]string, error) {
	snap, err := w.Repo.GetSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	old, err := w.Repo.Entries(ctx, id)
	if err != nil {
		return nil, err
	}
	cur := map[string]repo.Entry{}
	err = w.walk(ctx, snap.Prefixes, func(e repo.Entry, _ []byte) error {
		cur[e.Path] = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	var changed []string
	for p, e := range cur {
		prev, ok := old[p]
		if !ok || prev != e {
			changed = append(changed, p)
		}
	}
	for p := range old {
		if w.Ignored(p) {
			continue
		}
		if _, ok := cur[p]; !ok {
			changed = append(changed, p)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// RevertToSnapshot restores exactly the given paths to their snapshot
// state. Paths absent from the snapshot are deleted.
func (w *Workspace) RevertToSnapshot(ctx context.Context, id string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	entries, err := w.Repo.Entries(ctx, id)
	if err != nil {
		return err
	}
	clean, err := CleanAll(paths)
	if err != nil {
		return err
	}
	var restore, remove []string
	for _, p := range clean {
		if p == "" {
			return fmt.Errorf("%w: cannot revert the workspace root", ErrPathEscape)
		}
		if w.Ignored(p) {
			return fmt.Errorf("revert %s: path is ignored", p)
		}
		if _, ok := entries[p]; ok {
			restore = append(restore, p)
		} else {
			remove = append(remove, p)
		}
	}
	// children before parents when deleting, parents first when restoring
	sort.Sort(sort.Reverse(sort.StringSlice(remove)))
	for _, p := range remove {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.remove(p); err != nil {
			return err
		}
	}
	for _, p := range restore {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.restore(ctx, entries[p]); err != nil {
			return err
		}
	}
	return nil
}

// Rebase records a new snapshot equal to id except for the given paths,
// which take their current on-disk state.
func (w *Workspace) Rebase(ctx context.Context, id string, paths []string) (string, error) {
	snap, err := w.Repo.GetSnapshot(ctx, id)
	if err != nil {
		return "", err
	}
	clean, err := CleanAll(paths)
	if err != nil {
		return "", err
	}
	type current struct {
		entry   repo.Entry
		content []byte
	}
	var present []current
	for _, p := range clean {
		if p == "" || w.Ignored(p) {
			continue
		}
		if len(snap.Prefixes) > 0 && !underAny(p, snap.Prefixes) {
			continue
		}
		abs, err := w.resolve(p)
		if err != nil {
			return "", err
		}
		e, content, ok, err := readEntry(p, abs)
		if err != nil {
			return "", err
		}
		if ok {
			present = append(present, current{entry: e, content: content})
		}
	}
	newID := uuid.NewString()
	stx, err := w.Repo.BeginSnapshot(ctx, repo.Snapshot{
		ID:        newID,
		ParentID:  id,
		Prefixes:  snap.Prefixes,
		CreatedAt: w.now().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", err
	}
	if err := stx.CopyFrom(id, clean); err != nil {
		stx.Rollback()
		return "", err
	}
	for _, c := range present {
		if err := stx.Add(c.entry, c.content); err != nil {
			stx.Rollback()
			return "", err
		}
	}
	if err := stx.Commit(); err != nil {
		return "", err
	}
	return newID, nil
}

func normalizePrefixes(prefixes []string) ([]string, error) {
	norm, err := CleanAll(prefixes)
	if err != nil {
		return nil, err
	}
	for _, p := range norm {
		if p == "" {
			return nil, nil
		}
	}
	return norm, nil
}

// walk visits every recordable entry under the prefixes (all when empty).
func (w *Workspace) walk(ctx context.Context, prefixes []string, fn func(repo.Entry, []byte) error) error {
	return filepath.WalkDir(w.Root, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if abs == w.Root {
			return nil
		}
		rel, err := filepath.Rel(w.Root, abs)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			rel += "/"
		}
		if w.Ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if len(prefixes) > 0 && !underAny(rel, prefixes) {
			if d.IsDir() && aboveAny(rel, prefixes) {
				return nil
			}
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		e, content, ok, err := readEntry(rel, abs)
		if err != nil || !ok {
			return err
		}
		return fn(e, content)
	})
}

// readEntry captures the on-disk state of rel. ok is false when nothing of
// the kind the path names exists there.
func readEntry(rel, abs string) (repo.Entry, []byte, bool, error) {
	info, err := os.Lstat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return repo.Entry{}, nil, false, nil
		}
		return repo.Entry{}, nil, false, err
	}
	wantDir := IsDir(rel)
	e := repo.Entry{Path: rel}
	switch {
	case info.IsDir():
		if !wantDir {
			return repo.Entry{}, nil, false, nil
		}
		e.Kind = repo.KindDir
		e.Mode = uint32(info.Mode().Perm())
		return e, nil, true, nil
	case wantDir:
		return repo.Entry{}, nil, false, nil
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(abs)
		if err != nil {
			return repo.Entry{}, nil, false, err
		}
		content := []byte(target)
		e.Kind = repo.KindSymlink
		e.Hash = hashBytes(content)
		return e, content, true, nil
	case info.Mode().IsRegular():
		content, err := os.ReadFile(abs)
		if err != nil {
			return repo.Entry{}, nil, false, err
		}
		e.Kind = repo.KindFile
		e.Mode = uint32(info.Mode().Perm())
		e.Hash = hashBytes(content)
		return e, content, true, nil
	default:
		// sockets, fifos and devices are not workspace content
		return repo.Entry{}, nil, false, nil
	}
}

func (w *Workspace) remove(p string) error {
	abs, err := w.resolve(p)
	if err != nil {
		return err
	}
	_, _, ok, err := readEntry(p, abs)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

func (w *Workspace) restore(ctx context.Context, e repo.Entry) error {
	abs, err := w.resolve(e.Path)
	if err != nil {
		return err
	}
	switch e.Kind {
	case repo.KindDir:
		if info, err := os.Lstat(abs); err == nil && !info.IsDir() {
			if err := os.Remove(abs); err != nil {
				return fmt.Errorf("restore %s: %w", e.Path, err)
			}
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return fmt.Errorf("restore %s: %w", e.Path, err)
		}
		return os.Chmod(abs, fs.FileMode(e.Mode))
	case repo.KindSymlink:
		target, err := w.Repo.Blob(ctx, e.Hash)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return err
		}
		if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("restore %s: %w", e.Path, err)
		}
		return os.Symlink(string(target), abs)
	case repo.KindFile:
		content, err := w.Repo.Blob(ctx, e.Hash)
		if err != nil {
			return err
		}
		return writeFileAtomic(abs, content, fs.FileMode(e.Mode))
	default:
		return fmt.Errorf("restore %s: unknown entry kind %q", e.Path, e.Kind)
	}
}

func writeFileAtomic(path string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if info, err := os.Lstat(path); err == nil && info.IsDir() {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("restore %s: %w", path, err)
		}
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".sl-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Describe renders a short human summary of a path list, used in logs.
func Describe(paths []string) string {
	if len(paths) == 0 {
		return "none"
	}
	if len(paths) <= 5 {
		return strings.Join(paths, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(paths[:5], ", "), len(paths)-5)
}
