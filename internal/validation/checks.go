package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"scopeline/internal/domain"
	"scopeline/internal/proc"
	"scopeline/internal/workspace"
)

// Check is one deterministic validation program.
type Check interface {
	Name() string
	Run(ctx context.Context, root string) domain.CheckResult
}

// CheckFunc is a check body: it reports pass/fail plus diagnostic text.
type CheckFunc func(ctx context.Context, root string) (bool, string)

type funcCheck struct {
	name string
	fn   CheckFunc
}

// Named adapts fn into a Check.
func Named(name string, fn CheckFunc) Check {
	return funcCheck{name: name, fn: fn}
}

func (c funcCheck) Name() string { return c.name }

func (c funcCheck) Run(ctx context.Context, root string) domain.CheckResult {
	ok, out := c.fn(ctx, root)
	code := 0
	if !ok {
		code = 1
	}
	return domain.CheckResult{Name: c.name, Passed: ok, ExitCode: code, Output: out}
}

// CommandCheck runs a shell command in the workspace root; exit 0 passes.
type CommandCheck struct {
	CheckName string
	Command   string
	Timeout   time.Duration
	MaxOutput int
}

func (c CommandCheck) Name() string { return c.CheckName }

func (c CommandCheck) Run(ctx context.Context, root string) domain.CheckResult {
	res, err := proc.Run(ctx, proc.Spec{
		Command:   c.Command,
		Dir:       root,
		Env:       os.Environ(),
		Timeout:   c.Timeout,
		MaxOutput: c.MaxOutput,
	})
	if err != nil {
		return domain.CheckResult{Name: c.CheckName, ExitCode: -1, Output: err.Error()}
	}
	out := string(res.Combined)
	if res.TimedOut {
		out += fmt.Sprintf("\ncheck timed out after %s", c.Timeout)
	}
	return domain.CheckResult{
		Name:     c.CheckName,
		Passed:   res.ExitCode == 0,
		ExitCode: res.ExitCode,
		Output:   out,
	}
}

// ParseCheck is a structural check: every YAML and JSON file under Paths
// must parse.
type ParseCheck struct {
	CheckName string
	Paths     []string
	Ignore    []string
}

func (c ParseCheck) Name() string { return c.CheckName }

func (c ParseCheck) Run(ctx context.Context, root string) domain.CheckResult {
	var problems []string
	checked := 0
	for _, p := range c.Paths {
		rel, err := workspace.Clean(p)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		start := filepath.Join(root, filepath.FromSlash(strings.TrimSuffix(rel, "/")))
		err = filepath.WalkDir(start, func(abs string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			r, _ := filepath.Rel(root, abs)
			r = filepath.ToSlash(r)
			if d.IsDir() {
				if c.ignored(r + "/") {
					return filepath.SkipDir
				}
				return nil
			}
			if c.ignored(r) || !d.Type().IsRegular() {
				return nil
			}
			perr := parseFile(abs)
			if perr == errSkip {
				return nil
			}
			checked++
			if perr != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", r, perr))
			}
			return nil
		})
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", rel, err))
		}
	}
	if len(problems) > 0 {
		return domain.CheckResult{Name: c.CheckName, ExitCode: 1, Output: strings.Join(problems, "\n")}
	}
	return domain.CheckResult{Name: c.CheckName, Passed: true, Output: fmt.Sprintf("%d files parsed", checked)}
}

func (c ParseCheck) ignored(rel string) bool {
	for _, ig := range c.Ignore {
		if workspace.Under(rel, ig) {
			return true
		}
	}
	return false
}

var errSkip = errors.New("skip")

func parseFile(abs string) error {
	ext := strings.ToLower(filepath.Ext(abs))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return errSkip
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return err
	}
	if ext == ".json" {
		var v any
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&v); err != nil {
			return err
		}
		if dec.More() {
			return fmt.Errorf("trailing data after JSON value")
		}
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var v any
		if err := dec.Decode(&v); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// FromSpecs builds checks from their declarations.
func FromSpecs(specs []domain.CheckSpec, ignore []string, maxOutput int) ([]Check, error) {
	checks := make([]Check, 0, len(specs))
	for _, s := range specs {
		switch s.Kind {
		case "", "command":
			if strings.TrimSpace(s.Run) == "" {
				return nil, fmt.Errorf("check %s: run is required", s.Name)
			}
			checks = append(checks, CommandCheck{CheckName: s.Name, Command: s.Run, Timeout: s.Timeout, MaxOutput: maxOutput})
		case "parse":
			checks = append(checks, ParseCheck{CheckName: s.Name, Paths: s.Paths, Ignore: ignore})
		default:
			return nil, fmt.Errorf("check %s: unknown kind %q", s.Name, s.Kind)
		}
	}
	return checks, nil
}
