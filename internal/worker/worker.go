package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"scopeline/internal/proc"
)

// Invocation is everything a stateless worker receives for one attempt.
type Invocation struct {
	TaskID    string
	Attempt   int
	Objective string
	// Scope is informational; the worker is not confined to it.
	Scope     []string
	Workspace string
	Timeout   time.Duration
}

// Outcome of a worker run. The exit code is recorded but not authoritative.
type Outcome struct {
	ExitCode int
	Report   string
	TimedOut bool
	Canceled bool
	Duration time.Duration
}

type Runner interface {
	Run(ctx context.Context, inv Invocation) (Outcome, error)
}

// RunnerFunc adapts a function to a Runner.
type RunnerFunc func(ctx context.Context, inv Invocation) (Outcome, error)

func (f RunnerFunc) Run(ctx context.Context, inv Invocation) (Outcome, error) {
	return f(ctx, inv)
}

// Process launches the configured shell command as the worker.
type Process struct {
	Command        string
	StateDir       string
	ReportMaxBytes int
	Logger         *zap.Logger
}

// ReportPath is the well-known status path a worker writes its report to.
func ReportPath(stateDir, taskID string, attempt int) string {
	return filepath.Join(stateDir, "reports", taskID, fmt.Sprintf("attempt-%d.md", attempt))
}

func objectivePath(stateDir, taskID string, attempt int) string {
	return filepath.Join(stateDir, "reports", taskID, fmt.Sprintf("attempt-%d.objective.md", attempt))
}

func (p *Process) Run(ctx context.Context, inv Invocation) (Outcome, error) {
	if strings.TrimSpace(p.Command) == "" {
		return Outcome{}, fmt.Errorf("worker command is not configured")
	}
	reportPath := ReportPath(p.StateDir, inv.TaskID, inv.Attempt)
	objPath := objectivePath(p.StateDir, inv.TaskID, inv.Attempt)
	if err := os.MkdirAll(filepath.Dir(reportPath), 0o755); err != nil {
		return Outcome{}, err
	}
	if err := os.Remove(reportPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Outcome{}, err
	}
	if err := os.WriteFile(objPath, []byte(inv.Objective), 0o644); err != nil {
		return Outcome{}, err
	}

	env := append(os.Environ(),
		"SCOPELINE_TASK_ID="+inv.TaskID,
		"SCOPELINE_ATTEMPT="+strconv.Itoa(inv.Attempt),
		"SCOPELINE_OBJECTIVE="+inv.Objective,
		"SCOPELINE_OBJECTIVE_FILE="+objPath,
		"SCOPELINE_SCOPE="+strings.Join(inv.Scope, "\n"),
		"SCOPELINE_REPORT_PATH="+reportPath,
		"SCOPELINE_WORKSPACE="+inv.Workspace,
	)
	log := p.logger().With(zap.String("task_id", inv.TaskID), zap.Int("attempt", inv.Attempt))
	log.Debug("launching worker", zap.String("command", p.Command), zap.Duration("timeout", inv.Timeout))

	res, err := proc.Run(ctx, proc.Spec{
		Command:   p.Command,
		Dir:       inv.Workspace,
		Env:       env,
		Stdin:     strings.NewReader(inv.Objective),
		Timeout:   inv.Timeout,
		MaxOutput: p.ReportMaxBytes,
	})
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{
		ExitCode: res.ExitCode,
		TimedOut: res.TimedOut,
		Canceled: res.Canceled,
		Duration: res.Duration,
	}
	report, err := readReport(reportPath, p.ReportMaxBytes)
	if err != nil {
		return out, err
	}
	if strings.TrimSpace(report) == "" {
		report = string(res.Stdout)
	}
	out.Report = report
	log.Info("worker exited",
		zap.Int("exit_code", out.ExitCode),
		zap.Bool("timed_out", out.TimedOut),
		zap.Bool("canceled", out.Canceled),
		zap.Duration("duration", out.Duration))
	return out, nil
}

func readReport(path string, max int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	if max > 0 && len(data) > max {
		data = append(data[:max:max], []byte("\n[report truncated]")...)
	}
	return string(data), nil
}

func (p *Process) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}
