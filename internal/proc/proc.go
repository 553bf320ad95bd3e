// Package proc runs shell commands in their own process group so that a
// timeout or cancellation kills every descendant, not only the shell.
package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

type Spec struct {
	// Command is interpreted by sh -c.
	Command string
	Dir     string
	Env     []string
	Stdin   io.Reader
	// Timeout bounds wall-clock time; zero means no limit beyond ctx.
	Timeout time.Duration
	// MaxOutput caps each captured stream, keeping the tail. Zero keeps everything.
	MaxOutput int
}

type Result struct {
	Stdout   []byte
	Stderr   []byte
	Combined []byte
	ExitCode int
	TimedOut bool
	Canceled bool
	Duration time.Duration
}

// Run executes the command and waits for it. A non-zero exit, a timeout or a
// cancellation is reported in the Result, not as an error; err is only set
// when the process could not be started.
func Run(ctx context.Context, spec Spec) (Result, error) {
	if spec.Command == "" {
		return Result{}, fmt.Errorf("command is empty")
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.Command("sh", "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = spec.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// descendants that keep a pipe open must not hold Wait forever
	cmd.WaitDelay = 2 * time.Second

	stdout := &tail{max: spec.MaxOutput}
	stderr := &tail{max: spec.MaxOutput}
	combined := &tail{max: spec.MaxOutput}
	cmd.Stdout = io.MultiWriter(stdout, combined)
	cmd.Stderr = io.MultiWriter(stderr, combined)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start command: %w", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var res Result
	var waitErr error
	select {
	case <-runCtx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		waitErr = <-done
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			res.TimedOut = true
		} else {
			res.Canceled = true
		}
	case waitErr = <-done:
	}
	res.Duration = time.Since(start)
	res.Stdout = stdout.bytes()
	res.Stderr = stderr.bytes()
	res.Combined = combined.bytes()

	switch {
	case res.TimedOut || res.Canceled:
		res.ExitCode = -1
	case waitErr == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else if errors.Is(waitErr, exec.ErrWaitDelay) {
			res.ExitCode = cmd.ProcessState.ExitCode()
		} else {
			return res, fmt.Errorf("wait command: %w", waitErr)
		}
	}
	return res, nil
}

// tail is a concurrency-safe buffer that keeps the last max bytes written.
type tail struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if t.max > 0 && len(t.buf) > t.max {
		t.buf = append([]byte(nil), t.buf[len(t.buf)-t.max:]...)
	}
	return len(p), nil
}

func (t *tail) bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.buf...)
}
