package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"scopeline/internal/config"
	"scopeline/internal/domain"
	"scopeline/internal/manifest"
	"scopeline/internal/metrics"
	"scopeline/internal/scope"
	"scopeline/internal/validation"
	"scopeline/internal/worker"
)

var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrUnknownPhase  = errors.New("unknown phase")
	ErrPhaseBlocked  = errors.New("phase blocked")
	ErrNotCancelable = errors.New("task is not running in this orchestrator")
	ErrNotEscalated  = errors.New("task is not an open blocker")
	ErrBusy          = errors.New("orchestrator is already running a phase")
)

// Workspace is what the engine needs from the shared tree.
type Workspace interface {
	scope.Workspace
	Snapshot(ctx context.Context, prefixes ...string) (string, error)
	Rebase(ctx context.Context, snapshotID string, paths []string) (string, error)
}

type Options struct {
	// Root is the workspace directory workers run in.
	Root string
	// StateDir is swept of worker writes after every enforcement.
	StateDir  string
	Workspace Workspace
	Runner    worker.Runner
	Gate      *validation.Gate
	Manifest  *manifest.Writer
	// State is the replayed manifest; nil starts empty.
	State   *manifest.State
	Config  *config.Config
	Ignore  []string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Engine is the orchestrator. All durable state lives in the manifest; the
// in-memory state is only ever changed by appending a record.
type Engine struct {
	Now func() time.Time

	root     string
	stateDir string
	ws       Workspace
	enforcer *scope.Enforcer
	gate     *validation.Gate
	runner   worker.Runner
	cfg      *config.Config
	ignore   []string
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	state   *manifest.State
	writer  *manifest.Writer
	running map[string]*attemptCtl

	runMu      sync.Mutex
	enforceMu  sync.Mutex
	validateMu sync.Mutex
}

type attemptCtl struct {
	cancel   context.CancelFunc
	operator bool
}

// PhaseReport summarizes a phase after a run.
type PhaseReport struct {
	Phase     int      `json:"phase"`
	Advanced  bool     `json:"advanced"`
	Completed []string `json:"completed"`
	Escalated []string `json:"escalated"`
	Pending   []string `json:"pending"`
	Skipped   []Skip   `json:"skipped,omitempty"`
}

func New(opts Options) (*Engine, error) {
	switch {
	case opts.Workspace == nil:
		return nil, errors.New("workspace is required")
	case opts.Runner == nil:
		return nil, errors.New("worker runner is required")
	case opts.Gate == nil:
		return nil, errors.New("validation gate is required")
	case opts.Manifest == nil:
		return nil, errors.New("manifest writer is required")
	case opts.Config == nil:
		return nil, errors.New("config not loaded")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	st := opts.State
	if st == nil {
		st = manifest.NewState()
	}
	if st.LastSeq != opts.Manifest.Seq() {
		return nil, fmt.Errorf("manifest writer at seq %d but state at %d", opts.Manifest.Seq(), st.LastSeq)
	}
	stateDir := opts.StateDir
	if stateDir != "" {
		if real, err := filepath.EvalSymlinks(stateDir); err == nil {
			stateDir = real
		}
	}
	e := &Engine{
		Now:      time.Now,
		root:     opts.Root,
		stateDir: stateDir,
		ws:       opts.Workspace,
		enforcer: &scope.Enforcer{Workspace: opts.Workspace, Logger: log},
		gate:     opts.Gate,
		runner:   opts.Runner,
		cfg:      opts.Config,
		ignore:   opts.Ignore,
		log:      log,
		metrics:  opts.Metrics,
		state:    st,
		writer:   opts.Manifest,
		running:  map[string]*attemptCtl{},
	}
	e.metrics.SetInFlight(e.inFlightCountLocked())
	return e, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Plan validates task definitions and appends them to the manifest.
func (e *Engine) Plan(ctx context.Context, specs []domain.TaskSpec) ([]domain.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ordered, err := normalizePlan(e.state, specs, e.cfg.Orchestrator.MaxAttempts)
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(ordered))
	for _, s := range ordered {
		if err := ctx.Err(); err != nil {
			return tasks, err
		}
		spec := s
		if _, err := e.appendLocked(manifest.Record{
			Kind:   manifest.KindPlanned,
			TaskID: spec.ID,
			Phase:  spec.Phase,
			Status: domain.StatusPending,
			Task:   &spec,
		}); err != nil {
			return tasks, err
		}
		t, _ := e.state.Task(spec.ID)
		tasks = append(tasks, t)
	}
	e.log.Info("plan recorded", zap.Int("tasks", len(tasks)))
	return tasks, nil
}

// State returns a copy of the reconstructed orchestration state.
func (e *Engine) State() *manifest.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// Ready reports which pending tasks of a phase could be dispatched now.
func (e *Engine) Ready(phase int) Selection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Ready(e.state.List(), phase, e.cfg.Orchestrator.MaxParallel)
}

// MaxParallel is the configured in-flight cap; zero means none.
func (e *Engine) MaxParallel() int {
	return e.cfg.Orchestrator.MaxParallel
}

// Close releases the manifest file.
func (e *Engine) Close() error {
	return e.writer.Close()
}

func (e *Engine) append(rec manifest.Record) (manifest.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.appendLocked(rec)
}

// appendLocked validates, persists and applies one record. The state only
// changes once the record is durable.
func (e *Engine) appendLocked(rec manifest.Record) (manifest.Record, error) {
	if err := e.state.Check(rec); err != nil {
		return rec, fmt.Errorf("refusing manifest record: %w", err)
	}
	rec.TS = e.now()
	written, err := e.writer.Append(rec)
	if err != nil {
		return rec, err
	}
	if err := e.state.Apply(written); err != nil {
		return written, fmt.Errorf("apply manifest record %d: %w", written.Seq, err)
	}
	if rec.Kind == manifest.KindTransition {
		e.metrics.Transition(string(rec.Status))
		e.metrics.SetInFlight(e.inFlightCountLocked())
		e.log.Info("task transition",
			zap.String("task_id", rec.TaskID),
			zap.Int("phase", rec.Phase),
			zap.String("status", string(rec.Status)),
			zap.Int("attempt", rec.Attempt))
	}
	return written, nil
}

func (e *Engine) inFlightCountLocked() int {
	n := 0
	for _, t := range e.state.Tasks {
		if t.Status.InFlight() {
			n++
		}
	}
	return n
}

func (e *Engine) task(id string) (domain.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.state.Task(id)
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return t, nil
}

func transition(t domain.Task, status domain.TaskStatus) manifest.Record {
	return manifest.Record{
		Kind:    manifest.KindTransition,
		TaskID:  t.ID,
		Phase:   t.Phase,
		Status:  status,
		Attempt: t.Attempt,
	}
}
