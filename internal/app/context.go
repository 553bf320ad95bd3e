package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"scopeline/internal/config"
	"scopeline/internal/db"
	"scopeline/internal/engine"
	"scopeline/internal/logging"
	"scopeline/internal/manifest"
	"scopeline/internal/metrics"
	"scopeline/internal/migrate"
	"scopeline/internal/repo"
	"scopeline/internal/validation"
	"scopeline/internal/worker"
	"scopeline/internal/workspace"
)

const manifestName = "manifest.jsonl"

// ErrNotDone is returned when archiving a run that still has open work.
var ErrNotDone = errors.New("orchestration is not finished")

type Options struct {
	Workspace string
	// Config is loaded from the workspace when nil.
	Config *config.Config
	// LogLevel overrides log.level.
	LogLevel string
	// Logger replaces the configured logger when set.
	Logger *zap.Logger
	// Runner replaces the configured worker command when set.
	Runner worker.Runner
}

// App is an opened workspace: the single-instance lock, the snapshot store,
// the replayed manifest and an engine writing to it.
type App struct {
	Workspace string
	StateDir  string
	Config    *config.Config
	Logger    *zap.Logger
	DB        *sql.DB
	Repo      repo.Repo
	Tree      *workspace.Workspace
	Metrics   *metrics.Metrics
	Engine    *engine.Engine

	lock    *os.File
	closers []func() error
}

// ManifestPath is where a state directory keeps its manifest.
func ManifestPath(stateDir string) string {
	return filepath.Join(stateDir, manifestName)
}

// LoadConfig resolves the workspace directory and its configuration.
func LoadConfig(ws string) (string, *config.Config, error) {
	if ws == "" {
		ws = "."
	}
	abs, err := filepath.Abs(ws)
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.Load(abs)
	if err != nil {
		return "", nil, err
	}
	return abs, cfg, nil
}

// LoadState replays the manifest of a workspace without locking it. Used by
// read-only commands while an orchestrator may be running.
func LoadState(ws string, cfg *config.Config) (*manifest.State, error) {
	return manifest.Load(ManifestPath(cfg.StatePath(ws)))
}

// Open locks the workspace and wires every component of the orchestrator.
func Open(ctx context.Context, opts Options) (_ *App, err error) {
	ws, cfg := opts.Workspace, opts.Config
	if cfg == nil {
		ws, cfg, err = LoadConfig(ws)
		if err != nil {
			return nil, err
		}
	} else if ws, err = filepath.Abs(ws); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Workspace: ws, Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.StateDir, err = db.EnsureStateDir(cfg.StatePath(ws))
	if err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if a.lock, err = acquireLock(a.StateDir); err != nil {
		return nil, err
	}

	a.Logger = opts.Logger
	if a.Logger == nil {
		level := cfg.Log.Level
		if opts.LogLevel != "" {
			level = opts.LogLevel
		}
		logOpts := logging.Options{Level: level, Format: cfg.Log.Format}
		if cfg.Log.File {
			logOpts.File = filepath.Join(a.StateDir, "logs", "scopeline.log")
		}
		logger, closeLog, err := logging.New(logOpts)
		if err != nil {
			return nil, err
		}
		a.Logger = logger
		a.closers = append(a.closers, closeLog)
	}

	a.DB, err = db.Open(db.Config{StateDir: a.StateDir})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	a.closers = append(a.closers, a.DB.Close)
	if _, err := migrate.Migrate(ctx, a.DB); err != nil {
		return nil, fmt.Errorf("migrate snapshot store: %w", err)
	}
	a.Repo = repo.Repo{DB: a.DB}

	root, err := filepath.EvalSymlinks(ws)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	ignore := append([]string(nil), cfg.Workspace.Ignore...)
	if rel, ok := stateRelative(root, a.StateDir); ok {
		ignore = append(ignore, rel)
	}
	if a.Tree, err = workspace.New(root, a.Repo, ignore); err != nil {
		return nil, err
	}

	st, err := manifest.Load(ManifestPath(a.StateDir))
	if err != nil {
		return nil, err
	}
	w, err := manifest.OpenWriter(ManifestPath(a.StateDir), st.LastSeq)
	if err != nil {
		return nil, err
	}

	checks, err := validation.FromSpecs(cfg.Validation.Checks, a.Tree.Ignore, cfg.Worker.ReportMaxBytes)
	if err != nil {
		w.Close()
		return nil, err
	}
	runner := opts.Runner
	if runner == nil {
		runner = &worker.Process{
			Command:        cfg.Worker.Command,
			StateDir:       a.StateDir,
			ReportMaxBytes: cfg.Worker.ReportMaxBytes,
			Logger:         a.Logger.Named("worker"),
		}
	}
	a.Metrics = metrics.New()
	a.Engine, err = engine.New(engine.Options{
		Root:      a.Tree.Root,
		StateDir:  a.StateDir,
		Workspace: a.Tree,
		Runner:    runner,
		Gate:      &validation.Gate{Root: a.Tree.Root, Checks: checks, Logger: a.Logger.Named("validation")},
		Manifest:  w,
		State:     st,
		Config:    cfg,
		Ignore:    a.Tree.Ignore,
		Logger:    a.Logger.Named("engine"),
		Metrics:   a.Metrics,
	})
	if err != nil {
		w.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.Engine.Close)
	return a, nil
}

// stateRelative returns the state dir as an ignore prefix when it lives
// inside the workspace.
func stateRelative(root, stateDir string) (string, bool) {
	real, err := filepath.EvalSymlinks(stateDir)
	if err != nil {
		real = stateDir
	}
	rel, err := filepath.Rel(root, real)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel) + "/", true
}

// Close releases everything Open acquired, the lock last.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.lock != nil {
		errs = append(errs, releaseLock(a.lock))
		a.lock = nil
	}
	return errors.Join(errs...)
}

// Archive moves a finished manifest to <state>/archive and drops the
// snapshot store. The engine is closed afterwards; reopen to plan again.
func (a *App) Archive(ctx context.Context) (string, error) {
	st := a.Engine.State()
	if len(st.Order) == 0 {
		return "", errors.New("nothing to archive")
	}
	if !st.Done() {
		return "", ErrNotDone
	}
	if err := a.Engine.Close(); err != nil {
		return "", err
	}
	dest, err := manifest.Archive(ManifestPath(a.StateDir), filepath.Join(a.StateDir, "archive"), time.Now())
	if err != nil {
		return "", err
	}
	n, err := a.Repo.PurgeSnapshots(ctx)
	if err != nil {
		return dest, fmt.Errorf("purge snapshots: %w", err)
	}
	a.Logger.Info("manifest archived", zap.String("path", dest), zap.Int64("snapshots", n))
	return dest, nil
}
