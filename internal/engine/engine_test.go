package engine_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scopeline/internal/config"
	"scopeline/internal/db"
	"scopeline/internal/domain"
	"scopeline/internal/engine"
	"scopeline/internal/manifest"
	"scopeline/internal/migrate"
	"scopeline/internal/repo"
	"scopeline/internal/validation"
	"scopeline/internal/worker"
	"scopeline/internal/workspace"
)

type testEnv struct {
	t     *testing.T
	Root  string
	State string
	Cfg   *config.Config
	WS    *workspace.Workspace
	Ctx   context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	state := filepath.Join(root, ".scopeline")
	conn, err := db.Open(db.Config{StateDir: state})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	ws, err := workspace.New(root, repo.Repo{DB: conn}, []string{".scopeline/"})
	require.NoError(t, err)
	cfg := config.Default()
	cfg.Worker.Timeout = 5 * time.Second
	return &testEnv{t: t, Root: ws.Root, State: state, Cfg: cfg, WS: ws, Ctx: context.Background()}
}

func (v *testEnv) manifestPath() string { return filepath.Join(v.State, "manifest.jsonl") }

// open replays the manifest from disk, the way a fresh process would.
func (v *testEnv) open(runner worker.Runner, checks ...validation.Check) *engine.Engine {
	v.t.Helper()
	st, err := manifest.Load(v.manifestPath())
	require.NoError(v.t, err)
	w, err := manifest.OpenWriter(v.manifestPath(), st.LastSeq)
	require.NoError(v.t, err)
	eng, err := engine.New(engine.Options{
		Root:      v.Root,
		StateDir:  v.State,
		Workspace: v.WS,
		Runner:    runner,
		Gate:      &validation.Gate{Root: v.Root, Checks: checks},
		Manifest:  w,
		State:     st,
		Config:    v.Cfg,
		Ignore:    []string{".scopeline/"},
	})
	require.NoError(v.t, err)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	v.t.Cleanup(func() { eng.Close() })
	return eng
}

func (v *testEnv) write(rel, content string) {
	v.t.Helper()
	abs := filepath.Join(v.Root, filepath.FromSlash(rel))
	require.NoError(v.t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(v.t, os.WriteFile(abs, []byte(content), 0o644))
}

func (v *testEnv) read(rel string) (string, bool) {
	v.t.Helper()
	data, err := os.ReadFile(filepath.Join(v.Root, filepath.FromSlash(rel)))
	if os.IsNotExist(err) {
		return "", false
	}
	require.NoError(v.t, err)
	return string(data), true
}

func (v *testEnv) records() []manifest.Record {
	v.t.Helper()
	recs, err := manifest.ReadRecords(v.manifestPath())
	require.NoError(v.t, err)
	return recs
}

func seqOf(recs []manifest.Record, taskID string, status domain.TaskStatus, attempt int) int64 {
	for _, r := range recs {
		if r.Kind == manifest.KindTransition && r.TaskID == taskID && r.Status == status && r.Attempt == attempt {
			return r.Seq
		}
	}
	return -1
}

func writes(files map[string]string) worker.RunnerFunc {
	return func(ctx context.Context, inv worker.Invocation) (worker.Outcome, error) {
		for rel, content := range files {
			abs := filepath.Join(inv.Workspace, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return worker.Outcome{}, err
			}
			if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
				return worker.Outcome{}, err
			}
		}
		return worker.Outcome{Report: "done"}, nil
	}
}

func TestOutOfScopeEditsAreReverted(t *testing.T) {
	env := newTestEnv(t)
	env.write("src/bar/b.rs", "original")
	eng := env.open(writes(map[string]string{
		"src/foo/a.rs":     "new a",
		"src/bar/b.rs":     "clobbered",
		"src/bar/extra.rs": "stray",
	}))
	_, err := eng.Plan(env.Ctx, []domain.TaskSpec{{ID: "T1", Objective: "edit foo", Scope: []string{"src/foo/"}}})
	require.NoError(t, err)

	rep, err := eng.RunPhase(env.Ctx, 0)
	require.NoError(t, err)
	assert.True(t, rep.Advanced)

	got, ok := env.read("src/foo/a.rs")
	require.True(t, ok)
	assert.Equal(t, "new a", got)
	got, _ = env.read("src/bar/b.rs")
	assert.Equal(t, "original", got)
	_, ok = env.read("src/bar/extra.rs")
	assert.False(t, ok)

	task, ok := eng.State().Task("T1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusCompleted, task.Status)
	require.NotNil(t, task.LastDecision)
	assert.Contains(t, task.LastDecision.Kept, "src/foo/a.rs")
	assert.Equal(t, []string{"src/bar/b.rs", "src/bar/extra.rs"}, task.LastDecision.Reverted)
}

func TestOverlappingScopesNeverRunTogether(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	active, maxActive := 0, 0
	runner := worker.RunnerFunc(func(ctx context.Context, inv worker.Invocation) (worker.Outcome, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		abs := filepath.Join(inv.Workspace, "src", "shared", inv.TaskID+".rs")
		os.MkdirAll(filepath.Dir(abs), 0o755)
		os.WriteFile(abs, []byte(inv.TaskID), 0o644)
		mu.Lock()
		active--
		mu.Unlock()
		return worker.Outcome{}, nil
	})
	eng := env.open(runner)
	_, err := eng.Plan(env.Ctx, []domain.TaskSpec{
		{ID: "T2", Objective: "two", Scope: []string{"src/shared/"}},
		{ID: "T3", Objective: "three", Scope: []string{"src/shared/"}},
	})
	require.NoError(t, err)

	sel := eng.Ready(0)
	require.Len(t, sel.Ready, 1)
	assert.Equal(t, "T2", sel.Ready[0].ID)
	require.Len(t, sel.Skipped, 1)
	assert.Equal(t, engine.SkipScopeConflict, sel.Skipped[0].Reason)

	rep, err := eng.RunPhase(env.Ctx, 0)
	require.NoError(t, err)
	assert.True(t, rep.Advanced)
	assert.Equal(t, 1, maxActive)

	recs := env.records()
	assert.Greater(t, seqOf(recs, "T3", domain.StatusDispatched, 1), seqOf(recs, "T2", domain.StatusCompleted, 1),
		"T3 waits until T2 is terminal")
}

func TestRetryUntilPass(t *testing.T) {
	env := newTestEnv(t)
	var objectives []string
	runner := worker.RunnerFunc(func(ctx context.Context, inv worker.Invocation) (worker.Outcome, error) {
		objectives = append(objectives, inv.Objective)
		return worker.Outcome{}, nil
	})
	calls := 0
	gate := validation.Named("tests", func(ctx context.Context, root string) (bool, string) {
		calls++
		if calls <= 2 {
			return false, fmt.Sprintf("failure %d", calls)
		}
		return true, "ok"
	})
	eng := env.open(runner, gate)
	_, err := eng.Plan(env.Ctx, []domain.TaskSpec{{ID: "T4", Objective: "make tests pass", Scope: []string{"src/"}, MaxAttempts: 3}})
	require.NoError(t, err)

	_, err = eng.RunPhase(env.Ctx, 0)
	require.NoError(t, err)

	st := eng.State()
	task, _ := st.Task("T4")
	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.Equal(t, 3, task.Attempt)

	hist := st.Attempts("T4")
	require.Len(t, hist, 3)
	for i, want := range []bool{false, false, true} {
		require.NotNil(t, hist[i].Validation)
		assert.Equal(t, want, hist[i].Validation.Passed, "attempt %d", i+1)
	}

	require.Len(t, objectives, 3)
	assert.Equal(t, "make tests pass", objectives[0])
	assert.Contains(t, objectives[1], "failure 1")
	assert.Contains(t, objectives[2], "failure 1")
	assert.Contains(t, objectives[2], "failure 2")
}

func TestResumeSkipsCompletedTasks(t *testing.T) {
	env := newTestEnv(t)
	// a previous orchestrator completed T5 and died before dispatching T6
	w, err := manifest.OpenWriter(env.manifestPath(), 0)
	require.NoError(t, err)
	for _, r := range []manifest.Record{
		{Kind: manifest.KindPlanned, TaskID: "T5", Status: domain.StatusPending, Task: &domain.TaskSpec{ID: "T5", Objective: "five", Scope: []string{"five/"}, MaxAttempts: 3}},
		{Kind: manifest.KindPlanned, TaskID: "T6", Status: domain.StatusPending, Task: &domain.TaskSpec{ID: "T6", Objective: "six", Scope: []string{"six/"}, MaxAttempts: 3}},
		{Kind: manifest.KindTransition, TaskID: "T5", Status: domain.StatusDispatched, Attempt: 1, SnapshotID: "gone"},
		{Kind: manifest.KindTransition, TaskID: "T5", Status: domain.StatusEnforcing, Attempt: 1},
		{Kind: manifest.KindTransition, TaskID: "T5", Status: domain.StatusValidating, Attempt: 1, ScopeDecision: &domain.ScopeDecision{TaskID: "T5", Attempt: 1, Kept: []string{"five/x"}, Reverted: []string{}}},
		{Kind: manifest.KindTransition, TaskID: "T5", Status: domain.StatusCompleted, Attempt: 1, ValidationResult: &domain.ValidationResult{TaskID: "T5", Attempt: 1, Passed: true}},
	} {
		_, err := w.Append(r)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	var dispatched []string
	runner := worker.RunnerFunc(func(ctx context.Context, inv worker.Invocation) (worker.Outcome, error) {
		dispatched = append(dispatched, inv.TaskID)
		return worker.Outcome{}, nil
	})
	eng := env.open(runner)
	reports, err := eng.Resume(env.Ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Advanced)
	assert.Equal(t, []string{"T6"}, dispatched)

	t5, _ := eng.State().Task("T5")
	assert.Equal(t, 1, t5.Attempt)
}

func TestRetriesAreBounded(t *testing.T) {
	env := newTestEnv(t)
	env.Cfg.Orchestrator.MaxAttempts = 2
	runs := 0
	runner := worker.RunnerFunc(func(ctx context.Context, inv worker.Invocation) (worker.Outcome, error) {
		runs++
		return worker.Outcome{}, nil
	})
	never := validation.Named("never", func(ctx context.Context, root string) (bool, string) { return false, "nope" })
	eng := env.open(runner, never)
	_, err := eng.Plan(env.Ctx, []domain.TaskSpec{
		{ID: "base", Objective: "base", Scope: []string{"base/"}},
		{ID: "next", Objective: "next", Scope: []string{"next/"}, DependsOn: []string{"base"}},
	})
	require.NoError(t, err)

	rep, err := eng.RunPhase(env.Ctx, 0)
	require.NoError(t, err)
	assert.False(t, rep.Advanced)
	assert.Equal(t, []string{"base"}, rep.Escalated)
	assert.Equal(t, []string{"next"}, rep.Pending)
	require.Len(t, rep.Skipped, 1)
	assert.Equal(t, engine.SkipBlockedDependency, rep.Skipped[0].Reason)
	assert.Equal(t, 2, runs)

	st := eng.State()
	base, _ := st.Task("base")
	assert.Equal(t, domain.StatusEscalated, base.Status)
	assert.Equal(t, 2, base.Attempt)
	blockers := st.Blockers()
	require.Len(t, blockers, 1)
	assert.False(t, blockers[0].Accepted)
	assert.Len(t, st.Attempts("base"), 2, "every failed attempt stays in the history")
}

func TestAcceptedBlockerUnblocksDependents(t *testing.T) {
	env := newTestEnv(t)
	env.Cfg.Orchestrator.MaxAttempts = 1
	failBase := validation.Named("base-only", func(ctx context.Context, root string) (bool, string) {
		_, err := os.Stat(filepath.Join(root, "next", "done"))
		return err == nil, "next not built"
	})
	eng := env.open(writes(map[string]string{"next/done": "x"}), failBase)
	_, err := eng.Plan(env.Ctx, []domain.TaskSpec{
		{ID: "base", Objective: "base", Scope: []string{"base/"}},
		{ID: "next", Objective: "next", Scope: []string{"next/"}, DependsOn: []string{"base"}},
	})
	require.NoError(t, err)
	rep, err := eng.RunPhase(env.Ctx, 0)
	require.NoError(t, err)
	require.False(t, rep.Advanced)

	_, err = eng.AcceptBlocker(env.Ctx, "next", "ops", "")
	assert.ErrorIs(t, err, engine.ErrNotEscalated)

	b, err := eng.AcceptBlocker(env.Ctx, "base", "ops", "known gap")
	require.NoError(t, err)
	assert.True(t, b.Accepted)

	rep, err = eng.RunPhase(env.Ctx, 0)
	require.NoError(t, err)
	assert.True(t, rep.Advanced)
	next, _ := eng.State().Task("next")
	assert.Equal(t, domain.StatusCompleted, next.Status)
}

func TestPhaseBarrier(t *testing.T) {
	env := newTestEnv(t)
	eng := env.open(writes(nil))
	_, err := eng.Plan(env.Ctx, []domain.TaskSpec{
		{ID: "p0", Objective: "first", Scope: []string{"a/"}, Phase: 0},
		{ID: "p1", Objective: "second", Scope: []string{"b/"}, Phase: 1},
	})
	require.NoError(t, err)

	_, err = eng.RunPhase(env.Ctx, 1)
	assert.ErrorIs(t, err, engine.ErrPhaseBlocked)
	_, err = eng.RunPhase(env.Ctx, 7)
	assert.ErrorIs(t, err, engine.ErrUnknownPhase)

	reports, err := eng.Resume(env.Ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	recs := env.records()
	assert.Greater(t, seqOf(recs, "p1", domain.StatusDispatched, 1), seqOf(recs, "p0", domain.StatusCompleted, 1))
	assert.True(t, eng.State().Done())
}

func TestRecoveryFinishesInterruptedAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.write("other/keep.txt", "keep")
	eng := env.open(writes(nil))
	_, err := eng.Plan(env.Ctx, []domain.TaskSpec{{ID: "T", Objective: "x", Scope: []string{"mine/"}}})
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	// a previous run dispatched T, its worker edited files, then the process died
	snap, err := env.WS.Snapshot(env.Ctx)
	require.NoError(t, err)
	st, err := manifest.Load(env.manifestPath())
	require.NoError(t, err)
	w, err := manifest.OpenWriter(env.manifestPath(), st.LastSeq)
	require.NoError(t, err)
	_, err = w.Append(manifest.Record{Kind: manifest.KindTransition, TaskID: "T", Status: domain.StatusDispatched, Attempt: 1, SnapshotID: snap, Objective: "x"})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	env.write("mine/work.txt", "work")
	env.write("other/keep.txt", "damaged")

	called := false
	eng = env.open(worker.RunnerFunc(func(ctx context.Context, inv worker.Invocation) (worker.Outcome, error) {
		called = true
		return worker.Outcome{}, nil
	}))
	_, err = eng.Resume(env.Ctx)
	require.NoError(t, err)
	assert.False(t, called, "recovered attempt is not re-dispatched")

	task, _ := eng.State().Task("T")
	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.Equal(t, 1, task.Attempt)
	got, _ := env.read("other/keep.txt")
	assert.Equal(t, "keep", got)
	got, _ = env.read("mine/work.txt")
	assert.Equal(t, "work", got)
}

func TestReconstructionMatchesLiveState(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	flaky := validation.Named("flaky", func(ctx context.Context, root string) (bool, string) {
		calls++
		return calls%2 == 0, "odd call"
	})
	eng := env.open(writes(map[string]string{"a/x": "1"}), flaky)
	_, err := eng.Plan(env.Ctx, []domain.TaskSpec{
		{ID: "a", Objective: "a", Scope: []string{"a/"}},
		{ID: "b", Objective: "b", Scope: []string{"b/"}},
	})
	require.NoError(t, err)
	_, err = eng.RunPhase(env.Ctx, 0)
	require.NoError(t, err)

	live := eng.State()
	replayed, err := manifest.Load(env.manifestPath())
	require.NoError(t, err)
	for _, id := range live.Order {
		l, _ := live.Task(id)
		r, _ := replayed.Task(id)
		assert.Equal(t, l.Status, r.Status, id)
		assert.Equal(t, l.Attempt, r.Attempt, id)
	}
	assert.Equal(t, live.Blockers(), replayed.Blockers())
}

func TestCancelDegradesToFailedAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.Cfg.Orchestrator.MaxAttempts = 1
	started := make(chan struct{})
	runner := worker.RunnerFunc(func(ctx context.Context, inv worker.Invocation) (worker.Outcome, error) {
		os.WriteFile(filepath.Join(inv.Workspace, "partial.txt"), []byte("half"), 0o644)
		close(started)
		<-ctx.Done()
		return worker.Outcome{ExitCode: -1, Canceled: true}, nil
	})
	check := validation.Named("complete", func(ctx context.Context, root string) (bool, string) { return false, "incomplete" })
	eng := env.open(runner, check)
	_, err := eng.Plan(env.Ctx, []domain.TaskSpec{{ID: "T", Objective: "x", Scope: []string{"."}}})
	require.NoError(t, err)

	assert.ErrorIs(t, eng.Cancel("T"), engine.ErrNotCancelable)
	assert.ErrorIs(t, eng.Cancel("missing"), engine.ErrUnknownTask)

	errCh := make(chan error, 1)
	go func() {
		_, err := eng.RunPhase(env.Ctx, 0)
		errCh <- err
	}()
	<-started
	require.NoError(t, eng.Cancel("T"))
	require.NoError(t, <-errCh)

	st := eng.State()
	task, _ := st.Task("T")
	assert.Equal(t, domain.StatusEscalated, task.Status)
	hist := st.Attempts("T")
	require.Len(t, hist, 1)
	assert.Equal(t, "canceled by operator", hist[0].Error)
	require.NotNil(t, hist[0].Validation)
	assert.False(t, hist[0].Validation.Passed)
}

func TestShutdownLeavesAttemptDispatched(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	runner := worker.RunnerFunc(func(ctx context.Context, inv worker.Invocation) (worker.Outcome, error) {
		close(started)
		<-ctx.Done()
		return worker.Outcome{ExitCode: -1, Canceled: true}, nil
	})
	eng := env.open(runner)
	_, err := eng.Plan(env.Ctx, []domain.TaskSpec{{ID: "T", Objective: "x", Scope: []string{"a/"}}})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := eng.RunPhase(ctx, 0)
		errCh <- err
	}()
	<-started
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	task, _ := eng.State().Task("T")
	assert.Equal(t, domain.StatusDispatched, task.Status)
}

func TestConcurrentTasksKeepTheirOwnWork(t *testing.T) {
	env := newTestEnv(t)
	env.write("stray.txt", "clean")
	var wg sync.WaitGroup
	wg.Add(2)
	runner := worker.RunnerFunc(func(ctx context.Context, inv worker.Invocation) (worker.Outcome, error) {
		dir := strings.ToLower(inv.TaskID)
		abs := filepath.Join(inv.Workspace, dir, "out.txt")
		os.MkdirAll(filepath.Dir(abs), 0o755)
		os.WriteFile(abs, []byte(inv.TaskID), 0o644)
		if inv.TaskID == "A" {
			os.WriteFile(filepath.Join(inv.Workspace, "stray.txt"), []byte("dirty"), 0o644)
		}
		wg.Done()
		wg.Wait()
		if inv.TaskID == "B" {
			// let A finish enforcement while B is still in flight
			time.Sleep(100 * time.Millisecond)
		}
		return worker.Outcome{}, nil
	})
	eng := env.open(runner)
	_, err := eng.Plan(env.Ctx, []domain.TaskSpec{
		{ID: "A", Objective: "a", Scope: []string{"a/"}},
		{ID: "B", Objective: "b", Scope: []string{"b/"}},
	})
	require.NoError(t, err)
	rep, err := eng.RunPhase(env.Ctx, 0)
	require.NoError(t, err)
	require.True(t, rep.Advanced)

	got, _ := env.read("a/out.txt")
	assert.Equal(t, "A", got)
	got, _ = env.read("b/out.txt")
	assert.Equal(t, "B", got)
	got, _ = env.read("stray.txt")
	assert.Equal(t, "clean", got)

	st := eng.State()
	a, _ := st.Task("A")
	b, _ := st.Task("B")
	assert.NotContains(t, a.LastDecision.Kept, "b/out.txt")
	assert.Contains(t, b.LastDecision.Kept, "b/out.txt")
	assert.NotContains(t, b.LastDecision.Reverted, "a/out.txt")
}

func TestForceEnforce(t *testing.T) {
	env := newTestEnv(t)
	eng := env.open(writes(map[string]string{"mine/x": "x"}))
	_, err := eng.Plan(env.Ctx, []domain.TaskSpec{{ID: "T", Objective: "x", Scope: []string{"mine/"}}})
	require.NoError(t, err)

	_, err = eng.ForceEnforce(env.Ctx, "T")
	assert.Error(t, err, "never dispatched")

	_, err = eng.RunPhase(env.Ctx, 0)
	require.NoError(t, err)
	env.write("junk.txt", "junk")

	d, err := eng.ForceEnforce(env.Ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, []string{"junk.txt"}, d.Reverted)
	_, ok := env.read("junk.txt")
	assert.False(t, ok)
	recs := env.records()
	assert.Equal(t, manifest.KindEnforced, recs[len(recs)-1].Kind)
	task, _ := eng.State().Task("T")
	assert.Equal(t, domain.StatusCompleted, task.Status)
}

func TestForceEnforceLeavesSiblingFilesToTheirOwner(t *testing.T) {
	env := newTestEnv(t)
	runner := worker.RunnerFunc(func(ctx context.Context, inv worker.Invocation) (worker.Outcome, error) {
		name := map[string]string{"T2": "a", "T3": "b"}[inv.TaskID]
		abs := filepath.Join(inv.Workspace, "s", name)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return worker.Outcome{}, err
		}
		return worker.Outcome{}, os.WriteFile(abs, []byte(inv.TaskID), 0o644)
	})
	eng := env.open(runner)
	_, err := eng.Plan(env.Ctx, []domain.TaskSpec{
		{ID: "T2", Objective: "a", Scope: []string{"s/"}},
		{ID: "T3", Objective: "b", Scope: []string{"s/"}},
	})
	require.NoError(t, err)
	rep, err := eng.RunPhase(env.Ctx, 0)
	require.NoError(t, err)
	require.True(t, rep.Advanced)

	d, err := eng.ForceEnforce(env.Ctx, "T2")
	require.NoError(t, err)
	assert.Contains(t, d.Kept, "s/a")
	assert.NotContains(t, d.Kept, "s/b")
	assert.Contains(t, d.Deferred, "s/b")
	assert.Empty(t, d.Reverted)
	got, ok := env.read("s/b")
	require.True(t, ok)
	assert.Equal(t, "T3", got)

	st := eng.State()
	t2, _ := st.Task("T2")
	t3, _ := st.Task("T3")
	require.NotNil(t, t2.LastDecision)
	require.NotNil(t, t3.LastDecision)
	for _, p := range t3.LastDecision.Kept {
		if !strings.HasSuffix(p, "/") {
			assert.NotContains(t, t2.LastDecision.Kept, p, "kept files of completed tasks in a phase are disjoint")
		}
	}
}

func TestWorkerWritesIntoStateDirAreRemoved(t *testing.T) {
	env := newTestEnv(t)
	eng := env.open(writes(map[string]string{
		"mine/ok.txt":                       "ok",
		".scopeline/planted.txt":            "planted",
		".scopeline/logs/extra.log":         "noise",
		".scopeline/reports/T/attempt-1.md": "my report",
		".scopeline/reports/T/notes.txt":    "stray",
		".scopeline/reports/ghost/x.md":     "stray",
	}))
	_, err := eng.Plan(env.Ctx, []domain.TaskSpec{{ID: "T", Objective: "x", Scope: []string{"mine/"}}})
	require.NoError(t, err)

	rep, err := eng.RunPhase(env.Ctx, 0)
	require.NoError(t, err)
	require.True(t, rep.Advanced)

	for _, rel := range []string{".scopeline/planted.txt", ".scopeline/logs/extra.log", ".scopeline/reports/T/notes.txt", ".scopeline/reports/ghost"} {
		_, err := os.Stat(filepath.Join(env.Root, filepath.FromSlash(rel)))
		assert.True(t, os.IsNotExist(err), "%s survived enforcement", rel)
	}
	got, ok := env.read(".scopeline/reports/T/attempt-1.md")
	require.True(t, ok)
	assert.Equal(t, "my report", got)
	got, _ = env.read("mine/ok.txt")
	assert.Equal(t, "ok", got)

	task, _ := eng.State().Task("T")
	require.NotNil(t, task.LastDecision)
	assert.Contains(t, task.LastDecision.Reverted, ".scopeline/planted.txt")
	assert.NotContains(t, task.LastDecision.Kept, ".scopeline/planted.txt")

	_, err = os.Stat(env.manifestPath())
	assert.NoError(t, err, "orchestrator files are kept")
	_, err = os.Stat(filepath.Join(env.State, "snapshots.db"))
	assert.NoError(t, err)
}

func TestWorkerTamperingWithManifestStopsTheRun(t *testing.T) {
	env := newTestEnv(t)
	runner := worker.RunnerFunc(func(ctx context.Context, inv worker.Invocation) (worker.Outcome, error) {
		f, err := os.OpenFile(filepath.Join(inv.Workspace, ".scopeline", "manifest.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return worker.Outcome{}, err
		}
		defer f.Close()
		_, err = f.WriteString(`{"seq":99,"kind":"task.transition","task_id":"T","status":"completed"}` + "\n")
		return worker.Outcome{}, err
	})
	eng := env.open(runner)
	_, err := eng.Plan(env.Ctx, []domain.TaskSpec{{ID: "T", Objective: "x", Scope: []string{"mine/"}}})
	require.NoError(t, err)

	_, err = eng.RunPhase(env.Ctx, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, manifest.ErrCorrupt), err.Error())
	task, _ := eng.State().Task("T")
	assert.Equal(t, domain.StatusDispatched, task.Status, "nothing is appended after the forged line")
}

func TestPlanValidation(t *testing.T) {
	env := newTestEnv(t)
	eng := env.open(writes(nil))
	cases := map[string][]domain.TaskSpec{
		"cycle": {
			{ID: "a", Objective: "a", Scope: []string{"a/"}, DependsOn: []string{"b"}},
			{ID: "b", Objective: "b", Scope: []string{"b/"}, DependsOn: []string{"a"}},
		},
		"unknown dependency": {{ID: "a", Objective: "a", Scope: []string{"a/"}, DependsOn: []string{"ghost"}}},
		"later phase dependency": {
			{ID: "a", Objective: "a", Scope: []string{"a/"}, Phase: 0, DependsOn: []string{"b"}},
			{ID: "b", Objective: "b", Scope: []string{"b/"}, Phase: 1},
		},
		"duplicate id":   {{ID: "a", Objective: "a", Scope: []string{"a/"}}, {ID: "a", Objective: "b", Scope: []string{"b/"}}},
		"missing scope":  {{ID: "a", Objective: "a"}},
		"escaping scope": {{ID: "a", Objective: "a", Scope: []string{"../etc"}}},
		"bad id":         {{ID: "a b", Objective: "a", Scope: []string{"a/"}}},
		"no objective":   {{ID: "a", Scope: []string{"a/"}}},
	}
	for name, specs := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := eng.Plan(env.Ctx, specs)
			require.Error(t, err)
			assert.True(t, errors.Is(err, engine.ErrInvalidPlan), err.Error())
		})
	}
	assert.Empty(t, env.records(), "rejected plans write nothing")
}

func TestPlanOrdersDependenciesAndGeneratesIDs(t *testing.T) {
	env := newTestEnv(t)
	eng := env.open(writes(nil))
	tasks, err := eng.Plan(env.Ctx, []domain.TaskSpec{
		{ID: "late", Objective: "late", Scope: []string{"l/"}, DependsOn: []string{"early"}},
		{ID: "early", Objective: "early", Scope: []string{"e/"}},
		{Objective: "anonymous", Scope: []string{"n/"}},
	})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "early", tasks[0].ID)
	assert.Equal(t, "late", tasks[1].ID)
	assert.True(t, strings.HasPrefix(tasks[2].ID, "t-"))
	assert.Equal(t, 3, tasks[2].MaxAttempts)

	other := newTestEnv(t)
	again, err := other.open(writes(nil)).Plan(other.Ctx, []domain.TaskSpec{{Objective: "anonymous", Scope: []string{"n/"}}})
	require.NoError(t, err)
	assert.Equal(t, tasks[2].ID, again[0].ID, "generated ids are deterministic")
}
