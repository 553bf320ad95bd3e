package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"scopeline/internal/config"
	"scopeline/internal/domain"
	"scopeline/internal/worker"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Log.File = false
	return cfg
}

func openTest(t *testing.T, dir string, runner worker.Runner) *App {
	t.Helper()
	a, err := Open(context.Background(), Options{Workspace: dir, Config: testConfig(), Logger: zap.NewNop(), Runner: runner})
	require.NoError(t, err)
	return a
}

func TestOpenIsExclusive(t *testing.T) {
	dir := t.TempDir()
	a := openTest(t, dir, nil)

	_, err := Open(context.Background(), Options{Workspace: dir, Config: testConfig(), Logger: zap.NewNop()})
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, a.Close())
	b := openTest(t, dir, nil)
	require.NoError(t, b.Close())
}

func TestOpenIgnoresStateDir(t *testing.T) {
	dir := t.TempDir()
	a := openTest(t, dir, nil)
	defer a.Close()
	assert.True(t, a.Tree.Ignored(".scopeline/manifest.jsonl"))
	assert.True(t, a.Tree.Ignored(".git/HEAD"))
	assert.False(t, a.Tree.Ignored("src/main.go"))
}

func TestArchive(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	runner := worker.RunnerFunc(func(ctx context.Context, inv worker.Invocation) (worker.Outcome, error) {
		return worker.Outcome{}, os.WriteFile(filepath.Join(inv.Workspace, "out.txt"), []byte("ok"), 0o644)
	})
	a := openTest(t, dir, runner)

	_, err := a.Archive(ctx)
	assert.Error(t, err, "empty manifest")

	_, err = a.Engine.Plan(ctx, []domain.TaskSpec{{ID: "T", Objective: "write", Scope: []string{"out.txt"}}})
	require.NoError(t, err)
	_, err = a.Archive(ctx)
	require.ErrorIs(t, err, ErrNotDone)

	_, err = a.Engine.Resume(ctx)
	require.NoError(t, err)
	dest, err := a.Archive(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	assert.FileExists(t, dest)
	assert.NoFileExists(t, ManifestPath(filepath.Join(dir, ".scopeline")))

	b := openTest(t, dir, runner)
	defer b.Close()
	assert.Empty(t, b.Engine.State().Order)
}

func TestLoadStateReadsWithoutLock(t *testing.T) {
	dir := t.TempDir()
	a := openTest(t, dir, nil)
	defer a.Close()
	_, err := a.Engine.Plan(context.Background(), []domain.TaskSpec{{ID: "T", Objective: "x", Scope: []string{"x/"}}})
	require.NoError(t, err)

	st, err := LoadState(dir, testConfig())
	require.NoError(t, err)
	task, ok := st.Task("T")
	require.True(t, ok)
	assert.Equal(t, domain.StatusPending, task.Status)
}
