package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scopeline/internal/app"
	"scopeline/internal/config"
	"scopeline/internal/domain"
	"scopeline/internal/manifest"
)

func stateOf(tasks ...domain.Task) *manifest.State {
	st := manifest.NewState()
	for i := range tasks {
		t := tasks[i]
		st.Tasks[t.ID] = &t
		st.Order = append(st.Order, t.ID)
	}
	return st
}

func TestOutcomeCode(t *testing.T) {
	red := &domain.ValidationResult{Passed: false}
	green := &domain.ValidationResult{Passed: true}

	code, ids := outcomeCode(stateOf(
		domain.Task{ID: "A", Status: domain.StatusCompleted, LastValidation: green},
		domain.Task{ID: "B", Status: domain.StatusEscalated, Accepted: true, LastValidation: red},
	))
	assert.Equal(t, exitOK, code)
	assert.Empty(t, ids)

	code, ids = outcomeCode(stateOf(
		domain.Task{ID: "A", Status: domain.StatusPending, LastValidation: red},
		domain.Task{ID: "B", Status: domain.StatusPending},
	))
	assert.Equal(t, exitFailed, code)
	assert.Equal(t, []string{"A"}, ids)

	code, ids = outcomeCode(stateOf(
		domain.Task{ID: "A", Status: domain.StatusPending, LastValidation: red},
		domain.Task{ID: "B", Status: domain.StatusEscalated, LastValidation: red},
	))
	assert.Equal(t, exitBlocked, code)
	assert.Equal(t, []string{"B"}, ids)

	code, _ = outcomeCode(manifest.NewState())
	assert.Equal(t, exitOK, code)
}

func TestOutcomeError(t *testing.T) {
	assert.NoError(t, outcome(manifest.NewState()))

	err := outcome(stateOf(domain.Task{ID: "T9", Status: domain.StatusEscalated}))
	require.Error(t, err)
	assert.Equal(t, exitBlocked, exitCode(err))
	assert.Contains(t, err.Error(), "T9")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
	assert.Equal(t, 2, exitCode(fmt.Errorf("wrapped: %w", &exitError{code: exitBlocked})))
	assert.Equal(t, 3, exitCode(fmt.Errorf("load: %w", manifest.ErrCorrupt)))
}

func TestInterrupted(t *testing.T) {
	err := interrupted(context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "sl resume")

	other := errors.New("x")
	assert.Same(t, other, interrupted(other))
}

func TestUnreadableManifestExitsThree(t *testing.T) {
	ws := t.TempDir()
	cfg := config.Default()
	require.NoError(t, os.MkdirAll(app.ManifestPath(cfg.StatePath(ws)), 0o755))

	_, err := app.LoadState(ws, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, manifest.ErrUnreadable)
	assert.Equal(t, exitUnreadable, exitCode(err))
}
