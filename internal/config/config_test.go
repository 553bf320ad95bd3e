package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scopeline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultStateDir, cfg.Workspace.StateDir)
	assert.Equal(t, 3, cfg.Orchestrator.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Worker.Timeout)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.True(t, cfg.Log.File)
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	ws := t.TempDir()
	cfg, err := LoadOptional(ws)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = Load(ws)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestFromYAMLKeepsUnsetDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
orchestrator:
  max_parallel: 2
validation:
  checks:
    - name: unit
      run: go test ./...
      timeout: 90s
    - name: data
      kind: parse
      paths: [assets/]
`))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Orchestrator.MaxParallel)
	assert.Equal(t, 3, cfg.Orchestrator.MaxAttempts)
	require.Len(t, cfg.Validation.Checks, 2)
	assert.Equal(t, 90*time.Second, cfg.Validation.Checks[0].Timeout)
	assert.Equal(t, []string{"assets/"}, cfg.Validation.Checks[1].Paths)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"attempts":  "orchestrator:\n  max_attempts: 0\n",
		"parallel":  "orchestrator:\n  max_parallel: -1\n",
		"state dir": "workspace:\n  state_dir: ''\n",
		"format":    "log:\n  format: xml\n",
		"hook url":  "webhooks:\n  - events: [task.escalated]\n",
		"dup check": "validation:\n  checks:\n    - {name: a, run: 'true'}\n    - {name: a, run: 'false'}\n",
		"no run":    "validation:\n  checks:\n    - {name: a}\n",
		"kind":      "validation:\n  checks:\n    - {name: a, kind: lint, run: x}\n",
		"no paths":  "validation:\n  checks:\n    - {name: a, kind: parse}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestValidateCheck(t *testing.T) {
	assert.NoError(t, ValidateCheck(domain.CheckSpec{Name: "x", Run: "true"}))
	assert.Error(t, ValidateCheck(domain.CheckSpec{Run: "true"}))
	assert.Error(t, ValidateCheck(domain.CheckSpec{Name: "x", Run: "true", Timeout: -time.Second}))
}

func TestPlanFromYAML(t *testing.T) {
	p, err := PlanFromYAML([]byte(`
tasks:
  - id: T1
    objective: write the map loader
    scope: [src/map/]
    phase: 0
  - id: T2
    objective: tests
    scope: [tests/]
    phase: 1
    depends_on: [T1]
    max_attempts: 5
`))
	require.NoError(t, err)
	require.Len(t, p.Tasks, 2)
	assert.Equal(t, []string{"T1"}, p.Tasks[1].DependsOn)
	assert.Equal(t, 5, p.Tasks[1].MaxAttempts)

	_, err = PlanFromYAML([]byte("tasks: []\n"))
	assert.Error(t, err)
	_, err = PlanFromYAML([]byte("tasks:\n  - id: T1\n    scop: [x/]\n"))
	assert.Error(t, err, "unknown fields are rejected")
}

func TestPathsAndState(t *testing.T) {
	assert.Equal(t, FileName, Path(""))
	ws := t.TempDir()
	cfg := Default()
	assert.Equal(t, filepath.Join(ws, DefaultStateDir), cfg.StatePath(ws))
	cfg.Workspace.StateDir = "/var/lib/sl"
	assert.Equal(t, "/var/lib/sl", cfg.StatePath(ws))

	require.NoError(t, os.WriteFile(Path(ws), []byte(GenerateDefault()), 0o644))
	loaded, err := FromFile(Path(ws))
	require.NoError(t, err)
	assert.Equal(t, Default(), loaded)
}
