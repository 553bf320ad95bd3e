package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessPassesInvocation(t *testing.T) {
	ws := t.TempDir()
	state := filepath.Join(ws, ".scopeline")
	p := &Process{
		Command: `cat > "$SCOPELINE_WORKSPACE/objective.txt"
printf "%s|%s|%s" "$SCOPELINE_TASK_ID" "$SCOPELINE_ATTEMPT" "$SCOPELINE_SCOPE" > "$SCOPELINE_REPORT_PATH"
exit 4`,
		StateDir: state,
	}
	out, err := p.Run(context.Background(), Invocation{
		TaskID:    "T1",
		Attempt:   2,
		Objective: "build the thing",
		Scope:     []string{"src/a/", "src/b/"},
		Workspace: ws,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, out.ExitCode)
	assert.Equal(t, "T1|2|src/a/\nsrc/b/", out.Report)

	obj, err := os.ReadFile(filepath.Join(ws, "objective.txt"))
	require.NoError(t, err)
	assert.Equal(t, "build the thing", string(obj))
	_, err = os.Stat(ReportPath(state, "T1", 2))
	assert.NoError(t, err)
}

func TestProcessFallsBackToStdout(t *testing.T) {
	ws := t.TempDir()
	p := &Process{Command: "echo done", StateDir: filepath.Join(ws, ".scopeline")}
	out, err := p.Run(context.Background(), Invocation{TaskID: "T", Attempt: 1, Workspace: ws})
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "done\n", out.Report)
}

func TestProcessTimeout(t *testing.T) {
	ws := t.TempDir()
	p := &Process{Command: "touch partial.txt; sleep 30", StateDir: filepath.Join(ws, ".scopeline")}
	out, err := p.Run(context.Background(), Invocation{TaskID: "T", Attempt: 1, Workspace: ws, Timeout: 300 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, out.TimedOut)
	_, err = os.Stat(filepath.Join(ws, "partial.txt"))
	assert.NoError(t, err, "partial edits stay for the enforcer")
}

func TestProcessTruncatesReport(t *testing.T) {
	ws := t.TempDir()
	p := &Process{Command: `printf 0123456789 > "$SCOPELINE_REPORT_PATH"`, StateDir: filepath.Join(ws, ".scopeline"), ReportMaxBytes: 4}
	out, err := p.Run(context.Background(), Invocation{TaskID: "T", Attempt: 1, Workspace: ws})
	require.NoError(t, err)
	assert.Equal(t, "0123\n[report truncated]", out.Report)
}

func TestProcessRequiresCommand(t *testing.T) {
	_, err := (&Process{}).Run(context.Background(), Invocation{TaskID: "T", Attempt: 1})
	assert.Error(t, err)
}
