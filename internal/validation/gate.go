package validation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"scopeline/internal/domain"
)

// Gate runs an ordered list of checks against the workspace. The verdict is
// the AND of every check; all checks run so the diagnostics are complete.
type Gate struct {
	Root   string
	Checks []Check
	Logger *zap.Logger
}

// Validate runs the gate's checks followed by extra, in order.
func (g *Gate) Validate(ctx context.Context, taskID string, attempt int, extra ...Check) domain.ValidationResult {
	log := g.logger().With(zap.String("task_id", taskID), zap.Int("attempt", attempt))
	res := domain.ValidationResult{TaskID: taskID, Attempt: attempt, Passed: true, Checks: []domain.CheckResult{}}
	all := make([]Check, 0, len(g.Checks)+len(extra))
	all = append(all, g.Checks...)
	all = append(all, extra...)
	var diag strings.Builder
	for _, c := range all {
		r := c.Run(ctx, g.Root)
		r.Name = c.Name()
		res.Checks = append(res.Checks, r)
		res.Passed = res.Passed && r.Passed
		writeDiagnostics(&diag, r)
		log.Debug("check finished", zap.String("check", r.Name), zap.Bool("passed", r.Passed), zap.Int("exit_code", r.ExitCode))
	}
	res.Diagnostics = diag.String()
	if res.Passed {
		log.Info("validation passed", zap.Int("checks", len(all)))
	} else {
		log.Info("validation failed", zap.Strings("failed", failedNames(res.Checks)))
	}
	return res
}

func writeDiagnostics(b *strings.Builder, r domain.CheckResult) {
	verdict := "FAIL"
	if r.Passed {
		verdict = "PASS"
	}
	fmt.Fprintf(b, "== %s: %s (exit %d)\n", r.Name, verdict, r.ExitCode)
	if out := strings.TrimRight(r.Output, "\n"); out != "" {
		b.WriteString(out)
		b.WriteString("\n")
	}
}

func failedNames(results []domain.CheckResult) []string {
	var names []string
	for _, r := range results {
		if !r.Passed {
			names = append(names, r.Name)
		}
	}
	return names
}

func (g *Gate) logger() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}
