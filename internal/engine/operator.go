package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"scopeline/internal/domain"
	"scopeline/internal/manifest"
	"scopeline/internal/scope"
)

// Cancel kills the worker of a dispatched task. The attempt then goes
// through enforcement and validation like any other failed attempt.
func (e *Engine) Cancel(taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.state.Tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	ctl, running := e.running[taskID]
	if !running || t.Status != domain.StatusDispatched {
		return fmt.Errorf("%w: %s is %s", ErrNotCancelable, taskID, t.Status)
	}
	ctl.operator = true
	ctl.cancel()
	e.log.Info("cancel requested", zap.String("task_id", taskID), zap.Int("attempt", t.Attempt))
	return nil
}

// AcceptBlocker marks an escalated task accepted-with-blocker, which lets
// its phase advance and its dependents run.
func (e *Engine) AcceptBlocker(ctx context.Context, taskID, actor, note string) (domain.Blocker, error) {
	if err := ctx.Err(); err != nil {
		return domain.Blocker{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.state.Task(taskID)
	if !ok {
		return domain.Blocker{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if t.Status != domain.StatusEscalated || t.Accepted {
		return domain.Blocker{}, fmt.Errorf("%w: %s is %s", ErrNotEscalated, taskID, t.Status)
	}
	if strings.TrimSpace(actor) == "" {
		actor = "operator"
	}
	if _, err := e.appendLocked(manifest.Record{
		Kind:    manifest.KindAccepted,
		TaskID:  t.ID,
		Phase:   t.Phase,
		Attempt: t.Attempt,
		Actor:   actor,
		Note:    note,
	}); err != nil {
		return domain.Blocker{}, err
	}
	e.log.Info("blocker accepted", zap.String("task_id", taskID), zap.String("actor", actor))
	for _, b := range e.state.Blockers() {
		if b.TaskID == taskID {
			return b, nil
		}
	}
	return domain.Blocker{TaskID: taskID, Phase: t.Phase, Attempts: t.Attempt, Accepted: true, Note: note}, nil
}

// ForceEnforce runs a manual enforcement pass for a task against its last
// baseline. Only paths outside every planned task's scope are reverted, and
// files other tasks kept since that baseline are deferred to them rather
// than claimed. The task's status does not change.
func (e *Engine) ForceEnforce(ctx context.Context, taskID string) (domain.ScopeDecision, error) {
	e.enforceMu.Lock()
	defer e.enforceMu.Unlock()

	e.mu.Lock()
	t, ok := e.state.Task(taskID)
	if !ok {
		e.mu.Unlock()
		return domain.ScopeDecision{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if _, running := e.running[taskID]; running {
		e.mu.Unlock()
		return domain.ScopeDecision{}, fmt.Errorf("%s has a running worker", taskID)
	}
	req := scope.Request{TaskID: t.ID, Attempt: t.Attempt, SnapshotID: t.SnapshotID, Scope: t.Scope}
	own := map[string]bool{}
	if t.LastDecision != nil {
		for _, p := range t.LastDecision.Kept {
			own[p] = true
		}
	}
	for _, id := range e.state.Order {
		if id == t.ID {
			continue
		}
		o := e.state.Tasks[id]
		req.Foreign = append(req.Foreign, o.Scope...)
		if o.LastDecision == nil {
			continue
		}
		for _, p := range o.LastDecision.Kept {
			if !own[p] {
				req.Settled = append(req.Settled, p)
			}
		}
	}
	e.mu.Unlock()

	if t.SnapshotID == "" {
		return domain.ScopeDecision{}, fmt.Errorf("%s has never been dispatched", taskID)
	}
	d, _, err := e.enforce(ctx, req)
	if err != nil {
		return d, err
	}
	if _, err := e.append(manifest.Record{
		Kind:          manifest.KindEnforced,
		TaskID:        t.ID,
		Phase:         t.Phase,
		Attempt:       t.Attempt,
		ScopeDecision: &d,
		Actor:         "operator",
	}); err != nil {
		return d, err
	}
	return d, nil
}
