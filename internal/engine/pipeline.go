package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"scopeline/internal/domain"
	"scopeline/internal/manifest"
	"scopeline/internal/scope"
	"scopeline/internal/validation"
	"scopeline/internal/worker"
)

// errInterrupted marks an attempt stopped by shutdown. The task keeps its
// in-flight status so resume can finish it.
var errInterrupted = errors.New("attempt interrupted by shutdown")

// RunPhase dispatches the phase until nothing is in flight and nothing more
// is ready. Earlier phases must be advanced.
func (e *Engine) RunPhase(ctx context.Context, phase int) (PhaseReport, error) {
	if !e.runMu.TryLock() {
		return PhaseReport{}, ErrBusy
	}
	defer e.runMu.Unlock()
	return e.runPhase(ctx, phase)
}

// Resume finishes in-flight attempts and runs every phase that is not yet
// advanced, in order, stopping at the first phase that stays blocked.
func (e *Engine) Resume(ctx context.Context) ([]PhaseReport, error) {
	if !e.runMu.TryLock() {
		return nil, ErrBusy
	}
	defer e.runMu.Unlock()
	var reports []PhaseReport
	for _, p := range e.State().Phases() {
		if e.phaseAdvanced(p) {
			continue
		}
		rep, err := e.runPhase(ctx, p)
		reports = append(reports, rep)
		if err != nil {
			return reports, err
		}
		if !rep.Advanced {
			e.log.Warn("phase blocked", zap.Int("phase", p), zap.Strings("escalated", rep.Escalated))
			break
		}
	}
	return reports, nil
}

func (e *Engine) phaseAdvanced(phase int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.PhaseAdvanced(phase)
}

func (e *Engine) checkBarrier(phase int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	phases := e.state.Phases()
	known := false
	for _, p := range phases {
		known = known || p == phase
	}
	if !known {
		return fmt.Errorf("%w: %d", ErrUnknownPhase, phase)
	}
	for _, p := range phases {
		if p < phase && !e.state.PhaseAdvanced(p) {
			return fmt.Errorf("%w: phase %d is not advanced", ErrPhaseBlocked, p)
		}
	}
	return nil
}

func (e *Engine) runPhase(ctx context.Context, phase int) (PhaseReport, error) {
	if err := e.checkBarrier(phase); err != nil {
		return PhaseReport{Phase: phase}, err
	}
	log := e.log.With(zap.Int("phase", phase))
	if err := e.settleFailed(phase); err != nil {
		return PhaseReport{Phase: phase}, err
	}

	done := make(chan error)
	inflight := 0
	for _, t := range e.phaseTasks(phase) {
		if t.Status.InFlight() {
			log.Info("recovering in-flight attempt", zap.String("task_id", t.ID), zap.String("status", string(t.Status)))
			inflight++
			go func(t domain.Task) { done <- e.recoverAttempt(ctx, t) }(t)
		}
	}

	var firstErr error
	for {
		if ctx.Err() == nil && firstErr == nil {
			started, err := e.dispatchReady(ctx, phase, done)
			inflight += started
			if err != nil {
				firstErr = err
			}
		}
		if inflight == 0 {
			break
		}
		err := <-done
		inflight--
		if err != nil && !errors.Is(err, errInterrupted) && firstErr == nil {
			log.Error("attempt failed", zap.Error(err))
			firstErr = err
		}
	}

	rep := e.report(phase)
	if firstErr != nil {
		return rep, firstErr
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	log.Info("phase run finished",
		zap.Bool("advanced", rep.Advanced),
		zap.Int("completed", len(rep.Completed)),
		zap.Int("escalated", len(rep.Escalated)),
		zap.Int("pending", len(rep.Pending)))
	return rep, nil
}

func (e *Engine) phaseTasks(phase int) []domain.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.PhaseTasks(phase)
}

func (e *Engine) report(phase int) PhaseReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	rep := PhaseReport{
		Phase:     phase,
		Advanced:  e.state.PhaseAdvanced(phase),
		Completed: []string{},
		Escalated: []string{},
		Pending:   []string{},
	}
	for _, t := range e.state.PhaseTasks(phase) {
		switch t.Status {
		case domain.StatusCompleted:
			rep.Completed = append(rep.Completed, t.ID)
		case domain.StatusEscalated:
			rep.Escalated = append(rep.Escalated, t.ID)
		default:
			rep.Pending = append(rep.Pending, t.ID)
		}
	}
	rep.Skipped = Ready(e.state.List(), phase, e.cfg.Orchestrator.MaxParallel).Skipped
	return rep
}

// dispatchReady launches every ready task and returns how many started.
func (e *Engine) dispatchReady(ctx context.Context, phase int, done chan<- error) (int, error) {
	sel := e.Ready(phase)
	for _, s := range sel.Skipped {
		e.log.Debug("task not dispatched", zap.String("task_id", s.TaskID), zap.String("reason", string(s.Reason)), zap.String("detail", s.Detail))
	}
	started := 0
	for _, t := range sel.Ready {
		dispatched, err := e.begin(ctx, t)
		if err != nil {
			return started, err
		}
		started++
		go func(t domain.Task) { done <- e.runAttempt(ctx, t) }(dispatched)
	}
	return started, nil
}

// begin takes the reconciliation baseline and records the dispatch.
func (e *Engine) begin(ctx context.Context, t domain.Task) (domain.Task, error) {
	// snapshots must not interleave with another task's reverts
	e.enforceMu.Lock()
	defer e.enforceMu.Unlock()
	snap, err := e.ws.Snapshot(ctx)
	if err != nil {
		return t, fmt.Errorf("snapshot before %s: %w", t.ID, err)
	}
	rec := transition(t, domain.StatusDispatched)
	rec.Attempt = t.Attempt + 1
	rec.SnapshotID = snap
	rec.Objective = t.Objective
	if _, err := e.append(rec); err != nil {
		return t, err
	}
	return e.task(t.ID)
}

func (e *Engine) timeoutFor(t domain.Task) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return e.cfg.Worker.Timeout
}

func (e *Engine) runAttempt(ctx context.Context, t domain.Task) error {
	log := e.log.With(zap.String("task_id", t.ID), zap.Int("attempt", t.Attempt))
	workerCtx, cancel := context.WithCancel(ctx)
	ctl := &attemptCtl{cancel: cancel}
	e.mu.Lock()
	e.running[t.ID] = ctl
	e.mu.Unlock()

	out, runErr := e.runner.Run(workerCtx, worker.Invocation{
		TaskID:    t.ID,
		Attempt:   t.Attempt,
		Objective: t.Objective,
		Scope:     t.Scope,
		Workspace: e.root,
		Timeout:   e.timeoutFor(t),
	})

	e.mu.Lock()
	delete(e.running, t.ID)
	operator := ctl.operator
	e.mu.Unlock()
	cancel()
	e.metrics.WorkerDone(out.Duration)

	if ctx.Err() != nil {
		log.Warn("shutdown interrupted the worker; the attempt resumes on the next run")
		return errInterrupted
	}
	rec := transition(t, domain.StatusEnforcing)
	rec.Report = out.Report
	switch {
	case runErr != nil:
		rec.Error = "worker error: " + runErr.Error()
	case operator:
		rec.Error = "canceled by operator"
	case out.TimedOut:
		rec.Error = fmt.Sprintf("worker timed out after %s", e.timeoutFor(t))
	}
	if runErr == nil {
		code := out.ExitCode
		rec.ExitCode = &code
	}
	if rec.Error != "" {
		log.Warn("worker did not finish cleanly", zap.String("reason", rec.Error))
	}
	if _, err := e.append(rec); err != nil {
		return err
	}
	return e.finishAttempt(ctx, t.ID)
}

// recoverAttempt continues an attempt left in flight by a previous run.
func (e *Engine) recoverAttempt(ctx context.Context, t domain.Task) error {
	switch t.Status {
	case domain.StatusDispatched:
		rec := transition(t, domain.StatusEnforcing)
		rec.Error = "orchestrator restarted before the worker result was recorded"
		if _, err := e.append(rec); err != nil {
			return err
		}
		return e.finishAttempt(ctx, t.ID)
	case domain.StatusEnforcing:
		return e.finishAttempt(ctx, t.ID)
	case domain.StatusValidating:
		return e.validateAttempt(ctx, t.ID)
	default:
		return nil
	}
}

func (e *Engine) finishAttempt(ctx context.Context, id string) error {
	if err := e.enforceAttempt(ctx, id); err != nil {
		if ctx.Err() != nil {
			return errInterrupted
		}
		return e.fail(id, err)
	}
	return e.validateAttempt(ctx, id)
}

func (e *Engine) enforceAttempt(ctx context.Context, id string) error {
	e.enforceMu.Lock()
	defer e.enforceMu.Unlock()

	e.mu.Lock()
	t, ok := e.state.Task(id)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	req := e.requestLocked(t)
	e.mu.Unlock()

	d, settled, err := e.enforce(ctx, req)
	if err != nil {
		return err
	}
	rec := transition(t, domain.StatusValidating)
	rec.ScopeDecision = &d
	if _, err := e.append(rec); err != nil {
		return err
	}
	return e.rebaseOthers(ctx, id, settled)
}

// enforce reconciles the workspace for req and clears worker writes out of
// the state directory; those are reported as reverted. settled holds the
// workspace paths the pass kept or reverted.
func (e *Engine) enforce(ctx context.Context, req scope.Request) (d domain.ScopeDecision, settled []string, err error) {
	d, err = e.enforcer.Enforce(ctx, req)
	if err != nil {
		return d, nil, err
	}
	settled = append(append([]string(nil), d.Kept...), d.Reverted...)
	swept, err := e.sweepStateDir()
	if err != nil {
		return d, nil, fmt.Errorf("enforce %s: state directory: %w", req.TaskID, err)
	}
	if len(swept) > 0 {
		d.Reverted = append(d.Reverted, swept...)
		sort.Strings(d.Reverted)
	}
	e.metrics.ScopeFiles(len(d.Kept), len(d.Reverted), len(d.Deferred))
	return d, settled, nil
}

// requestLocked builds the enforcement request for t from current state.
func (e *Engine) requestLocked(t domain.Task) scope.Request {
	req := scope.Request{
		TaskID:     t.ID,
		Attempt:    t.Attempt,
		SnapshotID: t.SnapshotID,
		Scope:      t.Scope,
	}
	for _, id := range e.state.Order {
		o := e.state.Tasks[id]
		if o.ID == t.ID {
			continue
		}
		if o.Status.InFlight() {
			req.Foreign = append(req.Foreign, o.Scope...)
		}
		if o.Status == domain.StatusCompleted && o.Phase == t.Phase && o.LastDecision != nil {
			for _, p := range o.LastDecision.Kept {
				if !strings.HasSuffix(p, "/") {
					req.Protected = append(req.Protected, p)
				}
			}
		}
	}
	return req
}

// rebaseOthers moves the baselines of tasks still waiting for enforcement
// past the paths an enforcement pass just settled.
func (e *Engine) rebaseOthers(ctx context.Context, id string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	e.mu.Lock()
	var waiting []domain.Task
	for _, tid := range e.state.Order {
		o := e.state.Tasks[tid]
		if o.ID != id && (o.Status == domain.StatusDispatched || o.Status == domain.StatusEnforcing) {
			waiting = append(waiting, *o)
		}
	}
	e.mu.Unlock()
	for _, o := range waiting {
		snap, err := e.ws.Rebase(ctx, o.SnapshotID, paths)
		if err != nil {
			return fmt.Errorf("rebase %s: %w", o.ID, err)
		}
		rec := manifest.Record{
			Kind:       manifest.KindRebased,
			TaskID:     o.ID,
			Phase:      o.Phase,
			Attempt:    o.Attempt,
			SnapshotID: snap,
			Note:       "after " + id,
		}
		if _, err := e.append(rec); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) validateAttempt(ctx context.Context, id string) error {
	e.validateMu.Lock()
	defer e.validateMu.Unlock()

	t, err := e.task(id)
	if err != nil {
		return err
	}
	extra, err := validation.FromSpecs(t.Checks, e.ignore, e.cfg.Worker.ReportMaxBytes)
	if err != nil {
		return e.fail(id, err)
	}
	res := e.gate.Validate(ctx, t.ID, t.Attempt, extra...)
	if ctx.Err() != nil {
		return errInterrupted
	}
	e.metrics.Validation(res.Passed)

	var rec manifest.Record
	switch {
	case res.Passed:
		rec = transition(t, domain.StatusCompleted)
	case t.Attempt < t.MaxAttempts:
		rec = transition(t, domain.StatusPending)
		rec.Objective = withFeedback(t.Objective, t.Attempt, "failed validation", res.Diagnostics)
	default:
		rec = transition(t, domain.StatusEscalated)
		e.log.Warn("task escalated after exhausting attempts", zap.String("task_id", t.ID), zap.Int("attempts", t.Attempt))
	}
	rec.ValidationResult = &res
	_, err = e.append(rec)
	return err
}

// fail records an attempt that could not be carried through and settles it.
func (e *Engine) fail(id string, cause error) error {
	t, err := e.task(id)
	if err != nil {
		return err
	}
	e.log.Error("attempt failed", zap.String("task_id", id), zap.Int("attempt", t.Attempt), zap.Error(cause))
	rec := transition(t, domain.StatusFailed)
	rec.Error = cause.Error()
	if _, err := e.append(rec); err != nil {
		return err
	}
	return e.settle(id)
}

// settle moves a failed task back to pending or, when out of attempts, to escalated.
func (e *Engine) settle(id string) error {
	t, err := e.task(id)
	if err != nil {
		return err
	}
	if t.Status != domain.StatusFailed {
		return nil
	}
	cause := ""
	if h := e.State().Attempts(id); len(h) > 0 {
		cause = h[len(h)-1].Error
	}
	var rec manifest.Record
	if t.Attempt < t.MaxAttempts {
		rec = transition(t, domain.StatusPending)
		rec.Objective = withFeedback(t.Objective, t.Attempt, "failed", cause)
	} else {
		rec = transition(t, domain.StatusEscalated)
	}
	_, err = e.append(rec)
	return err
}

func (e *Engine) settleFailed(phase int) error {
	for _, t := range e.phaseTasks(phase) {
		if t.Status == domain.StatusFailed {
			if err := e.settle(t.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// withFeedback appends failure diagnostics to an objective. It is the only
// state a retry carries over from the previous attempt.
func withFeedback(objective string, attempt int, what, detail string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(objective, "\n"))
	fmt.Fprintf(&b, "\n\n--- attempt %d %s ---\n", attempt, what)
	b.WriteString(strings.TrimRight(detail, "\n"))
	return b.String()
}
