package scope

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"scopeline/internal/domain"
	"scopeline/internal/workspace"
)

// Workspace is the part of the workspace the enforcer needs.
type Workspace interface {
	DiffSince(ctx context.Context, snapshotID string) ([]string, error)
	RevertToSnapshot(ctx context.Context, snapshotID string, paths []string) error
}

// Request describes one reconciliation pass.
type Request struct {
	TaskID     string
	Attempt    int
	SnapshotID string
	Scope      []string
	// Foreign holds the scopes of other tasks in flight. Out-of-scope paths
	// inside them are left for the owning task.
	Foreign []string
	// Protected lists files kept by completed tasks of the same phase.
	// They are reverted even when inside Scope.
	Protected []string
	// Settled lists files other tasks kept after this baseline was taken.
	// They are left in place and reported as deferred, never kept.
	Settled []string
}

type Enforcer struct {
	Workspace Workspace
	Logger    *zap.Logger
}

// Partition splits a diff into kept, reverted and deferred paths.
func Partition(diff []string, req Request) domain.ScopeDecision {
	protected := make(map[string]bool, len(req.Protected))
	for _, p := range req.Protected {
		protected[p] = true
	}
	settled := make(map[string]bool, len(req.Settled))
	for _, p := range req.Settled {
		settled[p] = true
	}
	d := domain.ScopeDecision{
		TaskID:     req.TaskID,
		Attempt:    req.Attempt,
		SnapshotID: req.SnapshotID,
		Kept:       []string{},
		Reverted:   []string{},
	}
	for _, p := range diff {
		switch {
		case protected[p]:
			d.Reverted = append(d.Reverted, p)
		case settled[p]:
			d.Deferred = append(d.Deferred, p)
		case Matches(p, req.Scope):
			d.Kept = append(d.Kept, p)
		case len(req.Foreign) > 0 && Matches(p, req.Foreign):
			d.Deferred = append(d.Deferred, p)
		default:
			d.Reverted = append(d.Reverted, p)
		}
	}
	return d
}

// Enforce diffs the workspace against the request baseline and reverts every
// out-of-scope change. In-scope paths are left exactly as the worker left them.
func (e *Enforcer) Enforce(ctx context.Context, req Request) (domain.ScopeDecision, error) {
	if req.SnapshotID == "" {
		return domain.ScopeDecision{}, fmt.Errorf("enforce %s: no baseline snapshot", req.TaskID)
	}
	diff, err := e.Workspace.DiffSince(ctx, req.SnapshotID)
	if err != nil {
		return domain.ScopeDecision{}, fmt.Errorf("enforce %s: diff: %w", req.TaskID, err)
	}
	decision := Partition(diff, req)
	if err := e.Apply(ctx, decision); err != nil {
		return decision, err
	}
	log := e.logger().With(zap.String("task_id", req.TaskID), zap.Int("attempt", req.Attempt))
	if len(decision.Reverted) > 0 {
		log.Info("reverted out-of-scope changes",
			zap.Int("count", len(decision.Reverted)),
			zap.String("paths", workspace.Describe(decision.Reverted)))
	}
	if len(decision.Deferred) > 0 {
		log.Debug("deferred changes owned by in-flight tasks", zap.Strings("paths", decision.Deferred))
	}
	log.Debug("scope enforced", zap.Int("kept", len(decision.Kept)))
	return decision, nil
}

// Apply reverts the decision's reverted paths. Applying a decision twice
// leaves the workspace as applying it once.
func (e *Enforcer) Apply(ctx context.Context, d domain.ScopeDecision) error {
	if len(d.Reverted) == 0 {
		return nil
	}
	if err := e.Workspace.RevertToSnapshot(ctx, d.SnapshotID, d.Reverted); err != nil {
		return fmt.Errorf("enforce %s: revert: %w", d.TaskID, err)
	}
	return nil
}

func (e *Enforcer) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}
