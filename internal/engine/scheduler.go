package engine

import (
	"fmt"

	"scopeline/internal/domain"
	"scopeline/internal/scope"
)

type SkipReason string

const (
	SkipNotReady          SkipReason = "not-ready"
	SkipScopeConflict     SkipReason = "scope-conflict"
	SkipConcurrency       SkipReason = "concurrency"
	SkipBlockedDependency SkipReason = "blocked-dependency"
)

type Skip struct {
	TaskID string     `json:"task_id"`
	Reason SkipReason `json:"reason"`
	Detail string     `json:"detail,omitempty"`
}

type Selection struct {
	Ready   []domain.Task
	Skipped []Skip
}

// Ready picks the pending tasks of phase that may be dispatched now, in plan
// order. A task is ready when every dependency is satisfied and its scope
// overlaps neither an in-flight task nor a task already picked. maxParallel
// caps in-flight tasks; zero means no cap. tasks must be in plan order.
func Ready(tasks []domain.Task, phase, maxParallel int) Selection {
	byID := make(map[string]domain.Task, len(tasks))
	var held []domain.Task
	for _, t := range tasks {
		byID[t.ID] = t
		if t.Status.InFlight() {
			held = append(held, t)
		}
	}
	var sel Selection
	for _, t := range tasks {
		if t.Phase != phase || t.Status != domain.StatusPending {
			continue
		}
		if reason, detail := dependencyGate(t, byID); reason != "" {
			sel.Skipped = append(sel.Skipped, Skip{TaskID: t.ID, Reason: reason, Detail: detail})
			continue
		}
		if other, ok := conflicting(t, held); ok {
			sel.Skipped = append(sel.Skipped, Skip{TaskID: t.ID, Reason: SkipScopeConflict, Detail: "overlaps " + other})
			continue
		}
		if maxParallel > 0 && len(held) >= maxParallel {
			sel.Skipped = append(sel.Skipped, Skip{TaskID: t.ID, Reason: SkipConcurrency, Detail: fmt.Sprintf("%d tasks in flight", len(held))})
			continue
		}
		sel.Ready = append(sel.Ready, t)
		held = append(held, t)
	}
	return sel
}

func dependencyGate(t domain.Task, byID map[string]domain.Task) (SkipReason, string) {
	for _, id := range t.DependsOn {
		dep, ok := byID[id]
		if !ok {
			return SkipNotReady, "unknown dependency " + id
		}
		if dep.Satisfies() {
			continue
		}
		if dep.Status == domain.StatusEscalated {
			return SkipBlockedDependency, id + " is escalated"
		}
		return SkipNotReady, id + " is " + string(dep.Status)
	}
	return "", ""
}

func conflicting(t domain.Task, held []domain.Task) (string, bool) {
	for _, h := range held {
		if h.ID != t.ID && scope.Overlaps(t.Scope, h.Scope) {
			return h.ID, true
		}
	}
	return "", false
}
