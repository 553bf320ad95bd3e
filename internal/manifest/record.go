package manifest

import (
	"time"

	"scopeline/internal/domain"
)

type Kind string

const (
	KindPlanned    Kind = "task.planned"
	KindTransition Kind = "task.transition"
	KindRebased    Kind = "task.rebased"
	KindAccepted   Kind = "blocker.accepted"
	KindEnforced   Kind = "scope.enforced"
)

func (k Kind) valid() bool {
	switch k {
	case KindPlanned, KindTransition, KindRebased, KindAccepted, KindEnforced:
		return true
	}
	return false
}

// Record is one manifest line.
type Record struct {
	Seq              int64                    `json:"seq"`
	Kind             Kind                     `json:"kind"`
	TaskID           string                   `json:"task_id"`
	Phase            int                      `json:"phase"`
	Status           domain.TaskStatus        `json:"status,omitempty"`
	Attempt          int                      `json:"attempt"`
	SnapshotID       string                   `json:"snapshot_id,omitempty"`
	ScopeDecision    *domain.ScopeDecision    `json:"scope_decision,omitempty"`
	ValidationResult *domain.ValidationResult `json:"validation_result,omitempty"`
	Objective        string                   `json:"objective,omitempty"`
	Report           string                   `json:"report,omitempty"`
	ExitCode         *int                     `json:"exit_code,omitempty"`
	Error            string                   `json:"error,omitempty"`
	Task             *domain.TaskSpec         `json:"task,omitempty"`
	Actor            string                   `json:"actor,omitempty"`
	Note             string                   `json:"note,omitempty"`
	TS               time.Time                `json:"ts"`
}

// EventName is the external name of a record, e.g. task.completed for a
// transition into completed.
func (r Record) EventName() string {
	if r.Kind == KindTransition {
		return "task." + string(r.Status)
	}
	return string(r.Kind)
}
