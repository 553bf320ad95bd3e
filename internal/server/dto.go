package server

import (
	"time"

	"scopeline/internal/domain"
	"scopeline/internal/engine"
	"scopeline/internal/manifest"
)

// Request payloads

type AcceptBlockerRequest struct {
	Note string `json:"note,omitempty" doc:"Why the blocker is accepted"`
}

// Response payloads

type TaskResponse struct {
	ID             string                   `json:"id"`
	Objective      string                   `json:"objective"`
	Scope          []string                 `json:"scope"`
	Phase          int                      `json:"phase"`
	DependsOn      []string                 `json:"depends_on"`
	Status         string                   `json:"status" enum:"pending,dispatched,enforcing,validating,completed,failed,escalated"`
	Attempt        int                      `json:"attempt"`
	MaxAttempts    int                      `json:"max_attempts"`
	Accepted       bool                     `json:"accepted"`
	Report         string                   `json:"report,omitempty"`
	LastDecision   *domain.ScopeDecision    `json:"last_decision,omitempty"`
	LastValidation *domain.ValidationResult `json:"last_validation,omitempty"`
	UpdatedAt      time.Time                `json:"updated_at" format:"date-time"`
}

type TaskDetailResponse struct {
	TaskResponse
	BaseObjective string                 `json:"base_objective"`
	Attempts      []domain.AttemptRecord `json:"attempts"`
}

type BlockerResponse struct {
	TaskID   string    `json:"task_id"`
	Phase    int       `json:"phase"`
	Attempts int       `json:"attempts"`
	Accepted bool      `json:"accepted"`
	Note     string    `json:"note,omitempty"`
	Since    time.Time `json:"since" format:"date-time"`
}

type PhaseResponse struct {
	Phase    int  `json:"phase"`
	Advanced bool `json:"advanced"`
	Tasks    int  `json:"tasks"`
}

type StatusResponse struct {
	Done     bool              `json:"done"`
	LastSeq  int64             `json:"last_seq"`
	Phases   []PhaseResponse   `json:"phases"`
	Tasks    []TaskResponse    `json:"tasks"`
	Blockers []BlockerResponse `json:"blockers"`
	Skipped  []engine.Skip     `json:"skipped"`
}

type CancelResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status" example:"cancel requested"`
}

// Mapping helpers

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID,
		Objective:      t.Objective,
		Scope:          nonNilSlice(t.Scope),
		Phase:          t.Phase,
		DependsOn:      nonNilSlice(t.DependsOn),
		Status:         string(t.Status),
		Attempt:        t.Attempt,
		MaxAttempts:    t.MaxAttempts,
		Accepted:       t.Accepted,
		Report:         t.Report,
		LastDecision:   t.LastDecision,
		LastValidation: t.LastValidation,
		UpdatedAt:      t.UpdatedAt,
	}
}

func blockerResponse(b domain.Blocker) BlockerResponse {
	return BlockerResponse{
		TaskID:   b.TaskID,
		Phase:    b.Phase,
		Attempts: b.Attempts,
		Accepted: b.Accepted,
		Note:     b.Note,
		Since:    b.Since,
	}
}

// statusResponse summarizes st. The first phase that is not advanced
// reports why its pending tasks are not dispatched.
func statusResponse(st *manifest.State, maxParallel int) StatusResponse {
	res := StatusResponse{
		Done:     st.Done(),
		LastSeq:  st.LastSeq,
		Phases:   []PhaseResponse{},
		Tasks:    []TaskResponse{},
		Blockers: []BlockerResponse{},
		Skipped:  []engine.Skip{},
	}
	current := -1
	for _, p := range st.Phases() {
		adv := st.PhaseAdvanced(p)
		res.Phases = append(res.Phases, PhaseResponse{Phase: p, Advanced: adv, Tasks: len(st.PhaseTasks(p))})
		if !adv && current < 0 {
			current = p
		}
	}
	tasks := st.List()
	for _, t := range tasks {
		res.Tasks = append(res.Tasks, taskResponse(t))
	}
	for _, b := range st.Blockers() {
		res.Blockers = append(res.Blockers, blockerResponse(b))
	}
	if current >= 0 {
		res.Skipped = nonNilSlice(engine.Ready(tasks, current, maxParallel).Skipped)
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
