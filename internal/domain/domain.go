package domain

import "time"

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusDispatched TaskStatus = "dispatched"
	StatusEnforcing  TaskStatus = "enforcing"
	StatusValidating TaskStatus = "validating"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusEscalated  TaskStatus = "escalated"
)

// InFlight reports whether a task in this status holds its scope.
func (s TaskStatus) InFlight() bool {
	switch s {
	case StatusDispatched, StatusEnforcing, StatusValidating:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status ends a task for phase-barrier purposes.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusEscalated
}

// CheckSpec declares one validation program.
type CheckSpec struct {
	Name    string        `yaml:"name" json:"name"`
	Kind    string        `yaml:"kind,omitempty" json:"kind,omitempty" enum:"command,parse"`
	Run     string        `yaml:"run,omitempty" json:"run,omitempty"`
	Paths   []string      `yaml:"paths,omitempty" json:"paths,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// TaskSpec is the operator-supplied definition of a task, as found in a plan file.
type TaskSpec struct {
	ID          string        `yaml:"id" json:"id"`
	Objective   string        `yaml:"objective" json:"objective"`
	Scope       []string      `yaml:"scope" json:"scope"`
	Phase       int           `yaml:"phase" json:"phase"`
	DependsOn   []string      `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	MaxAttempts int           `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Checks      []CheckSpec   `yaml:"checks,omitempty" json:"checks,omitempty"`
}

type Task struct {
	ID             string            `json:"id"`
	Objective      string            `json:"objective"`
	BaseObjective  string            `json:"base_objective"`
	Scope          []string          `json:"scope"`
	Phase          int               `json:"phase"`
	DependsOn      []string          `json:"depends_on,omitempty"`
	Status         TaskStatus        `json:"status" enum:"pending,dispatched,enforcing,validating,completed,failed,escalated"`
	Attempt        int               `json:"attempt"`
	MaxAttempts    int               `json:"max_attempts"`
	Timeout        time.Duration     `json:"timeout,omitempty"`
	Checks         []CheckSpec       `json:"checks,omitempty"`
	Report         string            `json:"report,omitempty"`
	ExitCode       *int              `json:"exit_code,omitempty"`
	SnapshotID     string            `json:"snapshot_id,omitempty"`
	LastDecision   *ScopeDecision    `json:"last_decision,omitempty"`
	LastValidation *ValidationResult `json:"last_validation,omitempty"`
	Accepted       bool              `json:"accepted,omitempty"`
	Order          int               `json:"order"`
	UpdatedAt      time.Time         `json:"updated_at" format:"date-time"`
}

// Spec returns the definition the task was planned from.
func (t Task) Spec() TaskSpec {
	return TaskSpec{
		ID:          t.ID,
		Objective:   t.BaseObjective,
		Scope:       append([]string(nil), t.Scope...),
		Phase:       t.Phase,
		DependsOn:   append([]string(nil), t.DependsOn...),
		MaxAttempts: t.MaxAttempts,
		Timeout:     t.Timeout,
		Checks:      append([]CheckSpec(nil), t.Checks...),
	}
}

// Satisfies reports whether the task counts as done for dependents and for the phase barrier.
func (t Task) Satisfies() bool {
	return t.Status == StatusCompleted || (t.Status == StatusEscalated && t.Accepted)
}

type ScopeDecision struct {
	TaskID     string   `json:"task_id"`
	Attempt    int      `json:"attempt"`
	SnapshotID string   `json:"snapshot_id"`
	Kept       []string `json:"kept_files"`
	Reverted   []string `json:"reverted_files"`
	Deferred   []string `json:"deferred_files,omitempty"`
}

type CheckResult struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
}

type ValidationResult struct {
	TaskID      string        `json:"task_id"`
	Attempt     int           `json:"attempt"`
	Passed      bool          `json:"passed"`
	Checks      []CheckResult `json:"checks"`
	Diagnostics string        `json:"diagnostics,omitempty"`
}

// Blocker is an escalated task awaiting operator attention.
type Blocker struct {
	TaskID   string    `json:"task_id"`
	Phase    int       `json:"phase"`
	Attempts int       `json:"attempts"`
	Accepted bool      `json:"accepted"`
	Note     string    `json:"note,omitempty"`
	Since    time.Time `json:"since" format:"date-time"`
}

// AttemptRecord summarizes one finished attempt for the diagnostic history.
type AttemptRecord struct {
	Attempt    int               `json:"attempt"`
	Outcome    TaskStatus        `json:"outcome"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	Decision   *ScopeDecision    `json:"scope_decision,omitempty"`
	Validation *ValidationResult `json:"validation_result,omitempty"`
	Error      string            `json:"error,omitempty"`
}
