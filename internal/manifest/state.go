package manifest

import (
	"fmt"
	"sort"
	"time"

	"scopeline/internal/domain"
)

var transitions = map[domain.TaskStatus][]domain.TaskStatus{
	domain.StatusPending:    {domain.StatusDispatched, domain.StatusFailed},
	domain.StatusDispatched: {domain.StatusEnforcing, domain.StatusFailed},
	domain.StatusEnforcing:  {domain.StatusValidating, domain.StatusFailed},
	domain.StatusValidating: {domain.StatusCompleted, domain.StatusPending, domain.StatusEscalated, domain.StatusFailed},
	domain.StatusFailed:     {domain.StatusPending, domain.StatusEscalated},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to domain.TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// State is the orchestration state reconstructed from manifest records.
type State struct {
	Tasks   map[string]*domain.Task
	Order   []string
	History map[string][]domain.AttemptRecord
	LastSeq int64
	Updated time.Time

	escalatedAt map[string]time.Time
	notes       map[string]string
}

func NewState() *State {
	return &State{
		Tasks:       map[string]*domain.Task{},
		History:     map[string][]domain.AttemptRecord{},
		escalatedAt: map[string]time.Time{},
		notes:       map[string]string{},
	}
}

// Replay rebuilds state from records. The same records always produce the
// same statuses, attempts and blockers.
func Replay(records []Record) (*State, error) {
	s := NewState()
	for i, rec := range records {
		if err := s.Apply(rec); err != nil {
			return nil, &CorruptError{Line: i + 1, Reason: err.Error()}
		}
	}
	return s, nil
}

// Check validates a record against the current state without applying it.
// The sequence number is not checked.
func (s *State) Check(rec Record) error {
	switch rec.Kind {
	case KindPlanned:
		if _, ok := s.Tasks[rec.TaskID]; ok {
			return fmt.Errorf("task %s planned twice", rec.TaskID)
		}
		if rec.Task == nil || rec.Task.ID != rec.TaskID {
			return fmt.Errorf("task %s planned without its definition", rec.TaskID)
		}
		if rec.Status != domain.StatusPending {
			return fmt.Errorf("task %s planned as %q", rec.TaskID, rec.Status)
		}
		if rec.Task.Phase != rec.Phase {
			return fmt.Errorf("task %s planned in phase %d but declares phase %d", rec.TaskID, rec.Phase, rec.Task.Phase)
		}
		for _, dep := range rec.Task.DependsOn {
			if _, ok := s.Tasks[dep]; !ok {
				return fmt.Errorf("task %s depends on unknown task %s", rec.TaskID, dep)
			}
		}
		return nil
	}
	t, ok := s.Tasks[rec.TaskID]
	if !ok {
		return fmt.Errorf("unknown task %s", rec.TaskID)
	}
	if rec.Phase != t.Phase {
		return fmt.Errorf("task %s is in phase %d, record says %d", rec.TaskID, t.Phase, rec.Phase)
	}
	switch rec.Kind {
	case KindTransition:
		if !CanTransition(t.Status, rec.Status) {
			return fmt.Errorf("task %s: illegal transition %s -> %s", rec.TaskID, t.Status, rec.Status)
		}
		want := t.Attempt
		if rec.Status == domain.StatusDispatched {
			want = t.Attempt + 1
			if rec.SnapshotID == "" {
				return fmt.Errorf("task %s dispatched without a baseline snapshot", rec.TaskID)
			}
		}
		if rec.Attempt != want {
			return fmt.Errorf("task %s: attempt %d, expected %d", rec.TaskID, rec.Attempt, want)
		}
		if rec.Status == domain.StatusValidating && rec.ScopeDecision == nil {
			return fmt.Errorf("task %s validating without a scope decision", rec.TaskID)
		}
	case KindRebased:
		if !t.Status.InFlight() {
			return fmt.Errorf("task %s rebased while %s", rec.TaskID, t.Status)
		}
		if rec.SnapshotID == "" {
			return fmt.Errorf("task %s rebased without snapshot", rec.TaskID)
		}
	case KindAccepted:
		if t.Status != domain.StatusEscalated {
			return fmt.Errorf("task %s accepted while %s", rec.TaskID, t.Status)
		}
		if t.Accepted {
			return fmt.Errorf("task %s accepted twice", rec.TaskID)
		}
	case KindEnforced:
		if rec.ScopeDecision == nil {
			return fmt.Errorf("task %s enforcement without decision", rec.TaskID)
		}
	default:
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}
	return nil
}

// Apply validates rec, including its sequence number, and folds it into the state.
func (s *State) Apply(rec Record) error {
	if rec.Seq != s.LastSeq+1 {
		return fmt.Errorf("sequence %d does not follow %d", rec.Seq, s.LastSeq)
	}
	if err := s.Check(rec); err != nil {
		return err
	}
	s.LastSeq = rec.Seq
	s.Updated = rec.TS
	switch rec.Kind {
	case KindPlanned:
		spec := *rec.Task
		s.Tasks[rec.TaskID] = &domain.Task{
			ID:            spec.ID,
			Objective:     spec.Objective,
			BaseObjective: spec.Objective,
			Scope:         spec.Scope,
			Phase:         spec.Phase,
			DependsOn:     spec.DependsOn,
			Status:        domain.StatusPending,
			MaxAttempts:   spec.MaxAttempts,
			Timeout:       spec.Timeout,
			Checks:        spec.Checks,
			Order:         len(s.Order),
			UpdatedAt:     rec.TS,
		}
		s.Order = append(s.Order, rec.TaskID)
	case KindTransition:
		s.applyTransition(s.Tasks[rec.TaskID], rec)
	case KindRebased:
		t := s.Tasks[rec.TaskID]
		t.SnapshotID = rec.SnapshotID
		t.UpdatedAt = rec.TS
	case KindAccepted:
		t := s.Tasks[rec.TaskID]
		t.Accepted = true
		t.UpdatedAt = rec.TS
		s.notes[rec.TaskID] = rec.Note
	case KindEnforced:
		d := *rec.ScopeDecision
		s.Tasks[rec.TaskID].LastDecision = &d
	}
	return nil
}

func (s *State) applyTransition(t *domain.Task, rec Record) {
	t.Status = rec.Status
	t.Attempt = rec.Attempt
	t.UpdatedAt = rec.TS
	hist := s.History[t.ID]
	current := func() *domain.AttemptRecord {
		if len(hist) == 0 || hist[len(hist)-1].Attempt != rec.Attempt {
			return nil
		}
		return &hist[len(hist)-1]
	}
	switch rec.Status {
	case domain.StatusDispatched:
		t.SnapshotID = rec.SnapshotID
		if rec.Objective != "" {
			t.Objective = rec.Objective
		}
		t.Report = ""
		t.ExitCode = nil
		hist = append(hist, domain.AttemptRecord{Attempt: rec.Attempt, Outcome: domain.StatusDispatched})
	case domain.StatusEnforcing:
		t.Report = rec.Report
		t.ExitCode = copyInt(rec.ExitCode)
		if a := current(); a != nil {
			a.ExitCode = copyInt(rec.ExitCode)
			a.Outcome = domain.StatusEnforcing
			if rec.Error != "" {
				a.Error = rec.Error
			}
		}
	case domain.StatusValidating:
		d := *rec.ScopeDecision
		t.LastDecision = &d
		if a := current(); a != nil {
			a.Decision = &d
			a.Outcome = domain.StatusValidating
		}
	case domain.StatusCompleted, domain.StatusPending, domain.StatusEscalated:
		if rec.ValidationResult != nil {
			v := *rec.ValidationResult
			t.LastValidation = &v
			if a := current(); a != nil {
				a.Validation = &v
				if v.Passed {
					a.Outcome = domain.StatusCompleted
				} else {
					a.Outcome = domain.StatusFailed
				}
			}
		}
		if rec.Status == domain.StatusPending && rec.Objective != "" {
			t.Objective = rec.Objective
		}
		if rec.Status == domain.StatusEscalated {
			s.escalatedAt[t.ID] = rec.TS
		}
	case domain.StatusFailed:
		if rec.ScopeDecision != nil {
			d := *rec.ScopeDecision
			t.LastDecision = &d
		}
		if a := current(); a != nil {
			a.Outcome = domain.StatusFailed
			a.Error = rec.Error
			if rec.ScopeDecision != nil {
				a.Decision = t.LastDecision
			}
		}
	}
	s.History[t.ID] = hist
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Task returns a copy of a task.
func (s *State) Task(id string) (domain.Task, bool) {
	t, ok := s.Tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return *t, true
}

// List returns copies of every task in plan order.
func (s *State) List() []domain.Task {
	out := make([]domain.Task, 0, len(s.Order))
	for _, id := range s.Order {
		out = append(out, *s.Tasks[id])
	}
	return out
}

// Phases returns the distinct phases in ascending order.
func (s *State) Phases() []int {
	seen := map[int]bool{}
	var phases []int
	for _, t := range s.Tasks {
		if !seen[t.Phase] {
			seen[t.Phase] = true
			phases = append(phases, t.Phase)
		}
	}
	sort.Ints(phases)
	return phases
}

// PhaseTasks returns the tasks of a phase in plan order.
func (s *State) PhaseTasks(phase int) []domain.Task {
	var out []domain.Task
	for _, id := range s.Order {
		if t := s.Tasks[id]; t.Phase == phase {
			out = append(out, *t)
		}
	}
	return out
}

// PhaseAdvanced reports whether every task of the phase is completed or
// escalated and accepted.
func (s *State) PhaseAdvanced(phase int) bool {
	for _, t := range s.Tasks {
		if t.Phase == phase && !t.Satisfies() {
			return false
		}
	}
	return true
}

// Done reports whether every phase is advanced.
func (s *State) Done() bool {
	for _, p := range s.Phases() {
		if !s.PhaseAdvanced(p) {
			return false
		}
	}
	return true
}

// Blockers lists escalated tasks, open ones first, then by plan order.
func (s *State) Blockers() []domain.Blocker {
	var out []domain.Blocker
	for _, id := range s.Order {
		t := s.Tasks[id]
		if t.Status != domain.StatusEscalated {
			continue
		}
		out = append(out, domain.Blocker{
			TaskID:   t.ID,
			Phase:    t.Phase,
			Attempts: t.Attempt,
			Accepted: t.Accepted,
			Note:     s.notes[t.ID],
			Since:    s.escalatedAt[t.ID],
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return !out[i].Accepted && out[j].Accepted })
	return out
}

// Attempts returns the attempt history of a task.
func (s *State) Attempts(id string) []domain.AttemptRecord {
	return append([]domain.AttemptRecord(nil), s.History[id]...)
}

// Clone returns a deep enough copy for readers outside the engine lock.
func (s *State) Clone() *State {
	c := NewState()
	c.Order = append([]string(nil), s.Order...)
	c.LastSeq = s.LastSeq
	c.Updated = s.Updated
	for id, t := range s.Tasks {
		cp := *t
		c.Tasks[id] = &cp
	}
	for id, h := range s.History {
		c.History[id] = append([]domain.AttemptRecord(nil), h...)
	}
	for id, ts := range s.escalatedAt {
		c.escalatedAt[id] = ts
	}
	for id, n := range s.notes {
		c.notes[id] = n
	}
	return c
}
