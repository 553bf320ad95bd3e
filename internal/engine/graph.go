package engine

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"scopeline/internal/config"
	"scopeline/internal/domain"
	"scopeline/internal/manifest"
	"scopeline/internal/scope"
)

// ErrInvalidPlan is wrapped by every GraphError.
var ErrInvalidPlan = errors.New("invalid plan")

// GraphError reports a task definition the graph cannot accept.
type GraphError struct {
	TaskID string
	Reason string
}

func (e *GraphError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("invalid plan: %s", e.Reason)
	}
	return fmt.Sprintf("invalid plan: task %s: %s", e.TaskID, e.Reason)
}

func (e *GraphError) Unwrap() error { return ErrInvalidPlan }

func graphErr(id, format string, args ...any) error {
	return &GraphError{TaskID: id, Reason: fmt.Sprintf(format, args...)}
}

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// taskNamespace seeds deterministic ids for tasks planned without one.
var taskNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("scopeline/task"))

// normalizePlan validates specs against the existing state and returns them
// normalized, ordered so that every task follows its dependencies and
// otherwise keeps plan order.
func normalizePlan(existing *manifest.State, specs []domain.TaskSpec, defaultAttempts int) ([]domain.TaskSpec, error) {
	if len(specs) == 0 {
		return nil, graphErr("", "no tasks")
	}
	byID := map[string]int{}
	out := make([]domain.TaskSpec, 0, len(specs))
	for i, s := range specs {
		s.Objective = strings.TrimSpace(s.Objective)
		if s.ID == "" {
			s.ID = "t-" + uuid.NewSHA1(taskNamespace, []byte(fmt.Sprintf("%d\x00%s\x00%s", s.Phase, s.Objective, strings.Join(s.Scope, "\x00")))).String()[:8]
		}
		if !taskIDPattern.MatchString(s.ID) {
			return nil, graphErr(s.ID, "id must match %s", taskIDPattern)
		}
		if _, dup := byID[s.ID]; dup {
			return nil, graphErr(s.ID, "duplicate id")
		}
		if _, exists := existing.Tasks[s.ID]; exists {
			return nil, graphErr(s.ID, "already planned")
		}
		if s.Objective == "" {
			return nil, graphErr(s.ID, "objective is required")
		}
		sc, err := scope.Normalize(s.Scope)
		if err != nil {
			return nil, graphErr(s.ID, "scope: %v", err)
		}
		s.Scope = sc
		if s.Phase < 0 {
			return nil, graphErr(s.ID, "phase must be >= 0")
		}
		if s.MaxAttempts == 0 {
			s.MaxAttempts = defaultAttempts
		}
		if s.MaxAttempts < 1 {
			return nil, graphErr(s.ID, "max_attempts must be >= 1")
		}
		if s.Timeout < 0 {
			return nil, graphErr(s.ID, "timeout must not be negative")
		}
		for _, chk := range s.Checks {
			if err := config.ValidateCheck(chk); err != nil {
				return nil, graphErr(s.ID, "%v", err)
			}
		}
		s.DependsOn = dedupe(s.DependsOn)
		byID[s.ID] = i
		out = append(out, s)
	}

	// a phase that already started cannot gain earlier-phase work
	started := -1
	for _, t := range existing.Tasks {
		if t.Attempt > 0 && t.Phase > started {
			started = t.Phase
		}
	}
	for _, s := range out {
		if s.Phase < started {
			return nil, graphErr(s.ID, "phase %d is behind phase %d, which has already started", s.Phase, started)
		}
	}

	phaseOf := func(id string) (int, bool) {
		if i, ok := byID[id]; ok {
			return out[i].Phase, true
		}
		if t, ok := existing.Tasks[id]; ok {
			return t.Phase, true
		}
		return 0, false
	}
	for _, s := range out {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return nil, graphErr(s.ID, "depends on itself")
			}
			p, ok := phaseOf(dep)
			if !ok {
				return nil, graphErr(s.ID, "unknown dependency %s", dep)
			}
			if p > s.Phase {
				return nil, graphErr(s.ID, "dependency %s is in later phase %d", dep, p)
			}
		}
	}
	return topoOrder(out, byID)
}

// topoOrder is Kahn's algorithm picking the earliest ready task in plan order.
func topoOrder(specs []domain.TaskSpec, byID map[string]int) ([]domain.TaskSpec, error) {
	indegree := make([]int, len(specs))
	dependents := make([][]int, len(specs))
	for i, s := range specs {
		for _, dep := range s.DependsOn {
			if j, ok := byID[dep]; ok {
				indegree[i]++
				dependents[j] = append(dependents[j], i)
			}
		}
	}
	done := make([]bool, len(specs))
	ordered := make([]domain.TaskSpec, 0, len(specs))
	for len(ordered) < len(specs) {
		next := -1
		for i := range specs {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var cyc []string
			for i, s := range specs {
				if !done[i] {
					cyc = append(cyc, s.ID)
				}
			}
			return nil, graphErr("", "dependency cycle among %s", strings.Join(cyc, ", "))
		}
		done[next] = true
		ordered = append(ordered, specs[next])
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	return ordered, nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
