package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"scopeline/internal/domain"
	"scopeline/internal/engine"
	"scopeline/internal/manifest"
)

// Process exit codes.
const (
	exitOK         = 0
	exitFailed     = 1
	exitBlocked    = 2
	exitUnreadable = 3
)

// exitError carries an exit code; an empty msg means the output already
// told the operator what happened.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, manifest.ErrCorrupt) || errors.Is(err, manifest.ErrUnreadable) {
		return exitUnreadable
	}
	return exitFailed
}

// outcomeCode grades a state: open blockers first, then tasks whose last
// validation failed and which are not yet settled.
func outcomeCode(st *manifest.State) (int, []string) {
	var open []string
	for _, b := range st.Blockers() {
		if !b.Accepted {
			open = append(open, b.TaskID)
		}
	}
	if len(open) > 0 {
		return exitBlocked, open
	}
	var failing []string
	for _, t := range st.List() {
		if !t.Satisfies() && t.LastValidation != nil && !t.LastValidation.Passed {
			failing = append(failing, t.ID)
		}
	}
	if len(failing) > 0 {
		return exitFailed, failing
	}
	return exitOK, nil
}

func outcome(st *manifest.State) error {
	code, ids := outcomeCode(st)
	switch code {
	case exitBlocked:
		return &exitError{code: code, msg: fmt.Sprintf("escalated: %s (see sl status --blockers, then sl accept)", strings.Join(ids, ", "))}
	case exitFailed:
		return &exitError{code: code, msg: fmt.Sprintf("validation failing: %s", strings.Join(ids, ", "))}
	}
	return nil
}

func interrupted(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("interrupted; in-flight attempts continue on sl resume: %w", err)
	}
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTasks(tasks []domain.Task, notes map[string]string) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Phase", "Status", "Attempt", "Scope", "Depends On", "Note"})
	for _, t := range tasks {
		scope := make([]string, len(t.Scope))
		for i, p := range t.Scope {
			if p == "" {
				p = "(all)"
			}
			scope[i] = p
		}
		tw.AppendRow(table.Row{
			t.ID,
			t.Phase,
			t.Status,
			fmt.Sprintf("%d/%d", t.Attempt, t.MaxAttempts),
			strings.Join(scope, " "),
			strings.Join(t.DependsOn, ","),
			notes[t.ID],
		})
	}
	tw.Render()
}

func printStatus(st *manifest.State, maxParallel int) error {
	tasks := st.List()
	current := -1
	for _, p := range st.Phases() {
		if !st.PhaseAdvanced(p) {
			current = p
			break
		}
	}
	notes := map[string]string{}
	var skipped []engine.Skip
	if current >= 0 {
		skipped = engine.Ready(tasks, current, maxParallel).Skipped
	}
	for _, s := range skipped {
		notes[s.TaskID] = string(s.Reason)
		if s.Detail != "" {
			notes[s.TaskID] += ": " + s.Detail
		}
	}
	for _, t := range tasks {
		if t.Status == domain.StatusEscalated && t.Accepted {
			notes[t.ID] = "accepted blocker"
		}
	}
	if viper.GetBool("json") {
		return printJSON(map[string]any{
			"done":     st.Done(),
			"last_seq": st.LastSeq,
			"tasks":    tasks,
			"blockers": st.Blockers(),
			"skipped":  skipped,
		})
	}
	printTasks(tasks, notes)
	switch {
	case len(tasks) == 0:
		fmt.Println("no tasks planned")
	case current < 0:
		fmt.Println("all phases advanced")
	default:
		fmt.Printf("current phase: %d\n", current)
	}
	return nil
}

type blockerView struct {
	domain.Blocker
	Objective string                 `json:"objective"`
	Attempts  []domain.AttemptRecord `json:"attempt_history"`
}

func printBlockers(st *manifest.State) error {
	var views []blockerView
	for _, b := range st.Blockers() {
		t, _ := st.Task(b.TaskID)
		views = append(views, blockerView{Blocker: b, Objective: t.BaseObjective, Attempts: st.Attempts(b.TaskID)})
	}
	if viper.GetBool("json") {
		if views == nil {
			views = []blockerView{}
		}
		return printJSON(views)
	}
	if len(views) == 0 {
		fmt.Println("no escalated tasks")
		return nil
	}
	for _, v := range views {
		state := "OPEN"
		if v.Accepted {
			state = "accepted"
		}
		fmt.Printf("%s [%s] phase %d, %d attempts, escalated %s\n", v.TaskID, state, v.Phase, v.Blocker.Attempts, v.Since.Format("2006-01-02 15:04:05Z07:00"))
		if v.Note != "" {
			fmt.Printf("  note: %s\n", v.Note)
		}
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Attempt", "Outcome", "Exit", "Kept", "Reverted", "Validation", "Error"})
		var lastDiag string
		for _, a := range v.Attempts {
			exit := ""
			if a.ExitCode != nil {
				exit = fmt.Sprint(*a.ExitCode)
			}
			kept, reverted := 0, 0
			if a.Decision != nil {
				kept, reverted = len(a.Decision.Kept), len(a.Decision.Reverted)
			}
			verdict := ""
			if a.Validation != nil {
				verdict = "fail"
				if a.Validation.Passed {
					verdict = "pass"
				}
				lastDiag = a.Validation.Diagnostics
			}
			tw.AppendRow(table.Row{a.Attempt, a.Outcome, exit, kept, reverted, verdict, a.Error})
		}
		tw.Render()
		if lastDiag != "" {
			fmt.Println("  last diagnostics:")
			for _, line := range strings.Split(strings.TrimRight(lastDiag, "\n"), "\n") {
				fmt.Println("    " + line)
			}
		}
		fmt.Println()
	}
	return nil
}

func printReports(reps []engine.PhaseReport) error {
	if viper.GetBool("json") {
		if reps == nil {
			reps = []engine.PhaseReport{}
		}
		return printJSON(reps)
	}
	for _, r := range reps {
		state := "blocked"
		if r.Advanced {
			state = "advanced"
		}
		fmt.Printf("phase %d %s: %d completed, %d escalated, %d pending\n", r.Phase, state, len(r.Completed), len(r.Escalated), len(r.Pending))
		for _, s := range r.Skipped {
			fmt.Printf("  %s not dispatched: %s %s\n", s.TaskID, s.Reason, s.Detail)
		}
	}
	return nil
}

func printDecision(d domain.ScopeDecision) {
	fmt.Printf("%s attempt %d: %d kept, %d reverted, %d deferred\n", d.TaskID, d.Attempt, len(d.Kept), len(d.Reverted), len(d.Deferred))
	for _, p := range d.Reverted {
		fmt.Println("  reverted", p)
	}
}
