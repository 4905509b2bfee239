package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/forgelabs/forge/internal/events"
	"github.com/forgelabs/forge/internal/storage"
	"github.com/forgelabs/forge/internal/types"
)

// StateMutator applies one mutation to the persisted project state with
// re-read-then-write discipline: it loads the current state, applies the
// function, and saves the result atomically. All status transitions go
// through it so no caller ever writes a stale aggregate.
type StateMutator func(ctx context.Context, mutate func(*types.ProjectState) error) (*types.ProjectState, error)

// MilestoneOutcome is the terminal result of orchestrating one milestone
type MilestoneOutcome struct {
	Completed       bool
	Error           string
	RateLimitPaused bool
}

// Orchestrator runs the tasks of one milestone in declaration order and
// performs the milestone-level completion review. Tasks are never run in
// parallel: they share the generated tree and its conventions.
type Orchestrator struct {
	tasks     *TaskExecutor
	consensus PlanRunner
	store     storage.PlanStore
	reporter  *events.Reporter
	mutate    StateMutator
}

// NewOrchestrator creates a milestone orchestrator
func NewOrchestrator(tasks *TaskExecutor, consensus PlanRunner, store storage.PlanStore, reporter *events.Reporter, mutate StateMutator) *Orchestrator {
	return &Orchestrator{
		tasks:     tasks,
		consensus: consensus,
		store:     store,
		reporter:  reporter,
		mutate:    mutate,
	}
}

// Run drives the milestone to a terminal state. Already-terminal tasks are
// skipped, which makes a resumed run idempotent over completed work.
func (o *Orchestrator) Run(ctx context.Context, milestoneID string) (*MilestoneOutcome, error) {
	state, err := o.mutate(ctx, func(s *types.ProjectState) error {
		m := s.Milestone(milestoneID)
		if m == nil {
			return fmt.Errorf("unknown milestone %s", milestoneID)
		}
		m.Status = types.MilestoneInProgress
		s.CurrentMilestone = milestoneID
		return nil
	})
	if err != nil {
		return nil, err
	}

	milestone := state.Milestone(milestoneID)
	o.reporter.EmitScoped(events.PhaseMilestoneStarted, fmt.Sprintf("milestone %q started", milestone.Name), milestoneID)

	milestonePlan := o.loadMilestonePlan(ctx, milestoneID)

	for i := range milestone.Tasks {
		task := &milestone.Tasks[i]
		if task.Status.IsTerminal() {
			continue
		}

		state, err = o.mutate(ctx, func(s *types.ProjectState) error {
			return setTaskStatus(s, milestoneID, task.ID, types.TaskInProgress, "")
		})
		if err != nil {
			return nil, err
		}

		outcome := o.tasks.Execute(ctx, state, state.Milestone(milestoneID), task, milestonePlan)
		if outcome.RateLimitPaused {
			if _, err := o.mutate(ctx, func(s *types.ProjectState) error {
				s.MarkPaused()
				return nil
			}); err != nil {
				return nil, err
			}
			return &MilestoneOutcome{RateLimitPaused: true}, nil
		}

		state, err = o.mutate(ctx, func(s *types.ProjectState) error {
			return setTaskStatus(s, milestoneID, task.ID, outcome.Status, outcome.Error)
		})
		if err != nil {
			return nil, err
		}
		// Keep the local view current for CompletedTaskSummaries
		milestone = state.Milestone(milestoneID)
	}

	if failed := milestone.FailedTasks(); len(failed) > 0 {
		names := make([]string, len(failed))
		for i, t := range failed {
			names[i] = t.Name
		}
		reason := fmt.Sprintf("%d task(s) failed: %s", len(failed), strings.Join(names, ", "))
		if _, err := o.mutate(ctx, func(s *types.ProjectState) error {
			m := s.Milestone(milestoneID)
			m.Status = types.MilestoneFailed
			m.Error = reason
			return nil
		}); err != nil {
			return nil, err
		}
		return &MilestoneOutcome{Error: reason}, nil
	}

	return o.completionReview(ctx, state, milestoneID)
}

// completionReview runs the milestone-level consensus over the aggregate
// result. Only an approved review marks the milestone complete, which is
// what makes it skippable on resume.
func (o *Orchestrator) completionReview(ctx context.Context, state *types.ProjectState, milestoneID string) (*MilestoneOutcome, error) {
	milestone := state.Milestone(milestoneID)
	o.reporter.EmitScoped(events.PhaseMilestoneReview, fmt.Sprintf("reviewing milestone %q completion", milestone.Name), milestoneID)

	plan := types.Plan{
		Content:  completionReport(state, milestone),
		Revision: 1,
		Scope:    types.ScopeMilestone,
		ScopeID:  milestoneID + ":completion",
	}
	result, err := o.consensus.Run(ctx, plan, fmt.Sprintf("Completion review of milestone %q in project %q.", milestone.Name, state.Name))
	if err != nil {
		return nil, fmt.Errorf("completion review: %w", err)
	}
	if result.RateLimitPaused {
		if _, err := o.mutate(ctx, func(s *types.ProjectState) error {
			s.MarkPaused()
			return nil
		}); err != nil {
			return nil, err
		}
		return &MilestoneOutcome{RateLimitPaused: true}, nil
	}

	if !result.Approved {
		reason := fmt.Sprintf("completion review rejected (best score %.1f)", result.BestScore)
		if _, err := o.mutate(ctx, func(s *types.ProjectState) error {
			m := s.Milestone(milestoneID)
			m.Status = types.MilestoneFailed
			m.Error = reason
			return nil
		}); err != nil {
			return nil, err
		}
		return &MilestoneOutcome{Error: reason}, nil
	}

	if _, err := o.mutate(ctx, func(s *types.ProjectState) error {
		m := s.Milestone(milestoneID)
		m.Status = types.MilestoneComplete
		m.CompletionApproved = true
		m.Error = ""
		return nil
	}); err != nil {
		return nil, err
	}

	o.reporter.EmitScoped(events.PhaseMilestoneComplete, fmt.Sprintf("milestone %q complete", milestone.Name), milestoneID)
	return &MilestoneOutcome{Completed: true}, nil
}

func (o *Orchestrator) loadMilestonePlan(ctx context.Context, milestoneID string) string {
	plan, err := o.store.LatestPlan(ctx, storage.ScopeKey{Scope: types.ScopeMilestone, ID: milestoneID})
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			o.reporter.EmitScoped(events.PhaseMilestoneStarted,
				fmt.Sprintf("could not load milestone plan: %v", err), milestoneID)
		}
		return ""
	}
	return plan.Content
}

func setTaskStatus(s *types.ProjectState, milestoneID, taskID string, status types.TaskStatus, errMsg string) error {
	m := s.Milestone(milestoneID)
	if m == nil {
		return fmt.Errorf("unknown milestone %s", milestoneID)
	}
	for i := range m.Tasks {
		if m.Tasks[i].ID == taskID {
			m.Tasks[i].Status = status
			m.Tasks[i].Error = errMsg
			if status == types.TaskInProgress {
				s.CurrentTask = taskID
			} else if status.IsTerminal() {
				s.CurrentTask = ""
			}
			return nil
		}
	}
	return fmt.Errorf("unknown task %s in milestone %s", taskID, milestoneID)
}

func completionReport(state *types.ProjectState, milestone *types.Milestone) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Milestone %q of project %q is nominally complete.\n\n", milestone.Name, state.Name)
	fmt.Fprintf(&b, "GOAL: %s\n\nTASKS COMPLETED:\n", milestone.Description)
	for _, t := range milestone.Tasks {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	b.WriteString("\nAssess whether the completed tasks genuinely satisfy the milestone goal.")
	return b.String()
}
