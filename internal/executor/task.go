// Package executor drives the hierarchical execution of a project: the task
// executor implements single tasks with test-driven retries, the milestone
// orchestrator sequences tasks and runs completion reviews, and the engine is
// the top-level state machine that carries a project from planning to the
// verified terminal state.
package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgelabs/forge/internal/events"
	"github.com/forgelabs/forge/internal/gates"
	"github.com/forgelabs/forge/internal/types"
)

// PlanRunner runs one consensus process over a plan. Satisfied by the
// consensus engine.
type PlanRunner interface {
	Run(ctx context.Context, plan types.Plan, planContext string) (*types.ConsensusProcessResult, error)
}

// TaskOutcome is the terminal result of executing one task
type TaskOutcome struct {
	Status          types.TaskStatus // TaskComplete or TaskFailed
	Error           string
	Summary         string
	RateLimitPaused bool
}

// TaskExecutor implements one task at a time: plan it through consensus,
// generate the implementation, and fix failing tests with bounded targeted
// retries.
type TaskExecutor struct {
	generator  types.GenerationBackend
	consensus  PlanRunner
	tests      types.TestRunner
	reporter   *events.Reporter
	maxRetries int
	workingDir string
}

// NewTaskExecutor creates a task executor
func NewTaskExecutor(generator types.GenerationBackend, consensus PlanRunner, tests types.TestRunner, reporter *events.Reporter, maxRetries int, workingDir string) *TaskExecutor {
	return &TaskExecutor{
		generator:  generator,
		consensus:  consensus,
		tests:      tests,
		reporter:   reporter,
		maxRetries: maxRetries,
		workingDir: workingDir,
	}
}

// Execute runs one task to a terminal status. It never mutates the project
// state; the orchestrator owns status transitions and persistence.
func (e *TaskExecutor) Execute(ctx context.Context, state *types.ProjectState, milestone *types.Milestone, task *types.Task, milestonePlan string) *TaskOutcome {
	e.reporter.EmitScoped(events.PhaseTaskStarted, fmt.Sprintf("task %q started", task.Name), task.ID)

	// Plan the task and get the plan approved
	planRes, err := e.generator.Execute(ctx, types.GenerateRequest{
		Prompt:     taskPlanPrompt(state, milestone, task, milestonePlan),
		WorkingDir: e.workingDir,
	})
	if err != nil {
		return e.fail(task, fmt.Sprintf("task planning failed: %v", err))
	}
	if planRes.RateLimitPaused {
		return &TaskOutcome{RateLimitPaused: true}
	}
	if !planRes.Success || strings.TrimSpace(planRes.Response) == "" {
		return e.fail(task, "generation backend produced no task plan: "+planRes.Error)
	}

	plan := types.Plan{
		Content:  planRes.Response,
		Revision: 1,
		Scope:    types.ScopeTask,
		ScopeID:  task.ID,
	}
	consensusResult, err := e.consensus.Run(ctx, plan, taskPlanContext(state, milestone, task))
	if err != nil {
		return e.fail(task, fmt.Sprintf("task plan consensus: %v", err))
	}
	if consensusResult.RateLimitPaused {
		return &TaskOutcome{RateLimitPaused: true}
	}
	if !consensusResult.Approved {
		return e.fail(task, fmt.Sprintf("task plan rejected by consensus (best score %.1f)", consensusResult.BestScore))
	}

	// Implement the approved plan
	implRes, err := e.generator.Execute(ctx, types.GenerateRequest{
		Prompt:     taskImplementPrompt(task, consensusResult.FinalPlan),
		WorkingDir: e.workingDir,
	})
	if err != nil {
		return e.fail(task, fmt.Sprintf("task implementation failed: %v", err))
	}
	if implRes.RateLimitPaused {
		return &TaskOutcome{RateLimitPaused: true}
	}
	if !implRes.Success {
		return e.fail(task, "task implementation failed: "+implRes.Error)
	}

	// Verify against the test suite, fixing failures with targeted retries
	if gates.HasTests(e.workingDir, state.Language) {
		if outcome := e.verifyTests(ctx, task, state.Language); outcome != nil {
			return outcome
		}
	}

	e.reporter.EmitScoped(events.PhaseTaskComplete, fmt.Sprintf("task %q complete", task.Name), task.ID)
	return &TaskOutcome{
		Status:  types.TaskComplete,
		Summary: fmt.Sprintf("%s: %s", task.Name, firstLine(consensusResult.FinalPlan.Content)),
	}
}

// verifyTests runs the suite and issues targeted fixes for failures. Returns
// nil when the suite passes, a terminal outcome otherwise.
func (e *TaskExecutor) verifyTests(ctx context.Context, task *types.Task, language string) *TaskOutcome {
	for attempt := 0; ; attempt++ {
		result, err := e.tests.Run(ctx, e.workingDir, language)
		if err != nil && result == nil {
			return e.fail(task, fmt.Sprintf("test run failed: %v", err))
		}
		if result.Success {
			return nil
		}
		if attempt >= e.maxRetries {
			return e.fail(task, fmt.Sprintf("tests still failing after %d targeted fixes: %s",
				e.maxRetries, strings.Join(result.FailedTests, ", ")))
		}

		e.reporter.EmitScoped(events.PhaseTaskRetry,
			fmt.Sprintf("task %q: %d tests failing, targeted fix %d/%d",
				task.Name, result.Failed, attempt+1, e.maxRetries), task.ID)

		fixRes, err := e.generator.Execute(ctx, types.GenerateRequest{
			Prompt:     targetedFixPrompt(task, result),
			WorkingDir: e.workingDir,
		})
		if err != nil {
			return e.fail(task, fmt.Sprintf("targeted fix failed: %v", err))
		}
		if fixRes.RateLimitPaused {
			return &TaskOutcome{RateLimitPaused: true}
		}
		if !fixRes.Success {
			return e.fail(task, "targeted fix failed: "+fixRes.Error)
		}
	}
}

func (e *TaskExecutor) fail(task *types.Task, reason string) *TaskOutcome {
	e.reporter.EmitScoped(events.PhaseTaskFailed, fmt.Sprintf("task %q failed: %s", task.Name, reason), task.ID)
	return &TaskOutcome{Status: types.TaskFailed, Error: reason}
}

func taskPlanPrompt(state *types.ProjectState, milestone *types.Milestone, task *types.Task, milestonePlan string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan the implementation of one task in the project %q.\n\n", state.Name)
	fmt.Fprintf(&b, "PROJECT: %s\n\n", state.Description)
	fmt.Fprintf(&b, "MILESTONE: %s — %s\n\n", milestone.Name, milestone.Description)
	if milestonePlan != "" {
		fmt.Fprintf(&b, "MILESTONE PLAN:\n%s\n\n", milestonePlan)
	}
	fmt.Fprintf(&b, "TASK: %s — %s\n", task.Name, task.Description)
	if task.TestPlan != "" {
		fmt.Fprintf(&b, "TEST PLAN: %s\n", task.TestPlan)
	}
	b.WriteString("\n")

	if summaries := state.CompletedTaskSummaries(); len(summaries) > 0 {
		b.WriteString("ALREADY COMPLETED:\n")
		for _, s := range summaries {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}

	b.WriteString("Respond with a concrete implementation plan for this task only: files to create or change, and the approach per file. Do not implement yet.")
	return b.String()
}

func taskPlanContext(state *types.ProjectState, milestone *types.Milestone, task *types.Task) string {
	return fmt.Sprintf("Task %q in milestone %q of project %q. Task description: %s",
		task.Name, milestone.Name, state.Name, task.Description)
}

func taskImplementPrompt(task *types.Task, plan types.Plan) string {
	return fmt.Sprintf(`Implement the following approved plan for task %q. Follow it exactly;
do not expand its scope.

%s`, task.Name, plan.Content)
}

func targetedFixPrompt(task *types.Task, result *types.TestResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tests are failing after implementing task %q. Fix the implementation so they pass.\n\n", task.Name)
	if len(result.FailedTests) > 0 {
		b.WriteString("FAILING TESTS:\n")
		for _, name := range result.FailedTests {
			fmt.Fprintf(&b, "- %s\n", name)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "TEST OUTPUT:\n%s\n\n", result.Output)
	b.WriteString("Do not alter the tests unless a test itself is demonstrably wrong; fix the code under test.")
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
