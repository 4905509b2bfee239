package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/forgelabs/forge/internal/buildfix"
	"github.com/forgelabs/forge/internal/events"
	"github.com/forgelabs/forge/internal/gates"
	"github.com/forgelabs/forge/internal/storage"
	"github.com/forgelabs/forge/internal/types"
)

// GateRunner is the verification surface the engine drives. Satisfied by
// gates.Runner; narrowed for tests.
type GateRunner interface {
	RunBuild(ctx context.Context) *gates.Result
	RunQuality(ctx context.Context) *gates.Result
}

// FixLoop escalates a failing final build. Satisfied by buildfix.Loop.
type FixLoop interface {
	Run(ctx context.Context, buildOutput string) (*buildfix.Outcome, error)
}

// Engine is the top-level execution state machine. One engine drives one
// project; there is no cross-project or cross-milestone parallelism because
// every step mutates the same working tree.
type Engine struct {
	store        storage.Store
	generator    types.GenerationBackend
	consensus    PlanRunner
	orchestrator *Orchestrator
	gates        GateRunner
	fixLoop      FixLoop
	tests        types.TestRunner
	reporter     *events.Reporter
	workingDir   string
}

// NewEngine wires the execution state machine
func NewEngine(store storage.Store, generator types.GenerationBackend, consensus PlanRunner, gateRunner GateRunner, fixLoop FixLoop, tests types.TestRunner, reporter *events.Reporter, maxTaskRetries int, workingDir string) *Engine {
	e := &Engine{
		store:      store,
		generator:  generator,
		consensus:  consensus,
		gates:      gateRunner,
		fixLoop:    fixLoop,
		tests:      tests,
		reporter:   reporter,
		workingDir: workingDir,
	}
	taskExec := NewTaskExecutor(generator, consensus, tests, reporter, maxTaskRetries, workingDir)
	e.orchestrator = NewOrchestrator(taskExec, consensus, store, reporter, e.mutateState)
	return e
}

// mutateState is the single path for ProjectState writes: re-read the
// persisted aggregate, apply the mutation, save. Guards against stale writes
// if steps ever run concurrently.
func (e *Engine) mutateState(ctx context.Context, mutate func(*types.ProjectState) error) (*types.ProjectState, error) {
	state, err := e.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load project state: %w", err)
	}
	if err := mutate(state); err != nil {
		return nil, err
	}
	if err := e.store.Save(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to save project state: %w", err)
	}
	return state, nil
}

// Run drives the project from its persisted state to a terminal result. It
// always returns a result object: unexpected panics are caught here and
// converted into a structured failure carrying the last persisted state.
func (e *Engine) Run(ctx context.Context) (result *types.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			e.reporter.Emit(events.PhaseProjectFailed,
				fmt.Sprintf("unexpected panic: %v", r))
			state, _ := e.store.Load(ctx)
			result = &types.ExecutionResult{
				Success: false,
				State:   state,
				Error:   fmt.Sprintf("unexpected failure: %v\n%s", r, debug.Stack()),
			}
		}
	}()

	state, err := e.store.Load(ctx)
	if err != nil {
		return &types.ExecutionResult{Success: false, Error: fmt.Sprintf("failed to load project state: %v", err)}
	}
	if state.IsComplete() {
		return &types.ExecutionResult{Success: true, State: state}
	}

	// A paused or failed project resumes by re-entering the pipeline
	if state.Status != types.StatusInProgress {
		state, err = e.mutateState(ctx, func(s *types.ProjectState) error {
			s.Status = types.StatusInProgress
			s.Error = ""
			return nil
		})
		if err != nil {
			return e.failResult(ctx, err.Error())
		}
	}

	if state.Phase == types.PhasePlan {
		if res := e.runPlanPhase(ctx, state); res != nil {
			return res
		}
		state, err = e.store.Load(ctx)
		if err != nil {
			return e.failResult(ctx, err.Error())
		}
	}

	return e.runExecutionPhase(ctx, state)
}

// runPlanPhase produces an approved implementation plan per milestone, then
// advances the project to the execution phase. Milestones whose plan is
// already approved are skipped, so a resumed plan phase never re-plans.
func (e *Engine) runPlanPhase(ctx context.Context, state *types.ProjectState) *types.ExecutionResult {
	for i := range state.Milestones {
		milestone := &state.Milestones[i]
		scope := storage.ScopeKey{Scope: types.ScopeMilestone, ID: milestone.ID}

		status, err := e.store.PlanStatus(ctx, scope)
		if err != nil {
			return e.failResult(ctx, fmt.Sprintf("failed to check plan status: %v", err))
		}
		if status == "approved" {
			continue
		}

		gen, err := e.generator.Execute(ctx, types.GenerateRequest{
			Prompt:     milestonePlanPrompt(state, milestone),
			WorkingDir: e.workingDir,
		})
		if err != nil {
			return e.failResult(ctx, fmt.Sprintf("milestone %q planning failed: %v", milestone.Name, err))
		}
		if gen.RateLimitPaused {
			return e.pauseResult(ctx)
		}
		if !gen.Success || strings.TrimSpace(gen.Response) == "" {
			return e.failResult(ctx, fmt.Sprintf("milestone %q planning produced no plan: %s", milestone.Name, gen.Error))
		}

		plan := types.Plan{Content: gen.Response, Revision: 1, Scope: types.ScopeMilestone, ScopeID: milestone.ID}
		res, err := e.consensus.Run(ctx, plan, milestonePlanContext(state, milestone))
		if err != nil {
			return e.failResult(ctx, fmt.Sprintf("milestone %q plan consensus: %v", milestone.Name, err))
		}
		if res.RateLimitPaused {
			return e.pauseResult(ctx)
		}
		if !res.Approved {
			return e.failResult(ctx, fmt.Sprintf("milestone %q plan rejected (best score %.1f)", milestone.Name, res.BestScore))
		}
	}

	if _, err := e.mutateState(ctx, func(s *types.ProjectState) error {
		s.Phase = types.PhaseExecution
		return nil
	}); err != nil {
		return e.failResult(ctx, err.Error())
	}
	return nil
}

func (e *Engine) runExecutionPhase(ctx context.Context, state *types.ProjectState) *types.ExecutionResult {
	for _, milestone := range state.Milestones {
		if milestone.IsDone() {
			continue
		}

		outcome, err := e.orchestrator.Run(ctx, milestone.ID)
		if err != nil {
			return e.failResult(ctx, fmt.Sprintf("milestone %q: %v", milestone.Name, err))
		}
		if outcome.RateLimitPaused {
			return e.pausedExecutionResult(ctx)
		}
		if !outcome.Completed {
			// A milestone failure is fatal to the run; the failed milestone
			// and its failed tasks stay in state for a later resume.
			return e.failResult(ctx, fmt.Sprintf("milestone %q failed: %s", milestone.Name, outcome.Error))
		}
	}

	// UI/design setup is best-effort; only a rate limit stops the run
	if res := e.runDesignSetup(ctx); res != nil {
		return res
	}

	if res := e.verifyBuild(ctx); res != nil {
		return res
	}

	if res := e.verifyTests(ctx); res != nil {
		return res
	}

	quality := e.gates.RunQuality(ctx)
	if !quality.Passed {
		return e.failResult(ctx, fmt.Sprintf("quality verification failed: %v\n%s", quality.Error, quality.Output))
	}

	e.generateDocs(ctx)

	final, err := e.mutateState(ctx, func(s *types.ProjectState) error {
		s.MarkComplete()
		return nil
	})
	if err != nil {
		return e.failResult(ctx, err.Error())
	}

	e.reporter.Emit(events.PhaseProjectComplete, fmt.Sprintf("project %q complete", final.Name))
	return &types.ExecutionResult{Success: true, State: final}
}

// verifyBuild runs the final build gate: one direct fix attempt first, then
// escalation to the full build-fix loop.
func (e *Engine) verifyBuild(ctx context.Context) *types.ExecutionResult {
	build := e.gates.RunBuild(ctx)
	if build.Passed {
		return nil
	}

	e.reporter.Emit(events.PhaseBuildVerification, "final build failed, attempting direct fix")
	fix, err := e.generator.Execute(ctx, types.GenerateRequest{
		Prompt:     directBuildFixPrompt(build.Output),
		WorkingDir: e.workingDir,
	})
	if err == nil && fix.RateLimitPaused {
		return e.pauseResult(ctx)
	}
	if err == nil && fix.Success {
		if build = e.gates.RunBuild(ctx); build.Passed {
			return nil
		}
	}

	e.reporter.Emit(events.PhaseBuildFixStep, "direct fix insufficient, escalating to build-fix loop")
	outcome, err := e.fixLoop.Run(ctx, build.Output)
	if err != nil {
		return e.failResult(ctx, fmt.Sprintf("build-fix loop: %v", err))
	}
	if outcome.RateLimitPaused {
		return e.pauseResult(ctx)
	}
	if !outcome.Fixed {
		// Phase stays execution: a resume re-enters here and retries the
		// build rather than drifting toward a false complete.
		return e.failResult(ctx, "final build failed: "+outcome.Error)
	}
	return nil
}

func (e *Engine) verifyTests(ctx context.Context) *types.ExecutionResult {
	state, err := e.store.Load(ctx)
	if err != nil {
		return e.failResult(ctx, err.Error())
	}
	if !gates.HasTests(e.workingDir, state.Language) {
		return nil
	}

	e.reporter.Emit(events.PhaseTestVerification, "running full test suite")
	result, err := e.tests.Run(ctx, e.workingDir, state.Language)
	if err != nil && result == nil {
		return e.failResult(ctx, fmt.Sprintf("test verification failed to run: %v", err))
	}
	if !result.Success {
		return e.failResult(ctx, fmt.Sprintf("test verification failed: %d of %d tests failing (%s)",
			result.Failed, result.Total, strings.Join(result.FailedTests, ", ")))
	}
	return nil
}

func (e *Engine) runDesignSetup(ctx context.Context) *types.ExecutionResult {
	state, err := e.store.Load(ctx)
	if err != nil {
		return e.failResult(ctx, err.Error())
	}

	res, err := e.generator.Execute(ctx, types.GenerateRequest{
		Prompt:     designSetupPrompt(state),
		WorkingDir: e.workingDir,
	})
	if err != nil {
		e.reporter.Emit(events.PhaseBuildVerification, fmt.Sprintf("design setup skipped: %v", err))
		return nil
	}
	if res.RateLimitPaused {
		return e.pauseResult(ctx)
	}
	if !res.Success {
		e.reporter.Emit(events.PhaseBuildVerification, "design setup failed, continuing: "+res.Error)
	}
	return nil
}

// generateDocs is best-effort; the project completes with or without docs
func (e *Engine) generateDocs(ctx context.Context) {
	state, err := e.store.Load(ctx)
	if err != nil {
		return
	}
	res, err := e.generator.Execute(ctx, types.GenerateRequest{
		Prompt:     docsPrompt(state),
		WorkingDir: e.workingDir,
	})
	if err != nil || !res.Success {
		e.reporter.Emit(events.PhaseProjectComplete, "documentation generation skipped")
	}
}

func (e *Engine) failResult(ctx context.Context, reason string) *types.ExecutionResult {
	state, err := e.mutateState(ctx, func(s *types.ProjectState) error {
		s.MarkFailed(reason)
		return nil
	})
	if err != nil {
		state, _ = e.store.Load(ctx)
	}
	e.reporter.Emit(events.PhaseProjectFailed, reason)
	return &types.ExecutionResult{Success: false, State: state, Error: reason}
}

// pauseResult persists the pause and reports it upward as a control signal
func (e *Engine) pauseResult(ctx context.Context) *types.ExecutionResult {
	state, err := e.mutateState(ctx, func(s *types.ProjectState) error {
		s.MarkPaused()
		return nil
	})
	if err != nil {
		state, _ = e.store.Load(ctx)
	}
	e.reporter.Emit(events.PhaseRateLimitPause, "rate limited; state persisted for external resume")
	return &types.ExecutionResult{Success: false, State: state, RateLimitPaused: true}
}

// pausedExecutionResult reports a pause the orchestrator already persisted
func (e *Engine) pausedExecutionResult(ctx context.Context) *types.ExecutionResult {
	state, _ := e.store.Load(ctx)
	e.reporter.Emit(events.PhaseRateLimitPause, "rate limited; state persisted for external resume")
	return &types.ExecutionResult{Success: false, State: state, RateLimitPaused: true}
}

func milestonePlanPrompt(state *types.ProjectState, milestone *types.Milestone) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan the implementation of milestone %q in project %q.\n\n", milestone.Name, state.Name)
	fmt.Fprintf(&b, "PROJECT: %s\n\n", state.Description)
	fmt.Fprintf(&b, "MILESTONE GOAL: %s\n\nTASKS:\n", milestone.Description)
	for _, t := range milestone.Tasks {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	b.WriteString("\nRespond with an implementation plan covering the architecture and approach for this milestone. Do not implement yet.")
	return b.String()
}

func milestonePlanContext(state *types.ProjectState, milestone *types.Milestone) string {
	return fmt.Sprintf("Milestone %q of project %q (%s). Goal: %s",
		milestone.Name, state.Name, state.Language, milestone.Description)
}

func directBuildFixPrompt(buildOutput string) string {
	return fmt.Sprintf(`The final project build is failing. Fix the build errors directly.

BUILD OUTPUT:
%s

Fix only what the errors require; do not refactor.`, buildOutput)
}

func designSetupPrompt(state *types.ProjectState) string {
	return fmt.Sprintf(`Review the project %q for UI and design consistency. Apply any missing
styling, layout scaffolding, or design conventions the project calls for.
Skip this entirely if the project has no user-facing surface.

PROJECT: %s`, state.Name, state.Description)
}

func docsPrompt(state *types.ProjectState) string {
	return fmt.Sprintf(`Write or update the README for project %q: what it does, how to build
and run it, and its structure. Keep it factual and concise.

PROJECT: %s`, state.Name, state.Description)
}
