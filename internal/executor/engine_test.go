package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelabs/forge/internal/buildfix"
	"github.com/forgelabs/forge/internal/events"
	"github.com/forgelabs/forge/internal/gates"
	"github.com/forgelabs/forge/internal/storage"
	"github.com/forgelabs/forge/internal/types"
)

// fakeGates returns queued build results, then passes everything
type fakeGates struct {
	buildQueue []*gates.Result
	buildCalls int
	quality    *gates.Result
}

func (f *fakeGates) RunBuild(context.Context) *gates.Result {
	f.buildCalls++
	if len(f.buildQueue) == 0 {
		return &gates.Result{Gate: gates.GateBuild, Passed: true}
	}
	res := f.buildQueue[0]
	f.buildQueue = f.buildQueue[1:]
	return res
}

func (f *fakeGates) RunQuality(context.Context) *gates.Result {
	if f.quality != nil {
		return f.quality
	}
	return &gates.Result{Gate: gates.GateQuality, Passed: true}
}

type fakeFixLoop struct {
	outcome *buildfix.Outcome
	calls   int
}

func (f *fakeFixLoop) Run(context.Context, string) (*buildfix.Outcome, error) {
	f.calls++
	if f.outcome != nil {
		return f.outcome, nil
	}
	return &buildfix.Outcome{Fixed: true}, nil
}

func planPhaseState() *types.ProjectState {
	state, _, _ := testState()
	state.Phase = types.PhasePlan
	state.Milestones[0].Status = types.MilestonePending
	state.Milestones[0].Tasks[0].Status = types.TaskPending
	return state
}

func newTestExecEngine(t *testing.T, store storage.Store, gen *fakeGen, cons PlanRunner, gateRunner *fakeGates, fixLoop *fakeFixLoop) *Engine {
	t.Helper()
	return NewEngine(store, gen, cons, gateRunner, fixLoop, &fakeTests{},
		events.NewReporter(100), 3, t.TempDir())
}

func TestEngineRunsProjectToCompletion(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), planPhaseState()))

	gen := &fakeGen{}
	cons := &approvingConsensus{}
	engine := newTestExecEngine(t, store, gen, cons, &fakeGates{}, &fakeFixLoop{})

	result := engine.Run(context.Background())
	require.True(t, result.Success, "error: %s", result.Error)
	require.NotNil(t, result.State)
	assert.True(t, result.State.IsComplete())
	require.NoError(t, result.State.Validate())

	final, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.PhaseComplete, final.Phase)
	assert.Equal(t, types.StatusComplete, final.Status)
	assert.True(t, final.Milestones[0].IsDone())

	// Milestone plan + 2 task plans + completion review
	assert.Equal(t, 4, cons.planCount())
	assert.Equal(t, types.ScopeMilestone, cons.plans[0].Scope)
}

func TestEngineAlreadyCompleteIsNoOp(t *testing.T) {
	store := storage.NewMemoryStore()
	state := planPhaseState()
	state.MarkComplete()
	require.NoError(t, store.Save(context.Background(), state))

	gen := &fakeGen{}
	cons := &approvingConsensus{}
	engine := newTestExecEngine(t, store, gen, cons, &fakeGates{}, &fakeFixLoop{})

	result := engine.Run(context.Background())
	assert.True(t, result.Success)
	assert.Equal(t, 0, gen.promptCount(), "no backend calls for a finished project")
	assert.Equal(t, 0, cons.planCount())
}

func TestEngineSkipsDoneMilestonesOnResume(t *testing.T) {
	store := storage.NewMemoryStore()
	state := planPhaseState()
	state.Phase = types.PhaseExecution
	state.Status = types.StatusPaused
	state.Milestones[0].Status = types.MilestoneComplete
	state.Milestones[0].CompletionApproved = true
	for i := range state.Milestones[0].Tasks {
		state.Milestones[0].Tasks[i].Status = types.TaskComplete
	}
	require.NoError(t, store.Save(context.Background(), state))

	cons := &approvingConsensus{}
	engine := newTestExecEngine(t, store, &fakeGen{}, cons, &fakeGates{}, &fakeFixLoop{})

	result := engine.Run(context.Background())
	require.True(t, result.Success)
	assert.True(t, result.State.IsComplete())
	assert.Equal(t, 0, cons.planCount(), "done milestone is not re-reviewed")
}

func TestEnginePlanPhaseSkipsApprovedMilestonePlans(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), planPhaseState()))
	scope := storage.ScopeKey{Scope: types.ScopeMilestone, ID: "m1"}
	require.NoError(t, store.UpdateStatus(context.Background(), scope, "approved"))

	cons := &approvingConsensus{}
	engine := newTestExecEngine(t, store, &fakeGen{}, cons, &fakeGates{}, &fakeFixLoop{})

	result := engine.Run(context.Background())
	require.True(t, result.Success)
	// 2 task plans + completion review, but no milestone plan consensus
	assert.Equal(t, 3, cons.planCount())
	for _, p := range cons.plans {
		assert.NotEqual(t, "m1", p.ScopeID)
	}
}

func TestEngineMilestonePlanRejectionFailsRun(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), planPhaseState()))

	cons := &approvingConsensus{results: []*types.ConsensusProcessResult{
		{Approved: false, BestScore: 45},
	}}
	engine := newTestExecEngine(t, store, &fakeGen{}, cons, &fakeGates{}, &fakeFixLoop{})

	result := engine.Run(context.Background())
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "plan rejected")

	final, _ := store.Load(context.Background())
	assert.Equal(t, types.StatusFailed, final.Status)
	assert.Equal(t, types.PhasePlan, final.Phase, "phase preserved for resume")
}

func TestEngineDirectBuildFixRecovers(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), planPhaseState()))

	gateRunner := &fakeGates{buildQueue: []*gates.Result{
		{Gate: gates.GateBuild, Passed: false, Output: "main.go:3:1: missing return"},
		{Gate: gates.GateBuild, Passed: true},
	}}
	fixLoop := &fakeFixLoop{}
	engine := newTestExecEngine(t, store, &fakeGen{}, &approvingConsensus{}, gateRunner, fixLoop)

	result := engine.Run(context.Background())
	require.True(t, result.Success, "error: %s", result.Error)
	assert.Equal(t, 2, gateRunner.buildCalls)
	assert.Equal(t, 0, fixLoop.calls, "escalation only after the direct fix fails")
}

func TestEngineEscalatesToBuildFixLoop(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), planPhaseState()))

	gateRunner := &fakeGates{buildQueue: []*gates.Result{
		{Gate: gates.GateBuild, Passed: false, Output: "main.go:3:1: boom"},
		{Gate: gates.GateBuild, Passed: false, Output: "main.go:3:1: boom"},
	}}
	fixLoop := &fakeFixLoop{}
	engine := newTestExecEngine(t, store, &fakeGen{}, &approvingConsensus{}, gateRunner, fixLoop)

	result := engine.Run(context.Background())
	require.True(t, result.Success, "error: %s", result.Error)
	assert.Equal(t, 1, fixLoop.calls)
}

func TestEngineBuildFixFailureMarksProjectFailedButResumable(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), planPhaseState()))

	gateRunner := &fakeGates{buildQueue: []*gates.Result{
		{Gate: gates.GateBuild, Passed: false, Output: "main.go:1:1: broken"},
		{Gate: gates.GateBuild, Passed: false, Output: "main.go:1:1: broken"},
	}}
	fixLoop := &fakeFixLoop{outcome: &buildfix.Outcome{Fixed: false, Error: "rebuild failed"}}
	engine := newTestExecEngine(t, store, &fakeGen{}, &approvingConsensus{}, gateRunner, fixLoop)

	result := engine.Run(context.Background())
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "final build failed")

	final, _ := store.Load(context.Background())
	assert.Equal(t, types.StatusFailed, final.Status)
	assert.Equal(t, types.PhaseExecution, final.Phase,
		"a resume retries verification instead of drifting to complete")
	assert.False(t, final.IsComplete())
}

func TestEngineQualityFailureBlocksCompletion(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), planPhaseState()))

	gateRunner := &fakeGates{quality: &gates.Result{Gate: gates.GateQuality, Passed: false, Output: "vet: unreachable code"}}
	engine := newTestExecEngine(t, store, &fakeGen{}, &approvingConsensus{}, gateRunner, &fakeFixLoop{})

	result := engine.Run(context.Background())
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "quality verification failed")

	final, _ := store.Load(context.Background())
	assert.False(t, final.IsComplete())
}

func TestEngineRateLimitDuringPlanPhasePauses(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), planPhaseState()))

	gen := &fakeGen{queue: []*types.GenerateResult{{RateLimitPaused: true}}}
	engine := newTestExecEngine(t, store, gen, &approvingConsensus{}, &fakeGates{}, &fakeFixLoop{})

	result := engine.Run(context.Background())
	assert.False(t, result.Success)
	assert.True(t, result.RateLimitPaused)
	assert.Empty(t, result.Error, "a pause carries no error")

	final, _ := store.Load(context.Background())
	assert.Equal(t, types.StatusPaused, final.Status)
	assert.Equal(t, types.PhasePlan, final.Phase)
}

func TestEnginePanicBecomesStructuredFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), planPhaseState()))

	engine := newTestExecEngine(t, store, &fakeGen{}, &panickingConsensus{}, &fakeGates{}, &fakeFixLoop{})

	var result *types.ExecutionResult
	assert.NotPanics(t, func() {
		result = engine.Run(context.Background())
	})
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unexpected failure")
	assert.NotNil(t, result.State, "last persisted state attached")
}

type panickingConsensus struct{}

func (p *panickingConsensus) Run(context.Context, types.Plan, string) (*types.ConsensusProcessResult, error) {
	panic("reviewer registry corrupted")
}
