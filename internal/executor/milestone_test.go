package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelabs/forge/internal/events"
	"github.com/forgelabs/forge/internal/storage"
	"github.com/forgelabs/forge/internal/types"
)

func newMutator(store storage.Store) StateMutator {
	return func(ctx context.Context, mutate func(*types.ProjectState) error) (*types.ProjectState, error) {
		state, err := store.Load(ctx)
		if err != nil {
			return nil, err
		}
		if err := mutate(state); err != nil {
			return nil, err
		}
		if err := store.Save(ctx, state); err != nil {
			return nil, err
		}
		return state, nil
	}
}

func seedState(t *testing.T, store storage.Store) *types.ProjectState {
	t.Helper()
	state, _, _ := testState()
	require.NoError(t, store.Save(context.Background(), state))
	return state
}

func newOrchestrator(store storage.Store, gen *fakeGen, cons *approvingConsensus, workingDir string) *Orchestrator {
	reporter := events.NewReporter(50)
	tasks := NewTaskExecutor(gen, cons, &fakeTests{}, reporter, 3, workingDir)
	return NewOrchestrator(tasks, cons, store, reporter, newMutator(store))
}

func TestOrchestratorCompletesMilestone(t *testing.T) {
	store := storage.NewMemoryStore()
	seedState(t, store)
	cons := &approvingConsensus{}
	o := newOrchestrator(store, &fakeGen{}, cons, t.TempDir())

	outcome, err := o.Run(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, outcome.Completed)

	final, err := store.Load(context.Background())
	require.NoError(t, err)
	m := final.Milestone("m1")
	assert.True(t, m.IsDone())
	assert.True(t, m.CompletionApproved)
	for _, task := range m.Tasks {
		assert.Equal(t, types.TaskComplete, task.Status)
	}

	// Two task plans plus the completion review
	require.Equal(t, 3, cons.planCount())
	last := cons.plans[2]
	assert.Equal(t, types.ScopeMilestone, last.Scope)
	assert.Equal(t, "m1:completion", last.ScopeID)
}

func TestOrchestratorSkipsTerminalTasks(t *testing.T) {
	store := storage.NewMemoryStore()
	state, _, _ := testState()
	state.Milestones[0].Tasks[0].Status = types.TaskComplete
	require.NoError(t, store.Save(context.Background(), state))

	gen := &fakeGen{}
	cons := &approvingConsensus{}
	o := newOrchestrator(store, gen, cons, t.TempDir())

	outcome, err := o.Run(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, outcome.Completed)

	// Only t2 was planned and implemented, plus one completion review:
	// resuming a milestone never re-executes completed work.
	assert.Equal(t, 2, cons.planCount())
	assert.Equal(t, "t2", cons.plans[0].ScopeID)
}

func TestOrchestratorTaskFailureContinuesThenFailsMilestone(t *testing.T) {
	store := storage.NewMemoryStore()
	seedState(t, store)

	// First task's plan is rejected; the second task still runs
	cons := &approvingConsensus{results: []*types.ConsensusProcessResult{
		{Approved: false, BestScore: 40},
	}}
	o := newOrchestrator(store, &fakeGen{}, cons, t.TempDir())

	outcome, err := o.Run(context.Background(), "m1")
	require.NoError(t, err)
	assert.False(t, outcome.Completed)
	assert.Contains(t, outcome.Error, "1 task(s) failed")
	assert.Contains(t, outcome.Error, "parser")

	final, err := store.Load(context.Background())
	require.NoError(t, err)
	m := final.Milestone("m1")
	assert.Equal(t, types.MilestoneFailed, m.Status)
	assert.Equal(t, types.TaskFailed, m.Tasks[0].Status)
	assert.Equal(t, types.TaskComplete, m.Tasks[1].Status, "independent task still evaluated")
	assert.False(t, m.CompletionApproved)
}

func TestOrchestratorRateLimitPausesAndPersists(t *testing.T) {
	store := storage.NewMemoryStore()
	seedState(t, store)

	gen := &fakeGen{queue: []*types.GenerateResult{{RateLimitPaused: true}}}
	o := newOrchestrator(store, gen, &approvingConsensus{}, t.TempDir())

	outcome, err := o.Run(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, outcome.RateLimitPaused)
	assert.Empty(t, outcome.Error, "a pause is not a failure")

	final, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, final.Status)
	assert.NotEqual(t, types.PhaseComplete, final.Phase)
}

func TestOrchestratorRejectedCompletionReviewFailsMilestone(t *testing.T) {
	store := storage.NewMemoryStore()
	seedState(t, store)

	// Both task plans approved, completion review rejected
	approve := &types.ConsensusProcessResult{Approved: true, FinalScore: 96}
	cons := &approvingConsensus{results: []*types.ConsensusProcessResult{
		approve, approve,
		{Approved: false, BestScore: 70},
	}}
	o := newOrchestrator(store, &fakeGen{}, cons, t.TempDir())

	outcome, err := o.Run(context.Background(), "m1")
	require.NoError(t, err)
	assert.False(t, outcome.Completed)
	assert.Contains(t, outcome.Error, "completion review rejected")

	final, _ := store.Load(context.Background())
	assert.False(t, final.Milestone("m1").IsDone())
}

func TestOrchestratorUsesStoredMilestonePlan(t *testing.T) {
	store := storage.NewMemoryStore()
	seedState(t, store)
	require.NoError(t, store.SavePlan(context.Background(),
		storage.ScopeKey{Scope: types.ScopeMilestone, ID: "m1"},
		types.Plan{Content: "approved milestone architecture", Revision: 1}, nil))

	gen := &fakeGen{}
	o := newOrchestrator(store, gen, &approvingConsensus{}, t.TempDir())

	_, err := o.Run(context.Background(), "m1")
	require.NoError(t, err)
	require.NotEmpty(t, gen.prompts)
	assert.Contains(t, gen.prompts[0], "approved milestone architecture")
}
