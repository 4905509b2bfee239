package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{
			name:    "valid task",
			task:    Task{ID: "t1", Name: "implement parser", Status: TaskPending},
			wantErr: false,
		},
		{
			name:    "missing name",
			task:    Task{ID: "t1", Status: TaskPending},
			wantErr: true,
		},
		{
			name:    "invalid status",
			task:    Task{ID: "t1", Name: "x", Status: TaskStatus("bogus")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.False(t, TaskPending.IsTerminal())
	assert.False(t, TaskInProgress.IsTerminal())
	assert.True(t, TaskComplete.IsTerminal())
	assert.True(t, TaskFailed.IsTerminal())
}

func TestMilestoneIsDone(t *testing.T) {
	m := Milestone{Status: MilestoneComplete}
	assert.False(t, m.IsDone(), "complete without approval is not done")

	m.CompletionApproved = true
	assert.True(t, m.IsDone())

	m.Status = MilestoneInProgress
	assert.False(t, m.IsDone(), "approval without complete status is not done")
}

func TestProjectStateCompletionInvariant(t *testing.T) {
	state := &ProjectState{
		Name:   "demo",
		Phase:  PhaseExecution,
		Status: StatusInProgress,
	}
	require.NoError(t, state.Validate())

	// Phase complete without status complete must fail validation,
	// and vice versa.
	state.Phase = PhaseComplete
	assert.Error(t, state.Validate())

	state.Phase = PhaseExecution
	state.Status = StatusComplete
	assert.Error(t, state.Validate())

	// MarkComplete is the only path that sets both.
	state.Phase = PhaseExecution
	state.Status = StatusInProgress
	state.MarkComplete()
	assert.True(t, state.IsComplete())
	assert.NoError(t, state.Validate())
}

func TestMarkFailedPreservesPhase(t *testing.T) {
	state := &ProjectState{Name: "demo", Phase: PhaseExecution, Status: StatusInProgress}
	state.MarkFailed("build broke")

	assert.Equal(t, PhaseExecution, state.Phase, "failure must not advance the phase")
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, "build broke", state.Error)
	assert.False(t, state.IsComplete())
}

func TestMarkPausedIsNotFailure(t *testing.T) {
	state := &ProjectState{Name: "demo", Phase: PhaseExecution, Status: StatusInProgress}
	state.CurrentMilestone = "m1"
	state.CurrentTask = "t3"
	state.MarkPaused()

	assert.Equal(t, StatusPaused, state.Status)
	assert.Equal(t, "m1", state.CurrentMilestone, "pause must keep resume pointers")
	assert.Equal(t, "t3", state.CurrentTask)
	assert.Empty(t, state.Error)
}

func TestPlanWithRevision(t *testing.T) {
	p := Plan{Content: "v1", Revision: 3, Scope: ScopeTask, ScopeID: "t1", Score: 72}

	next := p.WithRevision("v2")
	assert.Equal(t, 4, next.Revision)
	assert.Equal(t, "v2", next.Content)
	assert.Equal(t, ScopeTask, next.Scope)
	assert.Equal(t, "t1", next.ScopeID)
	assert.Zero(t, next.Score, "new revision starts unscored")

	// Receiver untouched
	assert.Equal(t, 3, p.Revision)
	assert.Equal(t, "v1", p.Content)
}

func TestConsensusProcessResultScoreHistory(t *testing.T) {
	r := ConsensusProcessResult{
		Iterations: []ConsensusIteration{
			{Iteration: 1, Result: ReviewResult{Score: 70}},
			{Iteration: 2, Result: ReviewResult{Score: 85}},
			{Iteration: 3, Result: ReviewResult{Score: 82}},
		},
	}
	assert.Equal(t, []float64{70, 85, 82}, r.ScoreHistory())
}

func TestCompletedTaskSummaries(t *testing.T) {
	state := &ProjectState{
		Milestones: []Milestone{
			{
				Name: "core",
				Tasks: []Task{
					{Name: "parser", Description: "tokenize input", Status: TaskComplete},
					{Name: "eval", Description: "walk the AST", Status: TaskPending},
				},
			},
			{
				Name: "cli",
				Tasks: []Task{
					{Name: "flags", Description: "argument parsing", Status: TaskComplete},
				},
			},
		},
	}

	summaries := state.CompletedTaskSummaries()
	require.Len(t, summaries, 2)
	assert.Contains(t, summaries[0], "parser")
	assert.Contains(t, summaries[1], "flags")
}

func TestNewProjectState(t *testing.T) {
	spec := &ProjectSpec{
		Name: "demo",
		Milestones: []MilestoneSpec{
			{Name: "m1", Tasks: []TaskSpec{{Name: "a"}, {Name: "b"}}},
		},
	}
	require.NoError(t, spec.Validate())

	state := NewProjectState(spec)
	assert.Equal(t, PhasePlan, state.Phase)
	assert.Equal(t, StatusInProgress, state.Status)
	require.Len(t, state.Milestones, 1)
	require.Len(t, state.Milestones[0].Tasks, 2)
	assert.NotEmpty(t, state.Milestones[0].ID)
	assert.NotEqual(t, state.Milestones[0].Tasks[0].ID, state.Milestones[0].Tasks[1].ID)
	assert.NoError(t, state.Validate())
}

func TestProjectSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    ProjectSpec
		wantErr bool
	}{
		{
			name: "valid",
			spec: ProjectSpec{
				Name:       "demo",
				Milestones: []MilestoneSpec{{Name: "m", Tasks: []TaskSpec{{Name: "t"}}}},
			},
		},
		{
			name:    "no name",
			spec:    ProjectSpec{Milestones: []MilestoneSpec{{Name: "m", Tasks: []TaskSpec{{Name: "t"}}}}},
			wantErr: true,
		},
		{
			name:    "no milestones",
			spec:    ProjectSpec{Name: "demo"},
			wantErr: true,
		},
		{
			name:    "milestone without tasks",
			spec:    ProjectSpec{Name: "demo", Milestones: []MilestoneSpec{{Name: "m"}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
