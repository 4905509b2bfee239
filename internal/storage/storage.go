// Package storage defines the persistence collaborators for the execution
// engine: a ProjectStateStore for the resumable project tree and a PlanStore
// for plan revisions and reviewer feedback. The engine persists after every
// meaningful transition so a crash or rate-limit pause can resume from the
// last saved state.
package storage

import (
	"context"
	"errors"

	"github.com/forgelabs/forge/internal/events"
	"github.com/forgelabs/forge/internal/types"
)

// ErrNotFound is returned when no project state has been persisted yet
var ErrNotFound = errors.New("project state not found")

// ScopeKey addresses plan-store records by owning scope
type ScopeKey struct {
	Scope types.PlanScope
	ID    string // milestone or task ID
}

// ProjectStateStore persists the project tree. Save must be atomic: a crash
// mid-save must leave either the previous or the new state readable, never a
// torn write.
type ProjectStateStore interface {
	// Load returns the persisted state, or ErrNotFound
	Load(ctx context.Context) (*types.ProjectState, error)

	// Save atomically replaces the persisted state
	Save(ctx context.Context, state *types.ProjectState) error

	// AppendConsensusIteration appends to the append-only consensus log
	AppendConsensusIteration(ctx context.Context, scope ScopeKey, iter types.ConsensusIteration) error

	// ConsensusIterations returns the logged iterations for a scope, oldest first
	ConsensusIterations(ctx context.Context, scope ScopeKey) ([]types.ConsensusIteration, error)

	// AppendEvent records a progress event for post-hoc audit
	AppendEvent(ctx context.Context, ev events.Event) error
}

// PlanStore persists plan versions, per-round feedback, and approval state
type PlanStore interface {
	// SavePlan stores one plan revision
	SavePlan(ctx context.Context, scope ScopeKey, plan types.Plan, metadata map[string]string) error

	// LatestPlan returns the most recent plan revision for a scope, or
	// ErrNotFound when none has been saved
	LatestPlan(ctx context.Context, scope ScopeKey) (*types.Plan, error)

	// SaveFeedback stores one round's combined review feedback
	SaveFeedback(ctx context.Context, scope ScopeKey, feedback types.ReviewResult) error

	// ClearFeedback removes accumulated feedback once a plan is accepted
	ClearFeedback(ctx context.Context, scope ScopeKey) error

	// UpdateStatus records the scope's approval state
	UpdateStatus(ctx context.Context, scope ScopeKey, status string) error

	// PlanStatus returns the recorded approval state, or "" when unset
	PlanStatus(ctx context.Context, scope ScopeKey) (string, error)

	// RecordCorrection records an arbitration override for audit
	RecordCorrection(ctx context.Context, scope ScopeKey, correction types.ArbitrationResult) error
}

// Store combines both persistence collaborators; the SQLite backend
// implements the whole of it.
type Store interface {
	ProjectStateStore
	PlanStore

	// Close releases the underlying resources
	Close() error
}
