package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/forgelabs/forge/internal/events"
	"github.com/forgelabs/forge/internal/types"
)

// MemoryStore is an in-process Store used by tests and dry runs. It applies
// the same copy-on-read discipline as the SQLite backend so callers cannot
// alias persisted state.
type MemoryStore struct {
	mu          sync.Mutex
	state       []byte // JSON-encoded, mirrors the durable backends
	iterations  map[ScopeKey][]types.ConsensusIteration
	plans       map[ScopeKey][]types.Plan
	feedback    map[ScopeKey][]types.ReviewResult
	statuses    map[ScopeKey]string
	corrections map[ScopeKey][]types.ArbitrationResult
	events      []events.Event
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		iterations:  make(map[ScopeKey][]types.ConsensusIteration),
		plans:       make(map[ScopeKey][]types.Plan),
		feedback:    make(map[ScopeKey][]types.ReviewResult),
		statuses:    make(map[ScopeKey]string),
		corrections: make(map[ScopeKey][]types.ArbitrationResult),
	}
}

var _ Store = (*MemoryStore)(nil)

// Load returns the persisted state, or ErrNotFound
func (s *MemoryStore) Load(ctx context.Context) (*types.ProjectState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, ErrNotFound
	}
	var state types.ProjectState
	if err := json.Unmarshal(s.state, &state); err != nil {
		return nil, fmt.Errorf("failed to decode project state: %w", err)
	}
	return &state, nil
}

// Save atomically replaces the persisted state
func (s *MemoryStore) Save(ctx context.Context, state *types.ProjectState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode project state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = data
	return nil
}

// AppendConsensusIteration appends to the append-only consensus log
func (s *MemoryStore) AppendConsensusIteration(ctx context.Context, scope ScopeKey, iter types.ConsensusIteration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iterations[scope] = append(s.iterations[scope], iter)
	return nil
}

// ConsensusIterations returns logged iterations, oldest first
func (s *MemoryStore) ConsensusIterations(ctx context.Context, scope ScopeKey) ([]types.ConsensusIteration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ConsensusIteration, len(s.iterations[scope]))
	copy(out, s.iterations[scope])
	return out, nil
}

// AppendEvent records a progress event
func (s *MemoryStore) AppendEvent(ctx context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// SavePlan stores one plan revision
func (s *MemoryStore) SavePlan(ctx context.Context, scope ScopeKey, plan types.Plan, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[scope] = append(s.plans[scope], plan)
	return nil
}

// LatestPlan returns the most recent plan revision for a scope
func (s *MemoryStore) LatestPlan(ctx context.Context, scope ScopeKey) (*types.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plans := s.plans[scope]
	if len(plans) == 0 {
		return nil, ErrNotFound
	}
	plan := plans[len(plans)-1]
	return &plan, nil
}

// SaveFeedback stores one round's combined feedback
func (s *MemoryStore) SaveFeedback(ctx context.Context, scope ScopeKey, feedback types.ReviewResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback[scope] = append(s.feedback[scope], feedback)
	return nil
}

// ClearFeedback drops accumulated feedback for a scope
func (s *MemoryStore) ClearFeedback(ctx context.Context, scope ScopeKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.feedback, scope)
	return nil
}

// UpdateStatus records the scope's approval state
func (s *MemoryStore) UpdateStatus(ctx context.Context, scope ScopeKey, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[scope] = status
	return nil
}

// PlanStatus returns the recorded approval state, or ""
func (s *MemoryStore) PlanStatus(ctx context.Context, scope ScopeKey) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[scope], nil
}

// RecordCorrection records an arbitration override
func (s *MemoryStore) RecordCorrection(ctx context.Context, scope ScopeKey, correction types.ArbitrationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrections[scope] = append(s.corrections[scope], correction)
	return nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error { return nil }

// Plans returns stored plan revisions for a scope (test helper)
func (s *MemoryStore) Plans(scope ScopeKey) []types.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Plan, len(s.plans[scope]))
	copy(out, s.plans[scope])
	return out
}

// Feedback returns stored feedback for a scope (test helper)
func (s *MemoryStore) Feedback(scope ScopeKey) []types.ReviewResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ReviewResult, len(s.feedback[scope]))
	copy(out, s.feedback[scope])
	return out
}

// Status returns the recorded status for a scope (test helper)
func (s *MemoryStore) Status(scope ScopeKey) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[scope]
}

// Corrections returns recorded arbitration overrides (test helper)
func (s *MemoryStore) Corrections(scope ScopeKey) []types.ArbitrationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ArbitrationResult, len(s.corrections[scope]))
	copy(out, s.corrections[scope])
	return out
}

// Events returns recorded audit events (test helper)
func (s *MemoryStore) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.events))
	copy(out, s.events)
	return out
}
