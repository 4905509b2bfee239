// Package events defines the structured progress events the engine emits.
// The progress stream is the sole observability channel the core exposes:
// every significant transition (round start, score received, stuck detected,
// arbitration invoked, revision applied, task/milestone complete, build-fix
// step) produces exactly one event.
package events

import (
	"sync"
	"time"
)

// Phase identifies which part of the engine emitted an event
type Phase string

const (
	// Consensus protocol phases
	PhaseRoundStarted       Phase = "round_started"
	PhaseScoreReceived      Phase = "score_received"
	PhaseReviewerFailed     Phase = "reviewer_failed"
	PhasePlanAccepted       Phase = "plan_accepted"
	PhaseStuckDetected      Phase = "stuck_detected"
	PhaseArbitrationInvoked Phase = "arbitration_invoked"
	PhaseArbitrationVerdict Phase = "arbitration_verdict"
	PhaseRevisionApplied    Phase = "revision_applied"
	PhaseRevisionFailed     Phase = "revision_failed"
	PhaseConsensusTimeout   Phase = "consensus_timeout"
	PhaseConsensusResumed   Phase = "consensus_resumed"

	// Task and milestone phases
	PhaseTaskStarted       Phase = "task_started"
	PhaseTaskRetry         Phase = "task_retry"
	PhaseTaskComplete      Phase = "task_complete"
	PhaseTaskFailed        Phase = "task_failed"
	PhaseMilestoneStarted  Phase = "milestone_started"
	PhaseMilestoneReview   Phase = "milestone_review"
	PhaseMilestoneComplete Phase = "milestone_complete"

	// Verification and build-fix phases
	PhaseBuildVerification   Phase = "build_verification"
	PhaseBuildFixStep        Phase = "build_fix_step"
	PhaseTestVerification    Phase = "test_verification"
	PhaseQualityVerification Phase = "quality_verification"

	// Terminal phases
	PhaseRateLimitPause  Phase = "rate_limit_pause"
	PhaseProjectComplete Phase = "project_complete"
	PhaseProjectFailed   Phase = "project_failed"
)

// Event is one progress notification
type Event struct {
	Phase     Phase     `json:"phase"`
	Message   string    `json:"message"`
	Scope     string    `json:"scope,omitempty"` // milestone/task ID when applicable
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives progress events. Handlers must not block: the engine
// emits inline from the execution path.
type Handler func(Event)

// Reporter fans events out to registered handlers. The zero value discards
// everything, so components can emit unconditionally.
type Reporter struct {
	mu       sync.Mutex
	handlers []Handler
	history  []Event
	keep     int
}

// NewReporter creates a reporter that retains up to keep recent events for
// inspection (0 disables retention).
func NewReporter(keep int) *Reporter {
	return &Reporter{keep: keep}
}

// Subscribe registers a handler for all future events
func (r *Reporter) Subscribe(h Handler) {
	if r == nil || h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Emit publishes one event to all handlers
func (r *Reporter) Emit(phase Phase, message string) {
	r.EmitScoped(phase, message, "")
}

// EmitScoped publishes one event tagged with a milestone or task ID
func (r *Reporter) EmitScoped(phase Phase, message, scope string) {
	if r == nil {
		return
	}
	ev := Event{Phase: phase, Message: message, Scope: scope, Timestamp: time.Now()}

	r.mu.Lock()
	handlers := make([]Handler, len(r.handlers))
	copy(handlers, r.handlers)
	if r.keep > 0 {
		r.history = append(r.history, ev)
		if len(r.history) > r.keep {
			r.history = r.history[len(r.history)-r.keep:]
		}
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Recent returns a copy of the retained event history
func (r *Reporter) Recent() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.history))
	copy(out, r.history)
	return out
}
