package types

import (
	"time"
)

// PlanScope identifies which level of the hierarchy a plan belongs to
type PlanScope string

const (
	ScopeMilestone PlanScope = "milestone"
	ScopeTask      PlanScope = "task"
	ScopeBuildFix  PlanScope = "build-fix"
)

// IsValid checks if the scope value is valid
func (s PlanScope) IsValid() bool {
	return s == ScopeMilestone || s == ScopeTask || s == ScopeBuildFix
}

// Plan is the artifact under review. A plan is immutable per revision: a
// revision produces a new Plan value with Revision+1, never an in-place edit.
type Plan struct {
	Content   string    `json:"content"`
	Revision  int       `json:"revision"`
	Scope     PlanScope `json:"scope"`
	ScopeID   string    `json:"scope_id"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// WithRevision returns a new plan value carrying the revised content.
// The receiver is not modified.
func (p Plan) WithRevision(content string) Plan {
	return Plan{
		Content:   content,
		Revision:  p.Revision + 1,
		Scope:     p.Scope,
		ScopeID:   p.ScopeID,
		CreatedAt: time.Now(),
	}
}

// ReviewResult is one reviewer's (or one combined round's) verdict on a plan
type ReviewResult struct {
	Score           float64  `json:"score"`
	Analysis        string   `json:"analysis"`
	Concerns        []string `json:"concerns"`
	Recommendations []string `json:"recommendations"`
	Approved        bool     `json:"approved"`
	Reviewer        string   `json:"reviewer,omitempty"`
}

// ArbitrationResult is the arbitrator's verdict on a deadlocked run
type ArbitrationResult struct {
	Approved         bool     `json:"approved"`
	Score            float64  `json:"score"`
	CriticalConcerns []string `json:"critical_concerns"`
	MinorConcerns    []string `json:"minor_concerns"`
	SuggestedChanges []string `json:"suggested_changes"`
	Reasoning        string   `json:"reasoning"`
}

// ConsensusIteration is one entry in the append-only consensus log. Entries
// are never deleted; they feed stuck detection and post-hoc audit.
type ConsensusIteration struct {
	Iteration int          `json:"iteration"`
	Plan      Plan         `json:"plan"`
	Result    ReviewResult `json:"result"`
	Timestamp time.Time    `json:"timestamp"`
}

// ConsensusProcessResult is the terminal output of one consensus run.
//
// Best* fields are tracked independently of the final round: revision is not
// guaranteed to improve the plan, so the last round is not guaranteed best.
type ConsensusProcessResult struct {
	Approved        bool                 `json:"approved"`
	FinalPlan       Plan                 `json:"final_plan"`
	FinalScore      float64              `json:"final_score"`
	BestPlan        Plan                 `json:"best_plan"`
	BestScore       float64              `json:"best_score"`
	BestIteration   int                  `json:"best_iteration"`
	Iterations      []ConsensusIteration `json:"iterations"`
	Arbitrated      bool                 `json:"arbitrated"`
	TimedOut        bool                 `json:"timed_out,omitempty"`
	RateLimitPaused bool                 `json:"rate_limit_paused,omitempty"`
}

// ScoreHistory returns the round scores in order, for stuck detection
func (r *ConsensusProcessResult) ScoreHistory() []float64 {
	scores := make([]float64, 0, len(r.Iterations))
	for _, it := range r.Iterations {
		scores = append(scores, it.Result.Score)
	}
	return scores
}

// ExecutionResult is what every terminal path of the engine returns. The
// engine never panics outward; unexpected failures are converted into a
// result with Success=false and the last-known-good state attached.
type ExecutionResult struct {
	Success         bool          `json:"success"`
	State           *ProjectState `json:"state,omitempty"`
	Error           string        `json:"error,omitempty"`
	RateLimitPaused bool          `json:"rate_limit_paused,omitempty"`
}
