package types

import "context"

// GenerateRequest carries one prompt to the generation backend
type GenerateRequest struct {
	Prompt     string // Full prompt text
	Context    string // Supporting context appended to the prompt
	WorkingDir string // Project tree the backend may modify
}

// GenerateResult is the generation backend's response. RateLimitPaused is a
// control signal, not an error: the caller must persist state and return a
// paused result instead of retrying.
type GenerateResult struct {
	Success         bool
	Response        string
	Error           string
	RateLimitPaused bool
}

// GenerationBackend produces or modifies source files in a working directory.
// Implementations typically spawn a coding agent CLI.
type GenerationBackend interface {
	Execute(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// ReviewConfig tunes a single review call
type ReviewConfig struct {
	Threshold float64 // Score at or above which the reviewer should approve
}

// ReviewerBackend scores a plan. One engine run may fan out to several
// reviewers concurrently; a failing reviewer is excluded from the round, not
// fatal to it.
type ReviewerBackend interface {
	// Name identifies the reviewer in combined analysis and logs
	Name() string
	Review(ctx context.Context, plan Plan, context string, cfg ReviewConfig) (*ReviewResult, error)
}

// ArbitrationRequest carries everything the arbitrator needs to break a
// deadlocked consensus run.
type ArbitrationRequest struct {
	Plan          Plan
	Feedback      string    // Combined reviewer feedback from the latest round
	AgentFeedback string    // Latest analysis text from the generation side
	Iteration     int       // Rounds completed so far
	Scores        []float64 // Full score history
}

// ArbitratorBackend breaks deadlocks when consensus rounds stop converging
type ArbitratorBackend interface {
	Arbitrate(ctx context.Context, req ArbitrationRequest) (*ArbitrationResult, error)
}

// TestResult summarizes one test-suite run
type TestResult struct {
	Success     bool
	Passed      int
	Failed      int
	Total       int
	FailedTests []string
	Output      string
}

// TestRunner runs the project's test suite, if it has one
type TestRunner interface {
	Run(ctx context.Context, dir, language string) (*TestResult, error)
}
