package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgelabs/forge/internal/types"
)

// Arbitrator implements types.ArbitratorBackend on the Anthropic API. It is
// invoked only when consensus rounds stop converging, and its verdict either
// ends the run or redirects the next revision.
type Arbitrator struct {
	client *Client
}

var _ types.ArbitratorBackend = (*Arbitrator)(nil)

// NewArbitrator creates an arbitrator backend
func NewArbitrator(client *Client) *Arbitrator {
	return &Arbitrator{client: client}
}

// arbitrationResponse is the wire schema the model is asked to produce
type arbitrationResponse struct {
	Approved         bool     `json:"approved"`
	Score            float64  `json:"score"`
	CriticalConcerns []string `json:"critical_concerns"`
	MinorConcerns    []string `json:"minor_concerns"`
	SuggestedChanges []string `json:"suggested_changes"`
	Reasoning        string   `json:"reasoning"`
}

// Arbitrate renders a verdict on a deadlocked consensus run
func (a *Arbitrator) Arbitrate(ctx context.Context, req types.ArbitrationRequest) (*types.ArbitrationResult, error) {
	prompt := buildArbitrationPrompt(req)

	text, err := a.client.complete(ctx, "arbitrate", prompt, 4096)
	if err != nil {
		return nil, fmt.Errorf("arbitrator: %w", err)
	}

	resp, err := DecodeJSON[arbitrationResponse](text, "arbitration response")
	if err != nil {
		return nil, fmt.Errorf("arbitrator: %w", err)
	}

	if resp.Score < 0 {
		resp.Score = 0
	}
	if resp.Score > 100 {
		resp.Score = 100
	}

	return &types.ArbitrationResult{
		Approved:         resp.Approved,
		Score:            resp.Score,
		CriticalConcerns: resp.CriticalConcerns,
		MinorConcerns:    resp.MinorConcerns,
		SuggestedChanges: resp.SuggestedChanges,
		Reasoning:        resp.Reasoning,
	}, nil
}

func buildArbitrationPrompt(req types.ArbitrationRequest) string {
	var b strings.Builder

	b.WriteString(`You are the arbitrator for a plan review process that has stopped
converging. Reviewers have gone back and forth without reaching the
acceptance threshold, and the scores suggest further revision rounds
will not help. Your verdict ends the deadlock.

`)
	fmt.Fprintf(&b, "PLAN (revision %d, best so far):\n%s\n\n", req.Plan.Revision, req.Plan.Content)

	if req.Feedback != "" {
		fmt.Fprintf(&b, "LATEST REVIEWER FEEDBACK:\n%s\n\n", req.Feedback)
	}
	if req.AgentFeedback != "" {
		fmt.Fprintf(&b, "LATEST ANALYSIS:\n%s\n\n", req.AgentFeedback)
	}

	fmt.Fprintf(&b, "REVIEW ROUNDS SO FAR: %d\nSCORE HISTORY: %s\n\n", req.Iteration, formatScores(req.Scores))

	b.WriteString(`Decide: is this plan good enough to implement, or does it have critical
problems that genuinely block implementation? Minor style disagreements
between reviewers are not blockers. If you reject, your suggested_changes
become the next revision request, so make them specific and actionable.

Respond with ONLY raw JSON (no markdown fences) matching:
{
  "approved": <bool>,
  "score": <number 0-100>,
  "critical_concerns": ["<blocking problem>", ...],
  "minor_concerns": ["<non-blocking issue>", ...],
  "suggested_changes": ["<specific change>", ...],
  "reasoning": "<why you decided this>"
}`)

	return b.String()
}

func formatScores(scores []float64) string {
	parts := make([]string, len(scores))
	for i, s := range scores {
		parts[i] = fmt.Sprintf("%.1f", s)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
