package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgelabs/forge/internal/types"
)

// Reviewer implements types.ReviewerBackend on the Anthropic API. Each
// registered reviewer carries a persona that shapes what it scrutinizes, so
// a multi-reviewer round gets genuinely independent perspectives rather
// than three copies of the same opinion.
type Reviewer struct {
	client  *Client
	name    string
	persona string
}

var _ types.ReviewerBackend = (*Reviewer)(nil)

// NewReviewer creates a reviewer backend with the given identity and persona
func NewReviewer(client *Client, name, persona string) *Reviewer {
	return &Reviewer{client: client, name: name, persona: persona}
}

// Name identifies the reviewer in combined analysis and logs
func (r *Reviewer) Name() string { return r.name }

// reviewResponse is the wire schema the model is asked to produce
type reviewResponse struct {
	Score           float64  `json:"score"`
	Analysis        string   `json:"analysis"`
	Concerns        []string `json:"concerns"`
	Recommendations []string `json:"recommendations"`
	Approved        bool     `json:"approved"`
}

// Review scores one plan
func (r *Reviewer) Review(ctx context.Context, plan types.Plan, planContext string, cfg types.ReviewConfig) (*types.ReviewResult, error) {
	prompt := r.buildPrompt(plan, planContext, cfg)

	text, err := r.client.complete(ctx, "review/"+r.name, prompt, 4096)
	if err != nil {
		return nil, fmt.Errorf("reviewer %s: %w", r.name, err)
	}

	resp, err := DecodeJSON[reviewResponse](text, "review response")
	if err != nil {
		return nil, fmt.Errorf("reviewer %s: %w", r.name, err)
	}

	if resp.Score < 0 {
		resp.Score = 0
	}
	if resp.Score > 100 {
		resp.Score = 100
	}

	return &types.ReviewResult{
		Score:           resp.Score,
		Analysis:        resp.Analysis,
		Concerns:        resp.Concerns,
		Recommendations: resp.Recommendations,
		Approved:        resp.Approved || resp.Score >= cfg.Threshold,
		Reviewer:        r.name,
	}, nil
}

func (r *Reviewer) buildPrompt(plan types.Plan, planContext string, cfg types.ReviewConfig) string {
	var b strings.Builder

	b.WriteString("You are reviewing an implementation plan for a software project.\n\n")
	if r.persona != "" {
		b.WriteString("Your review focus:\n")
		b.WriteString(r.persona)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "PLAN (scope: %s, revision %d):\n%s\n\n", plan.Scope, plan.Revision, plan.Content)

	if planContext != "" {
		fmt.Fprintf(&b, "CONTEXT:\n%s\n\n", planContext)
	}

	fmt.Fprintf(&b, `Score the plan from 0 to 100. A score of %.0f or above means it is
ready to implement as-is.

Respond with ONLY raw JSON (no markdown fences) matching:
{
  "score": <number 0-100>,
  "analysis": "<your overall assessment>",
  "concerns": ["<specific problem>", ...],
  "recommendations": ["<specific improvement>", ...],
  "approved": <true if score >= %.0f>
}`, cfg.Threshold, cfg.Threshold)

	return b.String()
}

// Built-in reviewer personas. Keeping these here (not in config) keeps the
// reviewer set a closed enumeration, per the registry design.
const (
	personaGeneral = `Judge overall implementability: completeness, correct sequencing,
testability, and whether the plan matches the stated requirements.`

	personaStrict = `Be adversarial. Hunt for edge cases, failure modes, missing error
handling, security problems, and anything underspecified. Score harshly
when the plan hand-waves.`

	personaArchitect = `Judge structure: module boundaries, data flow, coupling, and whether
the plan will leave the codebase maintainable. Flag designs that work
once but resist change.`
)
