package consensus

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgelabs/forge/internal/types"
)

// PlanReviser turns rejected feedback into a revised plan. The engine issues
// exactly one revision call per consensus round, which bounds generation
// cost to O(rounds) regardless of reviewer count.
type PlanReviser interface {
	Revise(ctx context.Context, plan types.Plan, analysis string, concerns []string) (*ReviseOutcome, error)
}

// ReviseOutcome is the result of one revision request. Failed revisions are
// an outcome, not an error: the consensus loop continues with the previous
// best plan rather than aborting a converging run.
type ReviseOutcome struct {
	Plan            types.Plan
	Failed          bool
	Error           string
	RateLimitPaused bool
}

// Driver is the single request-response boundary to the generation backend
// for plan revision.
type Driver struct {
	backend    types.GenerationBackend
	workingDir string
}

var _ PlanReviser = (*Driver)(nil)

// NewDriver creates a revision driver
func NewDriver(backend types.GenerationBackend, workingDir string) *Driver {
	return &Driver{backend: backend, workingDir: workingDir}
}

// Revise requests one plan revision incorporating the given feedback
func (d *Driver) Revise(ctx context.Context, plan types.Plan, analysis string, concerns []string) (*ReviseOutcome, error) {
	prompt := buildRevisionPrompt(plan, analysis, concerns)

	res, err := d.backend.Execute(ctx, types.GenerateRequest{
		Prompt:     prompt,
		WorkingDir: d.workingDir,
	})
	if err != nil {
		return &ReviseOutcome{Failed: true, Error: err.Error()}, nil
	}
	if res.RateLimitPaused {
		return &ReviseOutcome{RateLimitPaused: true}, nil
	}
	if !res.Success || strings.TrimSpace(res.Response) == "" {
		return &ReviseOutcome{Failed: true, Error: res.Error}, nil
	}

	return &ReviseOutcome{Plan: plan.WithRevision(res.Response)}, nil
}

func buildRevisionPrompt(plan types.Plan, analysis string, concerns []string) string {
	var b strings.Builder

	b.WriteString("Revise the following implementation plan to address the review feedback.\n\n")
	fmt.Fprintf(&b, "CURRENT PLAN (revision %d):\n%s\n\n", plan.Revision, plan.Content)

	if analysis != "" {
		fmt.Fprintf(&b, "REVIEW ANALYSIS:\n%s\n\n", analysis)
	}
	if len(concerns) > 0 {
		b.WriteString("CONCERNS TO ADDRESS:\n")
		for _, c := range concerns {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	b.WriteString(`Produce the complete revised plan. Keep what the reviewers did not
object to; change only what the feedback calls for. Respond with the full
plan text, no preamble.`)

	return b.String()
}
