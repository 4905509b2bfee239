// Package buildfix recovers from a failing final build. It parses the
// compiler diagnostics into the set of implicated files, classifies the
// failure as structural (missing files, wrong paths) or a logic bug, has the
// generation backend draft a root-cause fix plan, pushes that plan through
// the consensus protocol, and applies the approved plan exactly once before
// rebuilding.
package buildfix

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/forgelabs/forge/internal/events"
	"github.com/forgelabs/forge/internal/types"
)

// Two diagnostic line shapes are recognized:
//
//	src/server.go:42:13: undefined: handler
//	src\server.cs(42,13): error CS0103: ...
var (
	colonDiagRegex = regexp.MustCompile(`(?m)^\s*([\w./\\-]+\.\w+):(\d+)(?::\d+)?:`)
	parenDiagRegex = regexp.MustCompile(`(?m)^\s*([\w./\\-]+\.\w+)\((\d+)(?:,\d+)?\)`)
)

// ImplicatedFiles extracts the deduplicated set of file paths named by
// compiler diagnostics, preserving first-mention order.
func ImplicatedFiles(buildOutput string) []string {
	var files []string
	seen := make(map[string]bool)

	add := func(matches [][]string) {
		for _, m := range matches {
			path := filepath.ToSlash(m[1])
			if !seen[path] {
				seen[path] = true
				files = append(files, path)
			}
		}
	}
	add(colonDiagRegex.FindAllStringSubmatch(buildOutput, -1))
	add(parenDiagRegex.FindAllStringSubmatch(buildOutput, -1))
	return files
}

// Classification describes what kind of build failure this is
type Classification struct {
	Structural bool     // majority of implicated files do not exist
	Implicated []string // all files named by diagnostics
	Missing    []string // the subset absent from disk
}

// Classify checks the implicated files against the project tree. A failure
// is structural only when a strict majority of the implicated files are
// missing; zero missing files is never structural.
func Classify(root string, implicated []string) Classification {
	c := Classification{Implicated: implicated}
	for _, f := range implicated {
		if _, err := os.Stat(filepath.Join(root, f)); os.IsNotExist(err) {
			c.Missing = append(c.Missing, f)
		}
	}
	c.Structural = len(c.Missing) > 0 && len(c.Missing)*2 > len(implicated)
	return c
}

// PlanRunner runs one consensus process over a plan. Satisfied by the
// consensus engine; narrowed here so the loop is testable with a fake.
type PlanRunner interface {
	Run(ctx context.Context, plan types.Plan, planContext string) (*types.ConsensusProcessResult, error)
}

// Builder rebuilds the project and reports the raw outcome
type Builder interface {
	Build(ctx context.Context) (passed bool, output string)
}

// Loop drives one full build-fix cycle
type Loop struct {
	generator  types.GenerationBackend
	consensus  PlanRunner
	builder    Builder
	reporter   *events.Reporter
	workingDir string
}

// NewLoop creates a build-fix loop
func NewLoop(generator types.GenerationBackend, consensus PlanRunner, builder Builder, reporter *events.Reporter, workingDir string) *Loop {
	return &Loop{
		generator:  generator,
		consensus:  consensus,
		builder:    builder,
		reporter:   reporter,
		workingDir: workingDir,
	}
}

// Outcome is the terminal result of one build-fix cycle
type Outcome struct {
	Fixed           bool
	Classification  Classification
	Error           string
	RateLimitPaused bool
}

// Run executes one cycle: classify, plan, approve, implement once, rebuild.
// A second build failure is final; the caller marks the project failed and
// leaves state resumable at this point.
func (l *Loop) Run(ctx context.Context, buildOutput string) (*Outcome, error) {
	implicated := ImplicatedFiles(buildOutput)
	class := Classify(l.workingDir, implicated)
	outcome := &Outcome{Classification: class}

	kind := "logic"
	if class.Structural {
		kind = "structural"
	}
	l.reporter.Emit(events.PhaseBuildFixStep,
		fmt.Sprintf("build failure classified as %s (%d files implicated, %d missing)",
			kind, len(class.Implicated), len(class.Missing)))

	// Draft the fix plan
	gen, err := l.generator.Execute(ctx, types.GenerateRequest{
		Prompt:     buildFixPrompt(buildOutput, class),
		WorkingDir: l.workingDir,
	})
	if err != nil {
		return nil, fmt.Errorf("fix plan generation: %w", err)
	}
	if gen.RateLimitPaused {
		outcome.RateLimitPaused = true
		return outcome, nil
	}
	if !gen.Success || strings.TrimSpace(gen.Response) == "" {
		outcome.Error = "generation backend produced no fix plan: " + gen.Error
		return outcome, nil
	}

	// Approve the plan through consensus
	plan := types.Plan{
		Content:  gen.Response,
		Revision: 1,
		Scope:    types.ScopeBuildFix,
		ScopeID:  "final-build",
	}
	consensusResult, err := l.consensus.Run(ctx, plan, buildFixContext(buildOutput, class))
	if err != nil {
		return nil, fmt.Errorf("fix plan consensus: %w", err)
	}
	if consensusResult.RateLimitPaused {
		outcome.RateLimitPaused = true
		return outcome, nil
	}
	if !consensusResult.Approved {
		outcome.Error = fmt.Sprintf("fix plan rejected by consensus (best score %.1f)", consensusResult.BestScore)
		return outcome, nil
	}

	// Implement the approved plan exactly once
	l.reporter.Emit(events.PhaseBuildFixStep, "implementing approved fix plan")
	impl, err := l.generator.Execute(ctx, types.GenerateRequest{
		Prompt:     implementPrompt(consensusResult.FinalPlan),
		WorkingDir: l.workingDir,
	})
	if err != nil {
		return nil, fmt.Errorf("fix implementation: %w", err)
	}
	if impl.RateLimitPaused {
		outcome.RateLimitPaused = true
		return outcome, nil
	}
	if !impl.Success {
		outcome.Error = "fix implementation failed: " + impl.Error
		return outcome, nil
	}

	passed, rebuildOutput := l.builder.Build(ctx)
	if !passed {
		outcome.Error = "build still failing after applying approved fix plan:\n" + rebuildOutput
		return outcome, nil
	}

	l.reporter.Emit(events.PhaseBuildFixStep, "rebuild succeeded after fix")
	outcome.Fixed = true
	return outcome, nil
}

func buildFixPrompt(buildOutput string, class Classification) string {
	var b strings.Builder
	b.WriteString("The project build is failing. Produce a root-cause analysis and a concrete fix plan.\n\n")
	fmt.Fprintf(&b, "BUILD OUTPUT:\n%s\n\n", buildOutput)

	if class.Structural {
		b.WriteString("CLASSIFICATION: structural failure. Most of the files named by the\n")
		b.WriteString("diagnostics do not exist on disk:\n")
		for _, f := range class.Missing {
			fmt.Fprintf(&b, "- %s (missing)\n", f)
		}
		b.WriteString("\nThe root cause is missing files or wrong paths. Do NOT plan edits to\n")
		b.WriteString("nonexistent files; plan to create the missing files or correct the\n")
		b.WriteString("references that point at them.\n\n")
	} else if len(class.Implicated) > 0 {
		b.WriteString("CLASSIFICATION: logic failure in existing files:\n")
		for _, f := range class.Implicated {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}

	b.WriteString("Respond with the fix plan only: root cause, files to change, and the change per file.")
	return b.String()
}

func buildFixContext(buildOutput string, class Classification) string {
	kind := "logic"
	if class.Structural {
		kind = "structural"
	}
	return fmt.Sprintf("This plan fixes a %s build failure. Original diagnostics:\n%s", kind, buildOutput)
}

func implementPrompt(plan types.Plan) string {
	return fmt.Sprintf(`Implement the following approved build-fix plan exactly. Do not expand
its scope; change only what the plan calls for.

%s`, plan.Content)
}
