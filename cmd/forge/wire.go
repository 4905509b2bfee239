package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fatih/color"

	"github.com/forgelabs/forge/internal/agent"
	"github.com/forgelabs/forge/internal/ai"
	"github.com/forgelabs/forge/internal/buildfix"
	"github.com/forgelabs/forge/internal/config"
	"github.com/forgelabs/forge/internal/consensus"
	"github.com/forgelabs/forge/internal/events"
	"github.com/forgelabs/forge/internal/executor"
	"github.com/forgelabs/forge/internal/gates"
	"github.com/forgelabs/forge/internal/storage/sqlite"
)

// runtime is the fully wired engine for one project directory
type runtime struct {
	cfg      *config.Config
	store    *sqlite.SQLiteStore
	reporter *events.Reporter
	engine   *executor.Engine
}

// gateBuilder adapts the gate runner to the build-fix loop's Builder
type gateBuilder struct {
	runner *gates.Runner
}

func (g gateBuilder) Build(ctx context.Context) (bool, string) {
	res := g.runner.RunBuild(ctx)
	return res.Passed, res.Output
}

// buildRuntime assembles the full engine stack for a project directory
func buildRuntime(dir string) (*runtime, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(filepath.Join(dir, cfg.StateDir))
	if err != nil {
		return nil, err
	}

	reporter := events.NewReporter(200)
	reporter.Subscribe(consoleHandler())
	reporter.Subscribe(func(ev events.Event) {
		// Best-effort audit trail; the console stream is authoritative
		_ = store.AppendEvent(context.Background(), ev)
	})

	client, err := ai.NewClient(ai.ClientConfig{
		Model:         cfg.Model,
		MaxConcurrent: cfg.ReviewerConcurrency,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	registry := ai.NewRegistry(client)
	reviewers, err := registry.Reviewers(cfg.Reviewers)
	if err != nil {
		store.Close()
		return nil, err
	}
	arbitrator, err := registry.Arbitrator(cfg.Arbitrator)
	if err != nil {
		store.Close()
		return nil, err
	}

	generator := agent.New(agent.Config{Command: cfg.AgentCommand})
	reviser := consensus.NewDriver(generator, dir)
	consensusEngine := consensus.NewEngine(reviewers, arbitrator, reviser, store, reporter, consensus.ConfigFrom(cfg))

	gateRunner := gates.NewRunner(dir, "", reporter)
	fixLoop := buildfix.NewLoop(generator, consensusEngine, gateBuilder{gateRunner}, reporter, dir)
	testRunner := gates.NewTestRunner()

	engine := executor.NewEngine(store, generator, consensusEngine, gateRunner, fixLoop,
		testRunner, reporter, cfg.TaskMaxRetries, dir)

	return &runtime{cfg: cfg, store: store, reporter: reporter, engine: engine}, nil
}

func (r *runtime) Close() {
	r.store.Close()
}

// consoleHandler renders progress events with phase-appropriate colors
func consoleHandler() events.Handler {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	return func(ev events.Event) {
		var tag string
		switch ev.Phase {
		case events.PhasePlanAccepted, events.PhaseTaskComplete, events.PhaseMilestoneComplete, events.PhaseProjectComplete:
			tag = green(string(ev.Phase))
		case events.PhaseStuckDetected, events.PhaseTaskRetry, events.PhaseRevisionFailed, events.PhaseRateLimitPause, events.PhaseConsensusTimeout:
			tag = yellow(string(ev.Phase))
		case events.PhaseTaskFailed, events.PhaseReviewerFailed, events.PhaseProjectFailed:
			tag = red(string(ev.Phase))
		case events.PhaseArbitrationInvoked, events.PhaseArbitrationVerdict:
			tag = cyan(string(ev.Phase))
		default:
			tag = gray(string(ev.Phase))
		}
		fmt.Printf("%s %s %s\n", gray(ev.Timestamp.Format("15:04:05")), tag, ev.Message)
	}
}
