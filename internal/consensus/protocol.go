// Package consensus implements the iterative plan-review-revise protocol:
// concurrent multi-reviewer rounds, stuck detection over the score history,
// arbitration when rounds stop converging, and best-plan tracking across the
// whole run.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/forgelabs/forge/internal/config"
	"github.com/forgelabs/forge/internal/events"
	"github.com/forgelabs/forge/internal/storage"
	"github.com/forgelabs/forge/internal/types"
)

// Config holds the consensus run parameters
type Config struct {
	Threshold              float64       // Accept a round at or above this combined score
	ArbitrationThreshold   float64       // Minimum best score before arbitration is worth invoking
	MaxIterations          int           // Review rounds per run
	MaxArbitrationAttempts int           // Arbitrator invocations per run
	Timeout                time.Duration // Wall clock for the whole run
	AcceptScore            float64       // Arbitration score that accepts regardless of verdict
	ExhaustedScore         float64       // Acceptance floor once arbitration attempts are exhausted
	ReviewerConcurrency    int64         // Bounded reviewer fan-out
	Stuck                  StuckConfig
}

// ConfigFrom extracts the consensus parameters from the engine configuration
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Threshold:              cfg.ConsensusThreshold,
		ArbitrationThreshold:   cfg.ArbitrationThreshold,
		MaxIterations:          cfg.MaxIterations,
		MaxArbitrationAttempts: cfg.MaxArbitrationAttempts,
		Timeout:                cfg.ConsensusTimeout,
		AcceptScore:            cfg.ArbitrationAcceptScore,
		ExhaustedScore:         cfg.ArbitrationExhaustedScore,
		ReviewerConcurrency:    cfg.ReviewerConcurrency,
		Stuck: StuckConfig{
			WindowSize:           cfg.StuckWindowSize,
			StagnationRange:      cfg.StagnationRange,
			OscillationDeviation: cfg.OscillationDeviation,
			OscillationRange:     cfg.OscillationRange,
			NetImprovementMargin: cfg.NetImprovementMargin,
		},
	}
}

// Engine runs consensus over one plan at a time. Reviewer calls within a
// round are the only concurrency; everything else is strictly sequential.
type Engine struct {
	reviewers  []types.ReviewerBackend
	arbitrator types.ArbitratorBackend // nil disables arbitration
	reviser    PlanReviser
	store      storage.Store
	reporter   *events.Reporter
	cfg        Config

	// now is swappable for timeout tests
	now func() time.Time
}

// NewEngine creates a consensus engine
func NewEngine(reviewers []types.ReviewerBackend, arbitrator types.ArbitratorBackend, reviser PlanReviser, store storage.Store, reporter *events.Reporter, cfg Config) *Engine {
	return &Engine{
		reviewers:  reviewers,
		arbitrator: arbitrator,
		reviser:    reviser,
		store:      store,
		reporter:   reporter,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Run drives one consensus process to a terminal result. It never returns an
// error for backend failures — those are folded into the result — only for
// persistence failures that make continuing unsafe.
func (e *Engine) Run(ctx context.Context, plan types.Plan, planContext string) (*types.ConsensusProcessResult, error) {
	scope := storage.ScopeKey{Scope: plan.Scope, ID: plan.ScopeID}
	deadline := e.now().Add(e.cfg.Timeout)

	result := &types.ConsensusProcessResult{BestScore: -1}
	current := plan
	arbAttempts := 0
	windowStart := 0 // index into the score history; reset after arbitration revisions
	var lastCombined types.ReviewResult

	// A run that died mid-flight left its completed rounds in the log.
	// Seed from them so resumption continues at the next round instead of
	// re-reviewing finished ones.
	prior, err := e.store.ConsensusIterations(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to read consensus log: %w", err)
	}
	status, err := e.store.PlanStatus(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan status: %w", err)
	}
	if len(prior) > 0 && status != "approved" && status != "rejected" {
		result.Iterations = prior
		for _, it := range prior {
			if it.Result.Score > result.BestScore {
				result.BestPlan = it.Plan
				result.BestScore = it.Result.Score
				result.BestIteration = it.Iteration
			}
		}
		last := prior[len(prior)-1]
		lastCombined = last.Result
		current = last.Plan
		latest, err := e.store.LatestPlan(ctx, scope)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to read latest plan: %w", err)
		}
		if err == nil && latest.Revision > current.Revision {
			current = *latest
		}
		e.reporter.EmitScoped(events.PhaseConsensusResumed,
			fmt.Sprintf("resuming consensus at round %d (best score %.1f)", len(prior)+1, result.BestScore), plan.ScopeID)
	} else if err := e.store.SavePlan(ctx, scope, current, map[string]string{"source": "initial"}); err != nil {
		return nil, fmt.Errorf("failed to persist initial plan: %w", err)
	}

	// Revision numbers count up across the whole run, including fallbacks
	// to an earlier best plan: a number handed out once is never reused.
	highestRevision := current.Revision
	for _, it := range result.Iterations {
		if it.Plan.Revision > highestRevision {
			highestRevision = it.Plan.Revision
		}
	}

	for iteration := len(result.Iterations) + 1; iteration <= e.cfg.MaxIterations; iteration++ {
		if e.now().After(deadline) {
			return e.finishTimedOut(ctx, scope, result, lastCombined, arbAttempts)
		}

		e.reporter.EmitScoped(events.PhaseRoundStarted,
			fmt.Sprintf("consensus round %d (plan revision %d)", iteration, current.Revision), plan.ScopeID)

		combined := e.runRound(ctx, current, planContext)
		lastCombined = combined

		iter := types.ConsensusIteration{
			Iteration: iteration,
			Plan:      current,
			Result:    combined,
			Timestamp: e.now(),
		}
		result.Iterations = append(result.Iterations, iter)
		if err := e.store.AppendConsensusIteration(ctx, scope, iter); err != nil {
			return nil, fmt.Errorf("failed to log consensus iteration: %w", err)
		}
		if err := e.store.SaveFeedback(ctx, scope, combined); err != nil {
			return nil, fmt.Errorf("failed to persist round feedback: %w", err)
		}

		e.reporter.EmitScoped(events.PhaseScoreReceived,
			fmt.Sprintf("round %d combined score %.1f", iteration, combined.Score), plan.ScopeID)

		if combined.Score > result.BestScore {
			result.BestPlan = current
			result.BestScore = combined.Score
			result.BestIteration = iteration
		}

		if combined.Score >= e.cfg.Threshold {
			return e.finishAccepted(ctx, scope, result, current, combined.Score)
		}

		// One revision per round. Arbitration, when it fires and rejects,
		// redirects that revision instead of adding one.
		analysis := combined.Analysis
		concerns := combined.Concerns

		scores := result.ScoreHistory()[windowStart:]
		if IsStuck(scores, e.cfg.Stuck) {
			e.reporter.EmitScoped(events.PhaseStuckDetected,
				fmt.Sprintf("score history stuck after round %d: %v", iteration, scores), plan.ScopeID)

			if e.arbitrator != nil && result.BestScore >= e.cfg.ArbitrationThreshold && arbAttempts < e.cfg.MaxArbitrationAttempts {
				verdict, consumed, err := e.arbitrate(ctx, result, lastCombined, iteration)
				if consumed {
					arbAttempts++
				}
				if err != nil {
					e.reporter.EmitScoped(events.PhaseArbitrationVerdict,
						fmt.Sprintf("arbitration failed: %v", err), plan.ScopeID)
				} else {
					result.Arbitrated = true
					if err := e.store.RecordCorrection(ctx, scope, *verdict); err != nil {
						return nil, fmt.Errorf("failed to record arbitration: %w", err)
					}
					if e.arbitrationAccepts(verdict, arbAttempts) {
						e.reporter.EmitScoped(events.PhaseArbitrationVerdict,
							fmt.Sprintf("arbitration accepted plan with score %.1f", verdict.Score), plan.ScopeID)
						return e.finishAccepted(ctx, scope, result, result.BestPlan, verdict.Score)
					}
					// Rejected: the arbitrator's changes drive the next
					// revision, and the stuck window starts fresh so the
					// next check measures post-arbitration rounds only.
					e.reporter.EmitScoped(events.PhaseArbitrationVerdict,
						fmt.Sprintf("arbitration rejected plan (score %.1f): %s", verdict.Score, verdict.Reasoning), plan.ScopeID)
					analysis = verdict.Reasoning
					concerns = append(append([]string{}, verdict.CriticalConcerns...), verdict.SuggestedChanges...)
					current = result.BestPlan
					current.Revision = highestRevision
					windowStart = len(result.Iterations)
				}
			}
		}

		if iteration == e.cfg.MaxIterations {
			break
		}

		outcome, err := e.reviser.Revise(ctx, current, analysis, concerns)
		if err != nil {
			return nil, fmt.Errorf("revision driver: %w", err)
		}
		switch {
		case outcome.RateLimitPaused:
			e.reporter.EmitScoped(events.PhaseRateLimitPause, "generation backend rate limited during revision", plan.ScopeID)
			result.RateLimitPaused = true
			result.FinalPlan = result.BestPlan
			result.FinalScore = result.BestScore
			return result, nil
		case outcome.Failed:
			// Keep iterating with the best plan we have; one failed
			// revision must not kill a converging run.
			e.reporter.EmitScoped(events.PhaseRevisionFailed,
				fmt.Sprintf("revision failed, continuing with best plan: %s", outcome.Error), plan.ScopeID)
			current = result.BestPlan
			current.Revision = highestRevision
		default:
			current = outcome.Plan
			if current.Revision > highestRevision {
				highestRevision = current.Revision
			}
			if err := e.store.SavePlan(ctx, scope, current, map[string]string{"source": "revision"}); err != nil {
				return nil, fmt.Errorf("failed to persist revised plan: %w", err)
			}
			e.reporter.EmitScoped(events.PhaseRevisionApplied,
				fmt.Sprintf("revision %d applied", current.Revision), plan.ScopeID)
		}
	}

	// Rounds exhausted without acceptance
	result.Approved = false
	result.FinalPlan = result.BestPlan
	result.FinalScore = result.BestScore
	if err := e.store.UpdateStatus(ctx, scope, "rejected"); err != nil {
		return nil, fmt.Errorf("failed to update plan status: %w", err)
	}
	return result, nil
}

// runRound collects one ReviewResult per reviewer concurrently and combines
// them. A failing reviewer is excluded from the round; if every reviewer
// fails the round scores zero and the loop carries on.
func (e *Engine) runRound(ctx context.Context, plan types.Plan, planContext string) types.ReviewResult {
	sem := semaphore.NewWeighted(e.cfg.ReviewerConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make([]types.ReviewResult, 0, len(e.reviewers))

	for _, reviewer := range e.reviewers {
		wg.Add(1)
		go func(r types.ReviewerBackend) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			res, err := r.Review(ctx, plan, planContext, types.ReviewConfig{Threshold: e.cfg.Threshold})
			if err != nil {
				e.reporter.EmitScoped(events.PhaseReviewerFailed,
					fmt.Sprintf("reviewer %s failed: %v", r.Name(), err), plan.ScopeID)
				return
			}
			res.Reviewer = r.Name()
			mu.Lock()
			results = append(results, *res)
			mu.Unlock()
		}(reviewer)
	}
	wg.Wait()

	return combineReviews(results, e.cfg.Threshold)
}

// combineReviews folds per-reviewer results into one round-level result:
// mean score, deduplicated union of concerns and recommendations, and
// analysis concatenated with reviewer tags.
func combineReviews(results []types.ReviewResult, threshold float64) types.ReviewResult {
	if len(results) == 0 {
		return types.ReviewResult{
			Score:    0,
			Analysis: "no reviewers responded this round",
			Reviewer: "combined",
		}
	}

	var sum float64
	var analyses []string
	concerns := dedupe{}
	recommendations := dedupe{}

	for _, r := range results {
		sum += r.Score
		if r.Analysis != "" {
			analyses = append(analyses, fmt.Sprintf("[%s] %s", r.Reviewer, r.Analysis))
		}
		concerns.addAll(r.Concerns)
		recommendations.addAll(r.Recommendations)
	}

	score := sum / float64(len(results))
	return types.ReviewResult{
		Score:           score,
		Analysis:        strings.Join(analyses, "\n\n"),
		Concerns:        concerns.items,
		Recommendations: recommendations.items,
		Approved:        score >= threshold,
		Reviewer:        "combined",
	}
}

// arbitrate invokes the arbitrator with the best plan, the latest analysis,
// and the full score history. The consumed flag is false when the failure
// was a rate limit: a throttled arbitration call does not burn an attempt.
func (e *Engine) arbitrate(ctx context.Context, result *types.ConsensusProcessResult, lastCombined types.ReviewResult, iteration int) (*types.ArbitrationResult, bool, error) {
	e.reporter.EmitScoped(events.PhaseArbitrationInvoked,
		fmt.Sprintf("invoking arbitrator at round %d (best score %.1f)", iteration, result.BestScore), result.BestPlan.ScopeID)

	verdict, err := e.arbitrator.Arbitrate(ctx, types.ArbitrationRequest{
		Plan:          result.BestPlan,
		Feedback:      formatFeedback(lastCombined),
		AgentFeedback: lastCombined.Analysis,
		Iteration:     iteration,
		Scores:        result.ScoreHistory(),
	})
	if err != nil {
		if isRateLimitErr(err) {
			return nil, false, err
		}
		return nil, true, err
	}
	return verdict, true, nil
}

// arbitrationAccepts applies the acceptance ladder: explicit approval, a
// score clearing AcceptScore, or exhausted attempts with a score clearing
// ExhaustedScore.
func (e *Engine) arbitrationAccepts(verdict *types.ArbitrationResult, attempts int) bool {
	if verdict.Approved {
		return true
	}
	if verdict.Score >= e.cfg.AcceptScore {
		return true
	}
	return attempts >= e.cfg.MaxArbitrationAttempts && verdict.Score >= e.cfg.ExhaustedScore
}

func (e *Engine) finishAccepted(ctx context.Context, scope storage.ScopeKey, result *types.ConsensusProcessResult, plan types.Plan, score float64) (*types.ConsensusProcessResult, error) {
	result.Approved = true
	result.FinalPlan = plan
	result.FinalScore = score

	if err := e.store.UpdateStatus(ctx, scope, "approved"); err != nil {
		return nil, fmt.Errorf("failed to update plan status: %w", err)
	}
	if err := e.store.ClearFeedback(ctx, scope); err != nil {
		return nil, fmt.Errorf("failed to clear feedback: %w", err)
	}

	e.reporter.EmitScoped(events.PhasePlanAccepted,
		fmt.Sprintf("plan accepted at revision %d with score %.1f", plan.Revision, score), scope.ID)
	return result, nil
}

// finishTimedOut handles the wall-clock budget expiring: one last
// arbitration if attempts remain, otherwise the best-known plan with
// approval decided by the arbitration threshold. The stuck path and the
// timeout path share one attempt budget; a run that burned every attempt
// before the clock ran out gets no extra arbitrator call here.
func (e *Engine) finishTimedOut(ctx context.Context, scope storage.ScopeKey, result *types.ConsensusProcessResult, lastCombined types.ReviewResult, arbAttempts int) (*types.ConsensusProcessResult, error) {
	e.reporter.EmitScoped(events.PhaseConsensusTimeout,
		fmt.Sprintf("consensus timed out after %d rounds", len(result.Iterations)), scope.ID)
	result.TimedOut = true
	result.FinalPlan = result.BestPlan
	result.FinalScore = result.BestScore

	if e.arbitrator != nil && result.BestScore >= e.cfg.ArbitrationThreshold && arbAttempts < e.cfg.MaxArbitrationAttempts {
		verdict, _, err := e.arbitrate(ctx, result, lastCombined, len(result.Iterations))
		if err == nil {
			result.Arbitrated = true
			if recErr := e.store.RecordCorrection(ctx, scope, *verdict); recErr != nil {
				return nil, fmt.Errorf("failed to record arbitration: %w", recErr)
			}
			if verdict.Approved || verdict.Score >= e.cfg.AcceptScore {
				result.Approved = true
				result.FinalScore = verdict.Score
				if err := e.store.UpdateStatus(ctx, scope, "approved"); err != nil {
					return nil, fmt.Errorf("failed to update plan status: %w", err)
				}
				return result, nil
			}
		}
	}

	result.Approved = result.BestScore >= e.cfg.ArbitrationThreshold
	status := "rejected"
	if result.Approved {
		status = "approved"
	}
	if err := e.store.UpdateStatus(ctx, scope, status); err != nil {
		return nil, fmt.Errorf("failed to update plan status: %w", err)
	}
	return result, nil
}

func formatFeedback(r types.ReviewResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Combined score: %.1f\n", r.Score)
	if len(r.Concerns) > 0 {
		b.WriteString("Concerns:\n")
		for _, c := range r.Concerns {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(r.Recommendations) > 0 {
		b.WriteString("Recommendations:\n")
		for _, c := range r.Recommendations {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return b.String()
}

func isRateLimitErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") ||
		strings.Contains(msg, "overloaded")
}

// dedupe accumulates strings preserving first-seen order
type dedupe struct {
	items []string
	seen  map[string]bool
}

func (d *dedupe) addAll(items []string) {
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	for _, item := range items {
		key := strings.TrimSpace(strings.ToLower(item))
		if key == "" || d.seen[key] {
			continue
		}
		d.seen[key] = true
		d.items = append(d.items, item)
	}
}
