package consensus

import "math"

// StuckConfig holds the stuck-detection constants. These values are carried
// over for behavioral compatibility and are tunable, not validated — treat
// them as knobs, not truths.
type StuckConfig struct {
	WindowSize           int     // Scores examined (default 4)
	StagnationRange      float64 // max-min at or below this is stagnant (default 5)
	OscillationDeviation float64 // mean abs deviation above this oscillates (default 3)
	OscillationRange     float64 // window range below this oscillates (default 20)
	NetImprovementMargin float64 // last must beat first by more than this to count as progress (default 2)
}

// DefaultStuckConfig returns the compatibility constants
func DefaultStuckConfig() StuckConfig {
	return StuckConfig{
		WindowSize:           4,
		StagnationRange:      5,
		OscillationDeviation: 3,
		OscillationRange:     20,
		NetImprovementMargin: 2,
	}
}

// IsStuck reports whether the score history shows a run that has stopped
// converging. Two patterns count:
//
//   - Stagnation: the window's scores are within StagnationRange of each
//     other — revisions are changing nothing.
//   - Oscillation: scores bounce (mean absolute deviation above
//     OscillationDeviation) inside a modest band (range below
//     OscillationRange) without net improvement (the last score does not
//     beat the first by more than NetImprovementMargin).
//
// Histories shorter than the window are never stuck: there is not enough
// signal to distinguish a slow start from a deadlock.
func IsStuck(scoreHistory []float64, cfg StuckConfig) bool {
	if len(scoreHistory) < cfg.WindowSize || cfg.WindowSize < 2 {
		return false
	}
	window := scoreHistory[len(scoreHistory)-cfg.WindowSize:]

	lo, hi := window[0], window[0]
	sum := 0.0
	for _, s := range window {
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
		sum += s
	}
	windowRange := hi - lo

	if windowRange <= cfg.StagnationRange {
		return true
	}

	mean := sum / float64(len(window))
	deviation := 0.0
	for _, s := range window {
		deviation += math.Abs(s - mean)
	}
	deviation /= float64(len(window))

	bouncing := deviation > cfg.OscillationDeviation && windowRange < cfg.OscillationRange
	noNetGain := window[len(window)-1] <= window[0]+cfg.NetImprovementMargin

	return bouncing && noNetGain
}
