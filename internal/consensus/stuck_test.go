package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsStuck(t *testing.T) {
	cfg := DefaultStuckConfig()

	tests := []struct {
		name   string
		scores []float64
		want   bool
	}{
		{
			name:   "stagnation: range 3 within band",
			scores: []float64{80, 81, 79, 82},
			want:   true,
		},
		{
			name:   "steady improvement is not stuck",
			scores: []float64{60, 85, 90, 95},
			want:   false,
		},
		{
			// avg 76.75, mean abs dev 5.75 > 3, range 15 < 20, but the
			// last score (80) beats the first (70) by more than 2 —
			// bouncing with net improvement is progress, not deadlock.
			name:   "oscillation with net gain is not stuck",
			scores: []float64{70, 85, 72, 80},
			want:   false,
		},
		{
			// avg 72.75, mean abs dev 6.25 > 3, range 15 < 20,
			// last (68) below first (80): textbook oscillation.
			name:   "oscillation without net gain is stuck",
			scores: []float64{80, 65, 78, 68},
			want:   true,
		},
		{
			name:   "history shorter than window is never stuck",
			scores: []float64{80, 80, 80},
			want:   false,
		},
		{
			name:   "empty history",
			scores: nil,
			want:   false,
		},
		{
			name:   "only the window tail counts",
			scores: []float64{10, 40, 80, 81, 79, 82}, // early volatility ignored
			want:   true,
		},
		{
			name:   "wide swings are not oscillation",
			scores: []float64{50, 90, 55, 85}, // range 40 >= 20
			want:   false,
		},
		{
			name:   "identical scores",
			scores: []float64{77, 77, 77, 77},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsStuck(tt.scores, cfg))
		})
	}
}

func TestIsStuckWindowSize(t *testing.T) {
	cfg := DefaultStuckConfig()
	cfg.WindowSize = 3

	// Last three scores span only 2 points
	assert.True(t, IsStuck([]float64{40, 90, 81, 80, 82}, cfg))

	// Degenerate window sizes never flag
	cfg.WindowSize = 1
	assert.False(t, IsStuck([]float64{80, 80, 80}, cfg))
}

func TestIsStuckTunableConstants(t *testing.T) {
	cfg := DefaultStuckConfig()
	cfg.StagnationRange = 10

	// Range 8 stagnates under the widened band but not the default
	scores := []float64{80, 84, 76, 78}
	assert.True(t, IsStuck(scores, cfg))
	assert.False(t, IsStuck(scores, DefaultStuckConfig()))
}
