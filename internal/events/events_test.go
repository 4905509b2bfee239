package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReporterFanOut(t *testing.T) {
	r := NewReporter(10)

	var got []Event
	r.Subscribe(func(ev Event) { got = append(got, ev) })

	r.Emit(PhaseRoundStarted, "round 1")
	r.EmitScoped(PhaseTaskStarted, "task a", "task-1")

	assert.Len(t, got, 2)
	assert.Equal(t, PhaseRoundStarted, got[0].Phase)
	assert.Equal(t, "task-1", got[1].Scope)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestReporterHistoryBounded(t *testing.T) {
	r := NewReporter(3)
	for i := 0; i < 5; i++ {
		r.Emit(PhaseScoreReceived, "score")
	}
	assert.Len(t, r.Recent(), 3)
}

func TestNilReporterIsSafe(t *testing.T) {
	var r *Reporter
	assert.NotPanics(t, func() {
		r.Emit(PhaseRoundStarted, "no-op")
		r.Subscribe(func(Event) {})
		_ = r.Recent()
	})
}

func TestZeroRetention(t *testing.T) {
	r := NewReporter(0)
	r.Emit(PhaseRoundStarted, "x")
	assert.Empty(t, r.Recent())
}
