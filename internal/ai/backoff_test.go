package ai

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, BackoffMultiplier: 2}

	assert.Equal(t, time.Second, Delay(p, 0, 1))
	assert.Equal(t, 500*time.Millisecond, Delay(p, 0, 0))
	assert.Equal(t, 4*time.Second, Delay(p, 2, 1))
	assert.Equal(t, 10*time.Second, Delay(p, 4, 1))
	assert.Equal(t, 10*time.Second, Delay(p, 5000, 1))
}

func TestDelayJitterStaysInHalfToFullRange(t *testing.T) {
	p := Policy{BaseDelay: 200 * time.Millisecond, MaxDelay: time.Hour, BackoffMultiplier: 3}
	for attempt := 0; attempt < 6; attempt++ {
		full := Delay(p, attempt, 1)
		for _, r := range []float64{-1, 0, 0.25, 0.5, 0.99, 1, 2} {
			d := Delay(p, attempt, r)
			assert.GreaterOrEqual(t, d, full/2)
			assert.LessOrEqual(t, d, full)
		}
	}
}

func TestJitterBackOffResets(t *testing.T) {
	b := &jitterBackOff{policy: Policy{BaseDelay: time.Second, MaxDelay: time.Minute, BackoffMultiplier: 2}, rand: func() float64 { return 1 }}
	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestHealthTrackerCooldown(t *testing.T) {
	h := NewHealthTracker(3, time.Minute)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, h.Available("p", t0))
	assert.False(t, h.RecordFailure("p", t0))
	assert.False(t, h.RecordFailure("p", t0))
	assert.True(t, h.Available("p", t0))
	assert.True(t, h.RecordFailure("p", t0))
	assert.False(t, h.Available("p", t0.Add(59*time.Second)))
	assert.False(t, h.Available("p", t0.Add(time.Minute)), "cooldown must be strictly exceeded")
	assert.True(t, h.Available("p", t0.Add(time.Minute+time.Millisecond)))

	h.RecordSuccess("p")
	_, ok := h.Get("p")
	assert.False(t, ok)
	assert.Empty(t, h.Snapshot())
}

func TestDefaultPolicyConstants(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 3, p.FailureThreshold)
	assert.Equal(t, 60*time.Second, p.Cooldown)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, 10*time.Second, p.MaxDelay)
	assert.Equal(t, 2.0, p.BackoffMultiplier)
	assert.Equal(t, time.Second, Delay(p, 0, 1))
	assert.Equal(t, 10*time.Second, Delay(p, 5, 1))
}
