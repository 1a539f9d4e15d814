package ai

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Delay is the pause before retry number attempt (0-based):
// min(MaxDelay, BaseDelay*BackoffMultiplier^attempt) scaled by a jitter factor
// in [0.5, 1.0] derived from r in [0, 1].
func Delay(p Policy, attempt int, r float64) time.Duration {
	raw := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if limit := float64(p.MaxDelay); p.MaxDelay > 0 && (raw > limit || math.IsInf(raw, 1)) {
		raw = limit
	}
	if r < 0 {
		r = 0
	} else if r > 1 {
		r = 1
	}
	return time.Duration(raw * (0.5 + 0.5*r))
}

// jitterBackOff adapts Delay to backoff.BackOff so the retry loop can be
// driven by backoff.RetryNotifyWithTimer.
type jitterBackOff struct {
	policy  Policy
	rand    func() float64
	attempt int
}

var _ backoff.BackOff = (*jitterBackOff)(nil)

func (b *jitterBackOff) NextBackOff() time.Duration {
	d := Delay(b.policy, b.attempt, b.rand())
	b.attempt++
	return d
}

func (b *jitterBackOff) Reset() { b.attempt = 0 }

// retryPolicy allows maxRetries waits, i.e. maxRetries+1 tries, and stops
// waiting as soon as ctx is done.
func retryPolicy(ctx context.Context, p Policy, rand func() float64, maxRetries int) backoff.BackOff {
	var b backoff.BackOff = &jitterBackOff{policy: p, rand: rand}
	b = backoff.WithMaxRetries(b, uint64(maxRetries))
	return backoff.WithContext(b, ctx)
}
