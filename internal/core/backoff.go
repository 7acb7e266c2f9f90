package core

import (
	"math"
	"math/rand"
	"time"
)

// maxBackoff caps delays when Backoff.Max is unset.
const maxBackoff = 24 * time.Hour

// Backoff computes the delay before a transiently failed task becomes
// eligible for dispatch again.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	// Jitter is the +/- fraction applied to each delay (0.25 = 25%).
	Jitter float64
}

// DefaultBackoff returns the retry defaults used when none are configured.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   time.Second,
		Max:    30 * time.Second,
		Factor: 2.0,
	}
}

// Delay returns base * factor^(attempt-1), jittered and capped at Max.
// attempt is the number of executions already made.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2.0
	}
	ceiling := float64(b.Max)
	if b.Max <= 0 {
		ceiling = float64(maxBackoff)
	}
	// Pow overflows to +Inf for large attempts; clamp before jitter.
	delay := math.Min(float64(b.Base)*math.Pow(factor, float64(attempt-1)), ceiling)

	if b.Jitter > 0 {
		delay += delay * b.Jitter * (2*rand.Float64() - 1)
	}
	delay = math.Min(delay, ceiling)
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
