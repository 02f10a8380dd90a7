// Package backoff provides retry delay strategies. Strategies are
// stateless and safe for concurrent use.
//
// Job retries use an exponential policy derived from the job's options;
// webhook delivery uses a linear one. Both are expressed as the same
// Strategy interface so either side can be swapped in tests.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Linear grows the delay linearly: min(Initial × attempt, Max).
// This is the webhook delivery policy.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear backoff strategy. A zero maxDelay means
// uncapped.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial × attempt, capped at Max.
func (l *Linear) Delay(attempt int) time.Duration {
	d := l.Initial * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// Exponential multiplies the delay by Factor each attempt:
// min(Initial × Factor^(attempt−1), Max).
type Exponential struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy with the given
// multiplier. A factor at or below zero falls back to doubling.
func NewExponential(initial time.Duration, factor float64, maxDelay time.Duration) *Exponential {
	if factor <= 0 {
		factor = 2
	}
	return &Exponential{Initial: initial, Factor: factor, Max: maxDelay}
}

// Delay returns Initial × Factor^(attempt−1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(e.Factor, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ExponentialWithJitter applies full jitter to an exponential base:
// a random value in [0, min(Initial × Factor^(attempt−1), Max)].
// Prevents thundering herd when many retries land together.
type ExponentialWithJitter struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial time.Duration, factor float64, maxDelay time.Duration) *ExponentialWithJitter {
	if factor <= 0 {
		factor = 2
	}
	return &ExponentialWithJitter{Initial: initial, Factor: factor, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial × Factor^(attempt−1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := float64(e.Initial) * math.Pow(e.Factor, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
}
