// Package backoff provides pluggable retry delay strategies for job
// execution. All strategies are safe for concurrent use (they are
// stateless).
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

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

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

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential grows the delay by Factor each attempt.
// Delay = min(Initial * Factor^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// NewExponential creates an exponential backoff strategy. A factor of
// zero or less defaults to 2.
func NewExponential(initial, maxDelay time.Duration, factor float64) *Exponential {
	if factor <= 0 {
		factor = 2
	}
	return &Exponential{Initial: initial, Max: maxDelay, Factor: factor}
}

// Delay returns Initial * Factor^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(e.Factor, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Jitter
// ──────────────────────────────────────────────────

// Jitter randomizes another strategy's delay proportionally: a base delay
// d becomes a random value in [d·(1-Amount), d·(1+Amount)]. This prevents
// thundering herd when many retries happen simultaneously.
type Jitter struct {
	Base   Strategy
	Amount float64
}

// NewJitter wraps base with proportional jitter. Amount is clamped into
// [0, 0.9]; zero disables randomization.
func NewJitter(base Strategy, amount float64) *Jitter {
	if amount < 0 {
		amount = 0
	}
	if amount > 0.9 {
		amount = 0.9
	}
	return &Jitter{Base: base, Amount: amount}
}

// Delay returns the base delay randomized by ±Amount.
func (j *Jitter) Delay(attempt int) time.Duration {
	d := j.Base.Delay(attempt)
	if j.Amount == 0 || d <= 0 {
		return d
	}
	f := 1 + (rand.Float64()*2-1)*j.Amount //nolint:gosec // jitter intentionally uses non-crypto rand
	out := time.Duration(float64(d) * f)
	if out < 0 {
		return 0
	}
	return out
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultMax caps every retry delay produced by ForRetry.
const DefaultMax = 10 * time.Second

// DefaultFactor is the growth factor applied between retry attempts.
const DefaultFactor = 1.6

// ForRetry returns the strategy used by the runners for a given base
// delay and jitter amount: exponential growth by DefaultFactor capped at
// DefaultMax, randomized by ±jitter.
func ForRetry(base time.Duration, jitter float64) Strategy {
	return NewJitter(NewExponential(base, DefaultMax, DefaultFactor), jitter)
}
