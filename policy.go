package jobcore

import "time"

// Policy bounds a single job's execution: timeout, retry budget, and
// backoff shape. The policy object is the single source of truth for
// retry fields; any UI dialog state is derived from it.
type Policy struct {
	// Timeout is the maximum duration a job may run. Zero means unbounded.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxRetries is the number of retry attempts after the initial failure.
	// Only infrastructure and integration failures are retried.
	MaxRetries int `json:"max_retries,omitempty"`

	// Backoff is the base delay before the first retry. Subsequent delays
	// grow exponentially (factor 1.6) and are capped at 10 seconds.
	Backoff time.Duration `json:"backoff,omitempty"`

	// Jitter is the proportional randomization applied to each delay,
	// in [0,0.9]. A delay d becomes a random value in [d·(1-j), d·(1+j)].
	Jitter float64 `json:"jitter,omitempty"`

	// RetryDeadline bounds the total time spent across all attempts.
	// Once exceeded, no further retries are scheduled. Zero means no bound.
	RetryDeadline time.Duration `json:"retry_deadline,omitempty"`
}

// DefaultPolicy returns the policy applied when a submission passes none.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:    5 * time.Minute,
		MaxRetries: 0,
		Backoff:    750 * time.Millisecond,
		Jitter:     0.3,
	}
}

// MaxAttempts returns the total attempt budget (initial run + retries).
func (p Policy) MaxAttempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Normalize clamps out-of-range fields to their valid domains.
func (p Policy) Normalize() Policy {
	if p.Timeout < 0 {
		p.Timeout = 0
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Backoff <= 0 {
		p.Backoff = 750 * time.Millisecond
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 0.9 {
		p.Jitter = 0.9
	}
	if p.RetryDeadline < 0 {
		p.RetryDeadline = 0
	}
	return p
}
