package job

import (
	"math/rand"
	"time"
)

// jitterFraction is the upper bound of the random jitter added to each
// backoff delay, as a fraction of the computed delay. Spreads retries of
// jobs that failed together.
const jitterFraction = 0.2

// RetryPolicy computes next-attempt delays: exponential doubling from a
// base delay, capped at a maximum, with random jitter in
// [0, delay*jitterFraction]. Safe for concurrent use.
type RetryPolicy struct {
	base time.Duration
	max  time.Duration

	// randFloat is swappable for deterministic tests.
	randFloat func() float64
}

// NewRetryPolicy creates a policy with the given base and maximum delay.
func NewRetryPolicy(base, maxDelay time.Duration) *RetryPolicy {
	return &RetryPolicy{
		base:      base,
		max:       maxDelay,
		randFloat: rand.Float64,
	}
}

// Delay returns the backoff delay after the given attempt count
// (1-indexed: attempts=1 is the first failure).
func (p *RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	d := p.base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.max {
			d = p.max
			break
		}
	}
	if d > p.max {
		d = p.max
	}

	jitter := time.Duration(p.randFloat() * jitterFraction * float64(d))
	return d + jitter
}

// NextAvailableAt returns the earliest time the job may be leased again
// after a failure on the given attempt.
func (p *RetryPolicy) NextAvailableAt(now time.Time, attempts int) time.Time {
	return now.Add(p.Delay(attempts))
}
