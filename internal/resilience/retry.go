package resilience

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy holds the exponential-backoff-with-jitter parameters from
// SPEC_FULL.md §4.6: delay_n = min(base*2^n, cap) + uniform_jitter(±jitter_frac).
type RetryPolicy struct {
	Base            time.Duration
	Cap             time.Duration
	JitterFrac      float64
	MaxAttempts     int
	StabilityWindow time.Duration
}

// DefaultRetryPolicy returns the spec's documented defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:            500 * time.Millisecond,
		Cap:             30 * time.Second,
		JitterFrac:      0.2,
		MaxAttempts:     10,
		StabilityWindow: 30 * time.Second,
	}
}

// Retryer drives the backoff sequence for a single source. It wraps
// backoff.ExponentialBackOff, whose NextBackOff already implements
// exactly the spec's "capped exponential, then randomize by ±factor"
// shape, rather than hand-rolling the same formula.
type Retryer struct {
	policy  RetryPolicy
	bo      *backoff.ExponentialBackOff
	attempt int
}

// NewRetryer builds a Retryer from a policy.
func NewRetryer(p RetryPolicy) *Retryer {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.Base
	bo.MaxInterval = p.Cap
	bo.Multiplier = 2.0
	bo.RandomizationFactor = p.JitterFrac
	return &Retryer{policy: p, bo: bo}
}

// NextDelay returns the delay before the next retry attempt, and false if
// MaxAttempts has been exhausted.
func (r *Retryer) NextDelay() (time.Duration, bool) {
	if r.attempt >= r.policy.MaxAttempts {
		return 0, false
	}
	d := r.bo.NextBackOff()
	r.attempt++
	return d, true
}

// Reset clears the attempt counter and backoff state. Called once a
// source has held Playing for StabilityWindow.
func (r *Retryer) Reset() {
	r.bo.Reset()
	r.attempt = 0
}

// Attempts returns the number of delays handed out since the last Reset.
func (r *Retryer) Attempts() int { return r.attempt }

// Exhausted reports whether MaxAttempts has been reached.
func (r *Retryer) Exhausted() bool { return r.attempt >= r.policy.MaxAttempts }
