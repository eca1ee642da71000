// Package resilience implements the fault-tolerance layer: error
// classification, exponential-backoff-with-jitter retry, a per-source
// circuit breaker, and health monitoring.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/kestrel-video/corevision/internal/metrics"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by AllowRequest-gated callers when the
// breaker is rejecting new attempts.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type eventKind int

const (
	eventAttempt eventKind = iota
	eventSuccess
	eventFailure
)

type event struct {
	ts   time.Time
	kind eventKind
}

// clock abstracts time for testability.
type clock interface{ Now() time.Time }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// CircuitBreaker implements the per-source sliding-window breaker from
// SPEC_FULL.md §4.6: Closed -> Open on threshold consecutive failures
// within window (a success resets the count); Open blocks until cooldown
// elapses; in HalfOpen, AllowRequest returns true for every call and does
// not itself limit probes to one; success closes it, failure reopens it
// with doubled cooldown up to a cap.
type CircuitBreaker struct {
	mu sync.Mutex

	sourceID string

	state    State
	openedAt time.Time

	events []event
	window time.Duration

	threshold        int // consecutive failures within window to trip
	minAttempts      int
	successes        int
	successThreshold int // successes required in HalfOpen to close (default 1: a single probe)

	cooldown    time.Duration // current cooldown, doubles on repeated Open
	baseCooldown time.Duration
	maxCooldown  time.Duration

	clock clock
}

// Option configures a CircuitBreaker at construction.
type Option func(*CircuitBreaker)

// WithClock overrides the time source. Test-only.
func WithClock(c clock) Option { return func(cb *CircuitBreaker) { cb.clock = c } }

// WithHalfOpenSuccessThreshold overrides how many consecutive HalfOpen
// successes are required to close the breaker. Spec default is 1.
func WithHalfOpenSuccessThreshold(n int) Option {
	return func(cb *CircuitBreaker) { cb.successThreshold = n }
}

// WithMaxCooldown caps the doubled cooldown growth.
func WithMaxCooldown(d time.Duration) Option {
	return func(cb *CircuitBreaker) { cb.maxCooldown = d }
}

// NewCircuitBreaker builds a breaker with the spec's defaults
// (threshold=5, window=60s, cooldown=60s) where zero values are passed.
func NewCircuitBreaker(sourceID string, threshold int, window, cooldown time.Duration, opts ...Option) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}

	cb := &CircuitBreaker{
		sourceID:         sourceID,
		state:            StateClosed,
		threshold:        threshold,
		minAttempts:      1,
		window:           window,
		cooldown:         cooldown,
		baseCooldown:     cooldown,
		maxCooldown:      10 * cooldown,
		successThreshold: 1,
		clock:            realClock{},
	}
	for _, opt := range opts {
		opt(cb)
	}

	metrics.SetCircuitBreakerState(cb.sourceID, cb.state.String())
	return cb
}

// AllowRequest reports whether a connection/retry attempt may proceed,
// transitioning Open->HalfOpen once the cooldown has elapsed.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.prune()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.clock.Now().Sub(cb.openedAt) >= cb.cooldown {
			cb.transitionInto(StateHalfOpen)
			return true
		}
		return false
	default: // HalfOpen: exactly one probe in flight is the caller's responsibility
		return true
	}
}

// RecordAttempt marks that a connection attempt was made.
func (cb *CircuitBreaker) RecordAttempt() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.events = append(cb.events, event{ts: cb.clock.Now(), kind: eventAttempt})
	cb.prune()
	cb.evaluate()
}

// RecordSuccess marks a successful attempt, closing the breaker from
// HalfOpen once successThreshold consecutive successes are seen.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.events = append(cb.events, event{ts: cb.clock.Now(), kind: eventSuccess})
	cb.prune()

	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.cooldown = cb.baseCooldown
			cb.transitionInto(StateClosed)
		}
	}
}

// RecordFailure marks a failed attempt. A failure while HalfOpen reopens
// the breaker immediately with a doubled cooldown, capped at maxCooldown.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.events = append(cb.events, event{ts: cb.clock.Now(), kind: eventFailure})
	cb.prune()

	if cb.state == StateHalfOpen {
		cb.cooldown *= 2
		if cb.cooldown > cb.maxCooldown {
			cb.cooldown = cb.maxCooldown
		}
		cb.transitionInto(StateOpen)
		return
	}

	cb.evaluate()
}

func (cb *CircuitBreaker) prune() {
	cutoff := cb.clock.Now().Add(-cb.window)
	for i := range cb.events {
		if !cb.events[i].ts.Before(cutoff) {
			cb.events = cb.events[i:]
			return
		}
	}
	cb.events = nil
}

func (cb *CircuitBreaker) evaluate() {
	if cb.state != StateClosed {
		return
	}
	var attempts, failures int
	for _, e := range cb.events {
		switch e.kind {
		case eventAttempt:
			attempts++
		case eventSuccess:
			failures = 0
		case eventFailure:
			failures++
		}
	}
	if attempts >= cb.minAttempts && failures >= cb.threshold {
		cb.transitionInto(StateOpen)
	}
}

func (cb *CircuitBreaker) transitionInto(s State) {
	if cb.state == s {
		return
	}
	cb.state = s
	switch s {
	case StateOpen:
		cb.openedAt = cb.clock.Now()
		metrics.RecordCircuitBreakerTrip(cb.sourceID)
	case StateHalfOpen:
		cb.successes = 0
	case StateClosed:
		cb.events = nil
	}
	metrics.SetCircuitBreakerState(cb.sourceID, s.String())
}

// GetState returns the breaker's current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Cooldown returns the breaker's current (possibly doubled) cooldown.
func (cb *CircuitBreaker) Cooldown() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.cooldown
}
