package resilience

import (
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func TestCircuitBreakerTripsAfterThresholdFailures(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker("src-1", 5, time.Minute, time.Minute, WithClock(fc))

	for i := 0; i < 4; i++ {
		cb.RecordAttempt()
		cb.RecordFailure()
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected still closed after 4 failures, got %v", cb.GetState())
	}
	cb.RecordAttempt()
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open after 5th failure, got %v", cb.GetState())
	}
	if cb.AllowRequest() {
		t.Fatal("expected Open breaker to reject requests before cooldown elapses")
	}
}

func TestCircuitBreakerHalfOpenProbeAndClose(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker("src-2", 2, time.Minute, 30*time.Second, WithClock(fc))

	cb.RecordAttempt()
	cb.RecordFailure()
	cb.RecordAttempt()
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %v", cb.GetState())
	}

	fc.advance(31 * time.Second)
	if !cb.AllowRequest() {
		t.Fatal("expected cooldown elapsed to allow a half-open probe")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", cb.GetState())
	}

	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected a single successful probe to close the breaker, got %v", cb.GetState())
	}
}

func TestCircuitBreakerHalfOpenFailureDoublesCooldown(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker("src-3", 1, time.Minute, 10*time.Second, WithClock(fc))

	cb.RecordAttempt()
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %v", cb.GetState())
	}

	fc.advance(11 * time.Second)
	cb.AllowRequest() // -> HalfOpen
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected reopen on half-open probe failure, got %v", cb.GetState())
	}
	if got := cb.Cooldown(); got != 20*time.Second {
		t.Fatalf("expected doubled cooldown of 20s, got %v", got)
	}
}

func TestCircuitBreakerCooldownCapsAtMax(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker("src-4", 1, time.Minute, 10*time.Second, WithClock(fc), WithMaxCooldown(15*time.Second))

	cb.RecordAttempt()
	cb.RecordFailure() // Open, cooldown=10s

	fc.advance(11 * time.Second)
	cb.AllowRequest() // HalfOpen
	cb.RecordFailure() // Open again, cooldown would double to 20s but caps at 15s

	if got := cb.Cooldown(); got != 15*time.Second {
		t.Fatalf("expected cooldown capped at 15s, got %v", got)
	}
}

func TestCircuitBreakerSlidingWindowPrunesOldEvents(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker("src-5", 3, 10*time.Second, time.Minute, WithClock(fc))

	cb.RecordAttempt()
	cb.RecordFailure()
	fc.advance(11 * time.Second) // outside window now

	cb.RecordAttempt()
	cb.RecordFailure()
	cb.RecordAttempt()
	cb.RecordFailure()

	if cb.GetState() != StateClosed {
		t.Fatalf("expected breaker closed since old failure fell out of window, got %v", cb.GetState())
	}
}
