package resilience

import (
	"testing"
	"time"
)

func TestRetryerDelayWithinSpecBounds(t *testing.T) {
	p := DefaultRetryPolicy()
	r := NewRetryer(p)

	for n := 0; n < 6; n++ {
		d, ok := r.NextDelay()
		if !ok {
			t.Fatalf("attempt %d: expected a delay, retryer exhausted early", n)
		}
		base := float64(p.Base) * pow2(n)
		capped := base
		if float64(p.Cap) < capped {
			capped = float64(p.Cap)
		}
		lo := time.Duration(base * (1 - p.JitterFrac))
		hi := time.Duration(capped * (1 + p.JitterFrac))
		if d < 0 {
			t.Fatalf("attempt %d: negative delay %v", n, d)
		}
		if hi > 0 && d > hi+time.Millisecond {
			t.Fatalf("attempt %d: delay %v exceeds upper bound %v (lo=%v)", n, d, hi, lo)
		}
	}
}

func pow2(n int) float64 {
	f := 1.0
	for i := 0; i < n; i++ {
		f *= 2
	}
	return f
}

func TestRetryerExhaustsAtMaxAttempts(t *testing.T) {
	p := DefaultRetryPolicy()
	p.MaxAttempts = 3
	r := NewRetryer(p)

	for i := 0; i < 3; i++ {
		if _, ok := r.NextDelay(); !ok {
			t.Fatalf("attempt %d: expected delay before exhaustion", i)
		}
	}
	if _, ok := r.NextDelay(); ok {
		t.Fatal("expected retryer to be exhausted after MaxAttempts")
	}
	if !r.Exhausted() {
		t.Fatal("expected Exhausted() to report true")
	}
}

func TestRetryerResetClearsAttemptCounter(t *testing.T) {
	p := DefaultRetryPolicy()
	r := NewRetryer(p)

	r.NextDelay()
	r.NextDelay()
	if r.Attempts() != 2 {
		t.Fatalf("expected 2 attempts, got %d", r.Attempts())
	}

	r.Reset()
	if r.Attempts() != 0 {
		t.Fatalf("expected attempts reset to 0, got %d", r.Attempts())
	}
}
