package resilience

import (
	"context"
	"fmt"
	"testing"
)

func TestClassifyBuiltinSentinels(t *testing.T) {
	c := NewErrorClassifier()
	cases := map[error]ErrorKind{
		fmt.Errorf("wrap: %w", ErrBadURI):       Configuration,
		fmt.Errorf("wrap: %w", ErrOutOfMemory):  Resource,
		fmt.Errorf("wrap: %w", ErrNetworkDrop):  Transient,
		fmt.Errorf("wrap: %w", ErrStalled):      Transient,
		fmt.Errorf("wrap: %w", ErrAuthRejected): Permanent,
	}
	for err, want := range cases {
		if got := c.Classify(err); got != want {
			t.Errorf("Classify(%v) = %v, want %v", err, got, want)
		}
	}
}

func TestClassifyUnrecognizedFallsBackToInternal(t *testing.T) {
	c := NewErrorClassifier()
	if got := c.Classify(fmt.Errorf("something weird")); got != Internal {
		t.Fatalf("got %v, want Internal", got)
	}
}

func TestClassifyExtraRuleTakesPrecedence(t *testing.T) {
	sentinel := fmt.Errorf("custom resource pressure")
	c := NewErrorClassifier(func(err error) (ErrorKind, bool) {
		if err == sentinel {
			return Resource, true
		}
		return 0, false
	})
	if got := c.Classify(sentinel); got != Resource {
		t.Fatalf("got %v, want Resource", got)
	}
}

func TestOnlyTransientAndDegradedAreRetryable(t *testing.T) {
	for k := ErrorKind(0); k <= Internal; k++ {
		want := k == Transient || k == DegradedSource
		if got := k.Retryable(); got != want {
			t.Errorf("%v.Retryable() = %v, want %v", k, got, want)
		}
	}
}

func TestContextClassifierRoundTrip(t *testing.T) {
	c := NewErrorClassifier()
	ctx := ContextWithClassifier(context.Background(), c)
	if ClassifierFromContext(ctx) != c {
		t.Fatal("expected the stored classifier to round-trip through context")
	}
	if ClassifierFromContext(context.Background()) == nil {
		t.Fatal("expected a default classifier when none is stored")
	}
}
