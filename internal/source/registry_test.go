package source

import (
	"context"
	"testing"
	"time"
)

func TestRegistryAllocateIDIsMonotonic(t *testing.T) {
	r := NewRegistry()
	a := r.AllocateID()
	b := r.AllocateID()
	if b <= a {
		t.Fatalf("expected monotonically increasing ids, got %d then %d", a, b)
	}
}

func TestRegistryRegisterGetRemoveRoundTrip(t *testing.T) {
	r := NewRegistry()
	s := r.Register("rtsp://example/stream")
	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}

	got, ok := r.Get(s.ID)
	if !ok || got != s {
		t.Fatal("expected Get to return the registered source")
	}

	if err := r.Remove(s.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if r.Len() != 0 {
		t.Fatal("expected registry to return to its pre-add size")
	}
}

func TestRegistrySecondRemoveReturnsNotFoundDeterministically(t *testing.T) {
	r := NewRegistry()
	s := r.Register("rtsp://example/stream")

	if err := r.Remove(s.ID); err != nil {
		t.Fatalf("first remove: %v", err)
	}
	if err := r.Remove(s.ID); err != ErrNotFound {
		t.Fatalf("second remove = %v, want ErrNotFound", err)
	}
}

func TestRegistrySubscribeReceivesAddedEvent(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := r.Subscribe(ctx)
	r.Register("rtsp://example/stream")

	select {
	case evt := <-events:
		if evt.Kind != EventAdded {
			t.Fatalf("kind = %v, want EventAdded", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an Added event")
	}
}

func TestRegistryFireDrivesSourceStateMachine(t *testing.T) {
	r := NewRegistry()
	s := r.Register("rtsp://example/stream")

	if err := r.fire(context.Background(), s, evAdd); err != nil {
		t.Fatalf("fire evAdd: %v", err)
	}
	if s.State() != StateConnecting {
		t.Fatalf("state = %v, want Connecting", s.State())
	}

	if err := r.fire(context.Background(), s, evPadsLinked); err != nil {
		t.Fatalf("fire evPadsLinked: %v", err)
	}
	if s.State() != StatePlaying {
		t.Fatalf("state = %v, want Playing", s.State())
	}
}

func TestRegistryFireRejectsInvalidTransition(t *testing.T) {
	r := NewRegistry()
	s := r.Register("rtsp://example/stream")

	// Created -> pads_linked is not a valid edge; only Created -> add is.
	if err := r.fire(context.Background(), s, evPadsLinked); err == nil {
		t.Fatal("expected an error for an unregistered transition")
	}
}
