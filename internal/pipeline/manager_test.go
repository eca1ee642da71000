package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/kestrel-video/corevision/internal/backend"
	"github.com/kestrel-video/corevision/internal/element"
)

func testFactory(t *testing.T) *element.Factory {
	t.Helper()
	mgr := backend.Detect(kindPtr(backend.Mock))
	return element.NewFactory(mgr)
}

func kindPtr(k backend.Kind) *backend.Kind { return &k }

func TestManagerRequestStateTransitionsAndSettles(t *testing.T) {
	m := New("test-pipeline", backend.Mock)
	defer m.Teardown(context.Background(), time.Second)

	if got := m.CurrentState(); got != StateNull {
		t.Fatalf("initial state = %v, want Null", got)
	}

	m.RequestState(context.Background(), StatePlaying)
	outcome, err := m.AwaitStable(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("await_stable error: %v", err)
	}
	if outcome != Success {
		t.Fatalf("outcome = %v, want Success", outcome)
	}
	if got := m.CurrentState(); got != StatePlaying {
		t.Fatalf("state after transition = %v, want Playing", got)
	}
}

func TestManagerRequestStateIsIdempotentAfterCompletion(t *testing.T) {
	m := New("idempotent", backend.Mock)
	defer m.Teardown(context.Background(), time.Second)

	m.RequestState(context.Background(), StateReady)
	if _, err := m.AwaitStable(context.Background(), time.Second); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	// A second request for the same already-settled target must be a no-op:
	// AwaitStable with no pending transition returns immediately.
	m.RequestState(context.Background(), StateReady)
	start := time.Now()
	outcome, err := m.AwaitStable(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("second await: %v", err)
	}
	if outcome != Success {
		t.Fatalf("outcome = %v, want Success", outcome)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("second request_state took %v, expected an immediate no-op", elapsed)
	}
}

func TestManagerAwaitStableWithZeroTimeoutStillSettles(t *testing.T) {
	m := New("timeout-test", backend.Mock)
	defer m.Teardown(context.Background(), time.Second)

	m.RequestState(context.Background(), StatePlaying)
	outcome, err := m.AwaitStable(context.Background(), 0)
	// A zero timeout with no timer channel means AwaitStable blocks on the
	// transition's own completion instead of firing immediately, so just
	// confirm a nonzero timeout still settles to Playing.
	_ = outcome
	_ = err

	outcome2, err2 := m.AwaitStable(context.Background(), 2*time.Second)
	if err2 != nil {
		t.Fatalf("await after settle: %v", err2)
	}
	if outcome2 != Success {
		t.Fatalf("outcome = %v, want Success", outcome2)
	}
	if got := m.CurrentState(); got != StatePlaying {
		t.Fatalf("state = %v, want Playing even after an earlier zero-timeout await", got)
	}
}

func TestManagerAddReportsDeferredSyncOnlyWhenNull(t *testing.T) {
	m := New("sync-test", backend.Mock)
	defer m.Teardown(context.Background(), time.Second)

	f := testFactory(t)
	el1, err := f.Create(backend.Sink, "sink-1", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	deferred, err := m.Add(el1)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !deferred {
		t.Fatal("expected deferred sync while pipeline is Null")
	}

	m.RequestState(context.Background(), StatePlaying)
	if _, err := m.AwaitStable(context.Background(), time.Second); err != nil {
		t.Fatalf("await: %v", err)
	}

	el2, err := f.Create(backend.Sink, "sink-2", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	deferred2, err := m.Add(el2)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if deferred2 {
		t.Fatal("expected immediate sync while pipeline is Playing")
	}
}

func TestManagerLinkRejectsUnknownElements(t *testing.T) {
	m := New("link-test", backend.Mock)
	defer m.Teardown(context.Background(), time.Second)

	if err := m.Link("ghost-a", "ghost-b"); err == nil {
		t.Fatal("expected error linking elements that were never added")
	}
}

func TestManagerBusSubscribeReceivesStateChangedEvents(t *testing.T) {
	m := New("bus-test", backend.Mock)
	defer m.Teardown(context.Background(), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := m.BusSubscribe(ctx)

	m.RequestState(context.Background(), StatePlaying)
	if _, err := m.AwaitStable(context.Background(), time.Second); err != nil {
		t.Fatalf("await: %v", err)
	}

	select {
	case evt := <-events:
		if evt.Kind != EventStateChanged {
			t.Fatalf("event kind = %v, want EventStateChanged", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a state-changed event on the subscribed channel")
	}
}

func TestManagerTeardownReleasesGraphAndIsIdempotent(t *testing.T) {
	m := New("teardown-test", backend.Mock)

	f := testFactory(t)
	el, err := f.Create(backend.Sink, "sink", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Add(el); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := m.Teardown(context.Background(), time.Second); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if got := m.CurrentState(); got != StateNull {
		t.Fatalf("state after teardown = %v, want Null", got)
	}
	if len(m.Elements()) != 0 {
		t.Fatal("expected graph to be released on teardown")
	}

	// Idempotent: a second teardown must not panic or error.
	if err := m.Teardown(context.Background(), time.Second); err != nil {
		t.Fatalf("second teardown: %v", err)
	}
}
