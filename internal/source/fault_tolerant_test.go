package source

import (
	"context"
	"testing"
	"time"

	"github.com/kestrel-video/corevision/internal/resilience"
)

func fastFaultTolerancePolicy() FaultTolerancePolicy {
	p := DefaultFaultTolerancePolicy()
	p.Retry.Base = time.Millisecond
	p.Retry.Cap = 10 * time.Millisecond
	p.Retry.StabilityWindow = 20 * time.Millisecond
	return p
}

func TestFaultTolerantControllerRecoversOnTransientError(t *testing.T) {
	ctrl, reg, _ := newTestController(t, 0)
	ft := NewFaultTolerantSourceController(ctrl, fastFaultTolerancePolicy(), nil)

	id, err := ft.Add(context.Background(), "rtsp://example/stream")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	waitForState(t, reg, id, StatePlaying, 2*time.Second)

	reg.publish(Event{Kind: EventError, SourceID: id, URI: "rtsp://example/stream", Err: resilience.ErrNetworkDrop, Timestamp: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range reg.List() {
			if s.ID != id && s.State() == StatePlaying {
				assertLoopNotLeaked(t, ft, id)
				return // recovered as a newly rebuilt source
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected a recovered (new) source to reach Playing after a transient error")
}

// assertLoopNotLeaked confirms the old SourceId's recoveryLoop entry was
// removed once a recovery (successful or not) retires it; a leaked entry
// means the fault-tolerant controller holds one *recoveryLoop per old
// SourceId forever across the hot add/remove/recovery cycles spec.md §8
// exercises.
func assertLoopNotLeaked(t *testing.T, ft *FaultTolerantSourceController, oldID ID) {
	t.Helper()
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if _, stillTracked := ft.loops[oldID]; stillTracked {
		t.Fatalf("recoveryLoop for old source %d still tracked after recovery, want it removed", oldID)
	}
}

func TestFaultTolerantControllerGivesUpOnPermanentError(t *testing.T) {
	ctrl, reg, _ := newTestController(t, 0)
	ft := NewFaultTolerantSourceController(ctrl, fastFaultTolerancePolicy(), nil)

	id, err := ft.Add(context.Background(), "rtsp://example/stream")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	waitForState(t, reg, id, StatePlaying, 2*time.Second)

	reg.publish(Event{Kind: EventError, SourceID: id, URI: "rtsp://example/stream", Err: resilience.ErrAuthRejected, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)
	if reg.Len() != 1 {
		t.Fatalf("registry len = %d, want 1 (no recovery attempted for a Permanent error)", reg.Len())
	}
	assertLoopNotLeaked(t, ft, id)
}
