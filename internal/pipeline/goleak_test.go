package pipeline

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kestrel-video/corevision/internal/backend"
)

func TestManagerTeardownLeavesNoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mgr := New("leak-check", backend.Mock)
	ctx, cancel := context.WithCancel(context.Background())
	sub := mgr.BusSubscribe(ctx)

	mgr.RequestState(context.Background(), StatePlaying)
	if _, err := mgr.AwaitStable(context.Background(), time.Second); err != nil {
		t.Fatalf("AwaitStable: %v", err)
	}

	if err := mgr.Teardown(context.Background(), time.Second); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	cancel()

	// Drain until the BusSubscribe goroutine's close(ch) fires.
	for range sub {
	}
}
