package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStartCPUSamplerFeedsProviderIntoCoordinator(t *testing.T) {
	c, _ := newTestCoordinator(10, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	provider := func() (float64, error) {
		calls++
		return 1.0, nil
	}

	StartCPUSampler(ctx, c, 10*time.Millisecond, provider)
	time.Sleep(50 * time.Millisecond)
	cancel()

	if calls == 0 {
		t.Fatal("expected provider to be sampled at least once")
	}
	if _, n := c.cpuAverage(c.clock()); n == 0 {
		t.Fatal("expected at least one CPU sample recorded")
	}
}

func TestStartCPUSamplerIgnoresProviderErrors(t *testing.T) {
	c, _ := newTestCoordinator(10, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := func() (float64, error) { return 0, errors.New("read failed") }
	StartCPUSampler(ctx, c, 10*time.Millisecond, provider)
	time.Sleep(30 * time.Millisecond)
	cancel()

	if _, n := c.cpuAverage(c.clock()); n != 0 {
		t.Fatalf("expected no samples recorded on provider error, got %d", n)
	}
}

func TestReadSystemLoadParsesLoadavgFormat(t *testing.T) {
	// /proc/loadavg is Linux-specific; skip where unavailable rather than
	// asserting on a hard-coded path.
	if _, err := ReadSystemLoad(); err != nil {
		t.Skipf("ReadSystemLoad unavailable in this environment: %v", err)
	}
}
