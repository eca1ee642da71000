package coordinator

import (
	"testing"
	"time"
)

func newTestCoordinator(maxPool, slotLimit int) (*Coordinator, *fakeClock) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	c := New(maxPool, slotLimit, 1.5, 4, WithClock(fc.Now))
	return c, fc
}

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func TestAddStreamAdmitsWithinPoolLimit(t *testing.T) {
	c, _ := newTestCoordinator(2, 2)
	ok, reason := c.AddStream("s1", 1)
	if !ok || reason != ReasonAdmitted {
		t.Fatalf("AddStream = (%v,%v), want (true, admitted)", ok, reason)
	}
}

func TestAddStreamRejectsWhenPoolFullAndNoLowerPriority(t *testing.T) {
	c, _ := newTestCoordinator(1, 1)
	if ok, _ := c.AddStream("s1", 5); !ok {
		t.Fatal("expected first stream to be admitted")
	}
	ok, reason := c.AddStream("s2", 5)
	if ok || reason != ReasonPoolFull {
		t.Fatalf("AddStream = (%v,%v), want (false, pool_full)", ok, reason)
	}
}

func TestAddStreamPreemptsLowerPriorityWhenPoolFull(t *testing.T) {
	c, _ := newTestCoordinator(1, 2)
	if ok, _ := c.AddStream("low", 0); !ok {
		t.Fatal("expected low-priority stream to be admitted")
	}
	ok, reason := c.AddStream("high", 5)
	if !ok || reason != ReasonPreempt {
		t.Fatalf("AddStream = (%v,%v), want (true, preempt)", ok, reason)
	}
	target, found := c.SelectPreemptionTarget(5)
	if !found || target != "low" {
		t.Fatalf("SelectPreemptionTarget = (%q,%v), want (low,true)", target, found)
	}
}

func TestRemoveStreamReleasesSlotForReAdmission(t *testing.T) {
	c, _ := newTestCoordinator(1, 1)
	c.AddStream("s1", 1)
	c.RemoveStream("s1")

	ok, reason := c.AddStream("s2", 1)
	if !ok || reason != ReasonAdmitted {
		t.Fatalf("AddStream after release = (%v,%v), want (true, admitted)", ok, reason)
	}
}

func TestCPUPressureBlocksAdmissionOnceWindowIsFull(t *testing.T) {
	c, fc := newTestCoordinator(10, 10)
	// cores=4, threshold scale=1.5 => ceiling 6.0
	for i := 0; i < 10; i++ {
		c.observeCPULoadAt(9.0, fc.now)
		fc.advance(time.Second)
	}
	ok, reason := c.AddStream("s1", 1)
	if ok || reason != ReasonCPUSaturated {
		t.Fatalf("AddStream = (%v,%v), want (false, cpu_saturated)", ok, reason)
	}
}

func TestCPUPressureFailsOpenWithTooFewSamples(t *testing.T) {
	c, fc := newTestCoordinator(10, 10)
	c.observeCPULoadAt(99.0, fc.now)

	ok, reason := c.AddStream("s1", 1)
	if !ok || reason != ReasonAdmitted {
		t.Fatalf("AddStream = (%v,%v), want (true, admitted) when sample window is too small", ok, reason)
	}
}

func TestSnapshotMetricsReportsActiveByPriorityAndSlots(t *testing.T) {
	c, _ := newTestCoordinator(5, 5)
	c.AddStream("a", 1)
	c.AddStream("b", 2)

	snap := c.SnapshotMetrics()
	if snap.TotalActive != 2 {
		t.Fatalf("TotalActive = %d, want 2", snap.TotalActive)
	}
	if snap.SlotsInUse != 2 {
		t.Fatalf("SlotsInUse = %d, want 2", snap.SlotsInUse)
	}
	if snap.ActiveByPriority[1] != 1 || snap.ActiveByPriority[2] != 1 {
		t.Fatalf("ActiveByPriority = %+v, want {1:1, 2:1}", snap.ActiveByPriority)
	}
}

func TestErrorForReasonIsNilOnlyForAdmittedOutcomes(t *testing.T) {
	if err := ErrorForReason(ReasonAdmitted); err != nil {
		t.Fatalf("ErrorForReason(admitted) = %v, want nil", err)
	}
	if err := ErrorForReason(ReasonPreempt); err != nil {
		t.Fatalf("ErrorForReason(preempt) = %v, want nil", err)
	}
	if err := ErrorForReason(ReasonPoolFull); err == nil {
		t.Fatal("ErrorForReason(pool_full) = nil, want non-nil")
	}
}
