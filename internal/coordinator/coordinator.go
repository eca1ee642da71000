// Package coordinator implements the multi-stream admission gate from
// SPEC_FULL.md §4.9, grounded directly on the reference resource-
// admission monitor: a priority-classed gate sampling CPU load over a
// rolling window and rejecting or preempting by priority when
// saturated, generalized from three fixed priority classes to an
// arbitrary integer priority and from "GPU token" to "processing slot".
package coordinator

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrel-video/corevision/internal/metrics"
)

// Reason is the admission outcome taxonomy surfaced on metrics and to
// callers deciding whether to retry or report a rejection upstream.
type Reason string

const (
	ReasonAdmitted     Reason = "admitted"
	ReasonPoolFull     Reason = "pool_full"
	ReasonPreempt      Reason = "preempt"
	ReasonSlotBusy     Reason = "slot_busy"
	ReasonCPUSaturated Reason = "cpu_saturated"
)

type cpuSample struct {
	at   time.Time
	load float64
}

// Snapshot is the point-in-time view returned by SnapshotMetrics.
type Snapshot struct {
	TotalActive    int
	ActiveByPriority map[int]int
	SlotsInUse     int64
	SlotLimit      int64
	CPUAverage     float64
	CPUSampleCount int
}

// Coordinator admits or rejects streams against a bounded pool of
// processing slots, gated additionally by a rolling CPU-load average.
// It composes a source.Controller (or FaultTolerantSourceController)
// rather than replacing it: Coordinator only decides whether a stream
// should be added, the caller still drives the actual Add/Remove.
type Coordinator struct {
	mu         sync.RWMutex
	streams    map[int][]string // priority -> stream IDs, insertion order preserved

	maxPool       int64
	slotLimit     int64
	activeSlots   int64 // atomic
	cpuThreshold  float64
	cores         float64
	cpuMu         sync.Mutex
	cpuSamples    []cpuSample
	cpuWindow     time.Duration
	cpuMinSamples int
	cpuRatio      float64
	lastWarnAt    time.Time
	logger        zerolog.Logger
	clock         func() time.Time
}

// Option configures a Coordinator at construction.
type Option func(*Coordinator)

// WithLogger injects a logger for operational diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// New builds a Coordinator. maxPool bounds total admitted streams
// regardless of priority; slotLimit bounds concurrently reserved
// processing slots (a stricter, possibly smaller, resource such as a
// hardware decode/encode budget); cpuThresholdScale multiplies
// cores to get the rolling-window CPU ceiling.
func New(maxPool, slotLimit int, cpuThresholdScale float64, cores int, opts ...Option) *Coordinator {
	if maxPool <= 0 {
		maxPool = 8
	}
	if slotLimit <= 0 {
		slotLimit = maxPool
	}
	if cpuThresholdScale <= 0 {
		cpuThresholdScale = 1.5
	}
	if cores <= 0 {
		cores = 1
	}

	c := &Coordinator{
		streams:       make(map[int][]string),
		maxPool:       int64(maxPool),
		slotLimit:     int64(slotLimit),
		cpuThreshold:  cpuThresholdScale,
		cores:         float64(cores),
		cpuWindow:     30 * time.Second,
		cpuMinSamples: 10,
		cpuRatio:      0.5,
		logger:        zerolog.Nop(),
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddStream attempts to admit streamID at the given priority (higher
// values outrank lower ones). On a ReasonAdmitted success it also
// reserves a processing slot; callers must call RemoveStream to release
// both the admission and the slot. When the pool is full and a
// lower-priority stream is admitted, it returns (true, ReasonPreempt)
// without recording streamID or reserving a slot; SelectPreemptionTarget
// names the stream to displace.
func (c *Coordinator) AddStream(streamID string, priority int) (bool, Reason) {
	c.mu.Lock()
	total := c.totalActiveLocked()
	if total >= c.maxPool {
		if c.hasPreemptibleLocked(priority) {
			c.mu.Unlock()
			metrics.RecordAdmissionRejected(string(ReasonPreempt))
			return true, ReasonPreempt
		}
		c.mu.Unlock()
		metrics.RecordAdmissionRejected(string(ReasonPoolFull))
		return false, ReasonPoolFull
	}
	c.mu.Unlock()

	if !c.acquireSlot() {
		metrics.RecordAdmissionRejected(string(ReasonSlotBusy))
		return false, ReasonSlotBusy
	}

	if ok, reason := c.cpuWithinLimits(); !ok {
		c.releaseSlot()
		metrics.RecordAdmissionRejected(string(reason))
		return false, reason
	}

	c.mu.Lock()
	c.streams[priority] = append(c.streams[priority], streamID)
	c.mu.Unlock()
	metrics.SetCoordinatorStreamsActive(strconv.Itoa(priority), len(c.streams[priority]))
	return true, ReasonAdmitted
}

// RemoveStream releases streamID's admission and processing slot.
func (c *Coordinator) RemoveStream(streamID string) {
	c.mu.Lock()
	removed := false
	for p, ids := range c.streams {
		for i, id := range ids {
			if id == streamID {
				c.streams[p] = append(ids[:i], ids[i+1:]...)
				removed = true
				metrics.SetCoordinatorStreamsActive(strconv.Itoa(p), len(c.streams[p]))
				break
			}
		}
		if removed {
			break
		}
	}
	c.mu.Unlock()
	if removed {
		c.releaseSlot()
	}
}

// ObserveCPULoad records one CPU-load sample for the rolling window.
func (c *Coordinator) ObserveCPULoad(load float64) {
	c.observeCPULoadAt(load, c.clock())
}

func (c *Coordinator) observeCPULoadAt(load float64, at time.Time) {
	if math.IsNaN(load) || math.IsInf(load, 0) || load < 0 {
		return
	}
	c.cpuMu.Lock()
	defer c.cpuMu.Unlock()
	c.cpuSamples = append(c.cpuSamples, cpuSample{at: at, load: load})
	c.pruneCPUSamplesLocked(at)
}

func (c *Coordinator) cpuWithinLimits() (bool, Reason) {
	c.cpuMu.Lock()
	defer c.cpuMu.Unlock()

	now := c.clock()
	c.pruneCPUSamplesLocked(now)

	if len(c.cpuSamples) < c.cpuMinSamples {
		// Fail-open: insufficient data never blocks admission, it only warns.
		if now.Sub(c.lastWarnAt) >= time.Minute {
			c.lastWarnAt = now
			c.logger.Warn().
				Int("samples", len(c.cpuSamples)).
				Int("min_needed", c.cpuMinSamples).
				Msg("cpu sample window too small, admitting anyway")
		}
		return true, ReasonAdmitted
	}

	threshold := c.cores * c.cpuThreshold
	var over int
	for _, s := range c.cpuSamples {
		if s.load >= threshold {
			over++
		}
	}
	ratio := float64(over) / float64(len(c.cpuSamples))
	if ratio >= c.cpuRatio {
		if now.Sub(c.lastWarnAt) >= time.Minute {
			c.lastWarnAt = now
			c.logger.Warn().
				Float64("ratio", ratio).
				Float64("threshold", threshold).
				Msg("admission blocked: cpu pressure over threshold")
		}
		return false, ReasonCPUSaturated
	}
	return true, ReasonAdmitted
}

func (c *Coordinator) pruneCPUSamplesLocked(now time.Time) {
	cutoff := now.Add(-c.cpuWindow)
	keep := c.cpuSamples[:0]
	for _, s := range c.cpuSamples {
		if !s.at.Before(cutoff) {
			keep = append(keep, s)
		}
	}
	c.cpuSamples = keep
}

func (c *Coordinator) acquireSlot() bool {
	for {
		cur := atomic.LoadInt64(&c.activeSlots)
		if cur >= c.slotLimit {
			return false
		}
		if atomic.CompareAndSwapInt64(&c.activeSlots, cur, cur+1) {
			metrics.SetCoordinatorSlotsInUse(cur + 1)
			return true
		}
	}
}

func (c *Coordinator) releaseSlot() {
	n := atomic.AddInt64(&c.activeSlots, -1)
	if n < 0 {
		atomic.StoreInt64(&c.activeSlots, 0)
		n = 0
	}
	metrics.SetCoordinatorSlotsInUse(n)
}

func (c *Coordinator) totalActiveLocked() int64 {
	var total int64
	for _, ids := range c.streams {
		total += int64(len(ids))
	}
	return total
}

func (c *Coordinator) hasPreemptibleLocked(priority int) bool {
	for p, ids := range c.streams {
		if p < priority && len(ids) > 0 {
			return true
		}
	}
	return false
}

// SelectPreemptionTarget returns the oldest admitted stream ID from the
// lowest priority class strictly below priority, if any.
func (c *Coordinator) SelectPreemptionTarget(priority int) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var candidates []int
	for p, ids := range c.streams {
		if p < priority && len(ids) > 0 {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Ints(candidates)
	return c.streams[candidates[0]][0], true
}

// SnapshotMetrics returns the current admission and resource state.
func (c *Coordinator) SnapshotMetrics() Snapshot {
	c.mu.RLock()
	byPriority := make(map[int]int, len(c.streams))
	total := 0
	for p, ids := range c.streams {
		byPriority[p] = len(ids)
		total += len(ids)
	}
	c.mu.RUnlock()

	avg, count := c.cpuAverage(c.clock())

	return Snapshot{
		TotalActive:      total,
		ActiveByPriority: byPriority,
		SlotsInUse:       atomic.LoadInt64(&c.activeSlots),
		SlotLimit:        c.slotLimit,
		CPUAverage:       avg,
		CPUSampleCount:   count,
	}
}

func (c *Coordinator) cpuAverage(now time.Time) (float64, int) {
	c.cpuMu.Lock()
	defer c.cpuMu.Unlock()
	c.pruneCPUSamplesLocked(now)
	if len(c.cpuSamples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range c.cpuSamples {
		sum += s.load
	}
	return sum / float64(len(c.cpuSamples)), len(c.cpuSamples)
}

func (r Reason) String() string { return string(r) }

// ErrorForReason adapts a rejection Reason into an error for callers
// that want to propagate admission failures through a normal error
// return rather than the (bool, Reason) pair.
func ErrorForReason(r Reason) error {
	if r == ReasonAdmitted || r == ReasonPreempt {
		return nil
	}
	return fmt.Errorf("coordinator: admission rejected: %s", r)
}
