package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kestrel-video/corevision/internal/log"
	"github.com/kestrel-video/corevision/internal/metrics"
	"github.com/kestrel-video/corevision/internal/resilience"
)

// FaultTolerancePolicy bundles the retry/breaker defaults from
// SPEC_FULL.md §4.6.
type FaultTolerancePolicy struct {
	Retry            resilience.RetryPolicy
	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration
}

// DefaultFaultTolerancePolicy returns the spec's documented defaults.
func DefaultFaultTolerancePolicy() FaultTolerancePolicy {
	return FaultTolerancePolicy{
		Retry:            resilience.DefaultRetryPolicy(),
		BreakerThreshold: 5,
		BreakerWindow:    60 * time.Second,
		BreakerCooldown:  60 * time.Second,
	}
}

type recoveryLoop struct {
	uri     string
	breaker *resilience.CircuitBreaker
	retryer *resilience.Retryer
	cancel  context.CancelFunc
}

// FaultTolerantSourceController wraps a Controller with per-source error
// classification, exponential-backoff retry, and circuit breaking,
// composing (not replacing) the plain Controller per SPEC_FULL.md §6.
type FaultTolerantSourceController struct {
	ctrl       *Controller
	policy     FaultTolerancePolicy
	classifier *resilience.ErrorClassifier

	mu    sync.Mutex
	loops map[ID]*recoveryLoop
}

// NewFaultTolerantSourceController wraps ctrl. classifier may be nil, in
// which case a classifier with only the built-in rules is used — never a
// package-level singleton (SPEC_FULL.md §9).
func NewFaultTolerantSourceController(ctrl *Controller, policy FaultTolerancePolicy, classifier *resilience.ErrorClassifier) *FaultTolerantSourceController {
	if classifier == nil {
		classifier = resilience.NewErrorClassifier()
	}
	return &FaultTolerantSourceController{
		ctrl:       ctrl,
		policy:     policy,
		classifier: classifier,
		loops:      make(map[ID]*recoveryLoop),
	}
}

// Add adds uri through the wrapped controller and starts watching it for
// recoverable failures.
func (f *FaultTolerantSourceController) Add(ctx context.Context, uri string) (ID, error) {
	id, err := f.ctrl.Add(ctx, uri)
	if err != nil {
		return 0, err
	}
	f.track(ctx, id, uri)
	return id, nil
}

// Remove stops watching id and removes it via the wrapped controller.
func (f *FaultTolerantSourceController) Remove(ctx context.Context, id ID) error {
	f.untrack(id)
	return f.ctrl.Remove(ctx, id)
}

func (f *FaultTolerantSourceController) track(ctx context.Context, id ID, uri string) {
	f.mu.Lock()
	if _, exists := f.loops[id]; exists {
		f.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	rl := &recoveryLoop{
		uri:     uri,
		breaker: resilience.NewCircuitBreaker(fmt.Sprintf("source-%d", id), f.policy.BreakerThreshold, f.policy.BreakerWindow, f.policy.BreakerCooldown),
		retryer: resilience.NewRetryer(f.policy.Retry),
		cancel:  cancel,
	}
	f.loops[id] = rl
	f.mu.Unlock()

	go f.watch(loopCtx, id, rl)
}

func (f *FaultTolerantSourceController) untrack(id ID) {
	f.mu.Lock()
	rl, ok := f.loops[id]
	delete(f.loops, id)
	f.mu.Unlock()
	if ok {
		rl.cancel()
	}
}

// watch observes registry events for id, resetting the retryer after a
// stability window of continuous Playing, and triggering recovery on
// classification-eligible errors. A source in recovery is logically
// detached already (its branch is torn down by failAndRemove before the
// Error event is published), so watch never needs to touch the mux
// directly.
func (f *FaultTolerantSourceController) watch(ctx context.Context, id ID, rl *recoveryLoop) {
	events := f.ctrl.registry.Subscribe(ctx)

	var stabilityTimer *time.Timer
	defer func() {
		if stabilityTimer != nil {
			stabilityTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.SourceID != id {
				continue
			}
			switch evt.Kind {
			case EventStateChanged:
				if evt.To == StatePlaying {
					rl.breaker.RecordSuccess()
					if stabilityTimer != nil {
						stabilityTimer.Stop()
					}
					stabilityTimer = time.AfterFunc(f.policy.Retry.StabilityWindow, rl.retryer.Reset)
				}
			case EventError:
				rl.breaker.RecordFailure()
				kind := f.classifier.Classify(evt.Err)
				if !kind.Retryable() {
					metrics.RecordPermanentFailure(kind.String())
					f.untrack(id)
					return
				}
				f.recover(ctx, id, rl)
				// The rebuilt source (if any) was tracked under a new
				// SourceId by recover; this watch goroutine is exiting
				// either way, so id's own loop entry must go with it —
				// otherwise every successful or abandoned recovery leaks
				// one *recoveryLoop per old SourceId for the life of the
				// process.
				f.untrack(id)
				return
			case EventRemoved:
				f.untrack(id)
				return
			}
		}
	}
}

// recover waits for breaker/backoff clearance then re-adds the source
// under a new SourceId — "physically rebuilt on the next attempt" per
// SPEC_FULL.md §4.6. Give-up (breaker refuses, or retries exhausted)
// records a permanent failure instead of looping forever.
func (f *FaultTolerantSourceController) recover(ctx context.Context, id ID, rl *recoveryLoop) {
	logger := log.WithComponentFromContext(ctx, "fault-tolerant-controller")

	if !rl.breaker.AllowRequest() {
		// Cooldown grows each time a half-open probe fails (see
		// resilience.CircuitBreaker), so a source that keeps failing right
		// after recovery backs off further each cycle instead of hammering
		// the breaker at a fixed interval; surface the current value so an
		// operator reading the log can tell a flapping source from one that
		// just hasn't reached its first probe yet.
		logger.Warn().Str("uri", rl.uri).Dur("cooldown", rl.breaker.Cooldown()).
			Msg("circuit breaker open, giving up recovery for now")
		metrics.RecordPermanentFailure(resilience.DegradedSource.String())
		return
	}
	delay, ok := rl.retryer.NextDelay()
	if !ok {
		logger.Warn().Str("uri", rl.uri).Msg("retry attempts exhausted, giving up recovery")
		metrics.RecordPermanentFailure(resilience.Transient.String())
		return
	}
	rl.breaker.RecordAttempt()

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	newID, err := f.ctrl.Add(ctx, rl.uri)
	if err != nil {
		rl.breaker.RecordFailure()
		return
	}
	metrics.RecordRecovery(fmt.Sprintf("source-%d", id))
	// ctx is the old id's loop context, cancelled by untrack(id) as soon as
	// recover returns; the rebuilt source keeps this loop's breaker and
	// retryer so repeated failures across rebuilds still reach give-up.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	next := &recoveryLoop{uri: rl.uri, breaker: rl.breaker, retryer: rl.retryer, cancel: cancel}
	f.mu.Lock()
	f.loops[newID] = next
	f.mu.Unlock()
	go f.watch(loopCtx, newID, next)
}
