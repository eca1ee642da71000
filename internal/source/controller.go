package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-video/corevision/internal/backend"
	"github.com/kestrel-video/corevision/internal/element"
	"github.com/kestrel-video/corevision/internal/log"
	"github.com/kestrel-video/corevision/internal/metrics"
	"github.com/kestrel-video/corevision/internal/pipeline"
)

// ErrCapacityExceeded is returned by Add when the configured maximum
// concurrent source count would be exceeded. Add fails without partial
// construction.
var ErrCapacityExceeded = errors.New("source capacity exceeded")

// ActiveSummary is the (id, uri, state) tuple returned by ListActive, plus
// which lifecycle operations are currently legal for the source — the
// control surface (SPEC_FULL.md §6) uses these instead of attempting an
// operation just to discover it would be rejected.
type ActiveSummary struct {
	ID        ID
	URI       string
	State     State
	CanPause  bool
	CanResume bool
	CanRemove bool
}

type branch struct {
	decoderName string
	rateName    string
	gate        *FrameGate
}

// Controller composes the source registry, element factory, and pipeline
// manager to implement live-source management (SPEC_FULL.md §4.5).
type Controller struct {
	registry *Registry
	mgr      *pipeline.Manager
	factory  *element.Factory
	muxName  string

	maxSources       int
	removalTimeout   time.Duration
	defaultTargetFPS float64

	mu       sync.Mutex
	branches map[ID]*branch

	autoRemoveOnEOS atomic.Bool
}

// NewController builds a Controller. muxName must already be added to
// mgr as the StreamMux element branches link into. maxSources <= 0 means
// unbounded.
func NewController(registry *Registry, mgr *pipeline.Manager, factory *element.Factory, muxName string, maxSources int) *Controller {
	return &Controller{
		registry:       registry,
		mgr:            mgr,
		factory:        factory,
		muxName:        muxName,
		maxSources:     maxSources,
		removalTimeout: 5 * time.Second,
		branches:       make(map[ID]*branch),
	}
}

// SetAutoRemoveOnEOS configures the per-source EOS policy.
func (c *Controller) SetAutoRemoveOnEOS(v bool) { c.autoRemoveOnEOS.Store(v) }

// SetDefaultTargetFPS configures the framerate normalizer's cap for
// branches created after this call. 0 (the default) leaves new
// branches uncapped, per the resolved Open Question in SPEC_FULL.md
// §4.5: operators opt into the protective cap explicitly.
func (c *Controller) SetDefaultTargetFPS(fps float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultTargetFPS = fps
}

// FrameGate returns the framerate normalizer for an active source, or
// nil if the source has no branch (not yet linked, or already
// removed).
func (c *Controller) FrameGate(id ID) *FrameGate {
	c.mu.Lock()
	defer c.mu.Unlock()
	br, ok := c.branches[id]
	if !ok {
		return nil
	}
	return br.gate
}

// Add registers uri as a new source, builds its decoder branch, and
// asynchronously links it into the mux (the late-pad-linking analog).
// The returned ID is valid immediately; Connecting->Playing happens in
// the background.
func (c *Controller) Add(ctx context.Context, uri string) (ID, error) {
	c.mu.Lock()
	if c.maxSources > 0 && len(c.branches) >= c.maxSources {
		c.mu.Unlock()
		metrics.RecordSourceAdd("capacity_exceeded")
		return 0, ErrCapacityExceeded
	}
	c.mu.Unlock()

	s := c.registry.Register(uri)
	if err := c.registry.fire(ctx, s, evAdd); err != nil {
		_ = c.registry.Remove(s.ID)
		metrics.RecordSourceAdd("invariant_violation")
		return 0, err
	}

	decoderName := fmt.Sprintf("decoder-%d", s.ID)
	decoder, err := c.factory.Create(backend.Decoder, decoderName, nil)
	if err != nil {
		c.failAndRemove(ctx, s, err)
		metrics.RecordSourceAdd("decoder_unavailable")
		return 0, err
	}
	if _, err := c.mgr.Add(decoder); err != nil {
		c.failAndRemove(ctx, s, err)
		metrics.RecordSourceAdd("graph_error")
		return 0, err
	}

	br := &branch{decoderName: decoderName}
	c.mu.Lock()
	c.branches[s.ID] = br
	c.mu.Unlock()

	go c.linkLatePads(ctx, s, br)

	metrics.RecordSourceAdd("accepted")
	metrics.SetSourcesActive(string(StateConnecting), c.countInState(StateConnecting))
	return s.ID, nil
}

// linkLatePads is the analog of a decoder's pad-added callback: once the
// decoder would have probed the media and exposed an output pad, insert
// a framerate normalizer and request a new mux input, per SPEC_FULL.md
// §4.5. On any failure the branch is torn down and the source moves to
// Failed.
func (c *Controller) linkLatePads(ctx context.Context, s *Source, br *branch) {
	c.mu.Lock()
	targetFPS := c.defaultTargetFPS
	c.mu.Unlock()

	var overrides map[string]any
	if targetFPS > 0 {
		overrides = map[string]any{"target-fps": targetFPS}
	}

	rateName := fmt.Sprintf("ratenorm-%d", s.ID)
	rateElement, err := c.factory.Create(backend.RateNormalize, rateName, overrides)
	if err != nil {
		c.failAndRemove(ctx, s, err)
		return
	}
	if _, err := c.mgr.Add(rateElement); err != nil {
		c.failAndRemove(ctx, s, err)
		return
	}
	br.rateName = rateName
	br.gate = NewFrameGate(targetFPS)

	if err := c.mgr.Link(br.decoderName, rateName); err != nil {
		c.failAndRemove(ctx, s, err)
		return
	}
	if err := c.mgr.Link(rateName, c.muxName); err != nil {
		c.failAndRemove(ctx, s, err)
		return
	}

	if err := c.registry.fire(ctx, s, evPadsLinked); err != nil {
		c.failAndRemove(ctx, s, err)
		return
	}
	s.Health.SetPlaying(true)
	metrics.SetSourcesActive(string(StatePlaying), c.countInState(StatePlaying))
}

func (c *Controller) failAndRemove(ctx context.Context, s *Source, cause error) {
	_ = c.registry.fire(ctx, s, evFail)
	c.registry.publish(Event{Kind: EventError, SourceID: s.ID, URI: s.URI, Err: cause, Timestamp: time.Now()})
	c.teardownBranch(s.ID)
}

// teardownBranch releases a branch's elements from the graph. Idempotent:
// a branch already torn down (or never built past the decoder) is a no-op
// for whichever pieces are missing.
func (c *Controller) teardownBranch(id ID) {
	c.mu.Lock()
	br, ok := c.branches[id]
	delete(c.branches, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	if br.decoderName != "" {
		c.mgr.RemoveElement(br.decoderName)
	}
	if br.rateName != "" {
		c.mgr.RemoveElement(br.rateName)
	}
}

// Pause transitions a Playing source to Paused.
func (c *Controller) Pause(ctx context.Context, id ID) error {
	s, ok := c.registry.Get(id)
	if !ok {
		return ErrNotFound
	}
	if err := c.registry.fire(ctx, s, evPause); err != nil {
		return err
	}
	s.Health.SetPlaying(false)
	return nil
}

// Resume transitions a Paused source back to Playing.
func (c *Controller) Resume(ctx context.Context, id ID) error {
	s, ok := c.registry.Get(id)
	if !ok {
		return ErrNotFound
	}
	if err := c.registry.fire(ctx, s, evResume); err != nil {
		return err
	}
	s.Health.SetPlaying(true)
	return nil
}

// ListActive returns a snapshot of every non-removed source.
func (c *Controller) ListActive() []ActiveSummary {
	sources := c.registry.List()
	out := make([]ActiveSummary, 0, len(sources))
	for _, s := range sources {
		st := s.State()
		if st == StateRemoved {
			continue
		}
		out = append(out, ActiveSummary{
			ID:        s.ID,
			URI:       s.URI,
			State:     st,
			CanPause:  s.canFire(evPause),
			CanResume: s.canFire(evResume),
			CanRemove: s.canFire(evRemove),
		})
	}
	return out
}

func (c *Controller) countInState(want State) int {
	n := 0
	for _, s := range c.registry.List() {
		if s.State() == want {
			n++
		}
	}
	return n
}

// Remove implements the six-step removal protocol from SPEC_FULL.md
// §4.5: move to a quiescent state, flush, release the mux input, unlink
// and remove graph elements, transition to Null/Removed, drop from the
// registry. Steps 2-4 are bounded by removalTimeout; on expiry the
// controller proceeds with a forced unlink and logs a warning rather
// than blocking indefinitely.
func (c *Controller) Remove(ctx context.Context, id ID) error {
	s, ok := c.registry.Get(id)
	if !ok {
		metrics.RecordSourceRemove("not_found")
		return ErrNotFound
	}

	if err := c.registry.fire(ctx, s, evRemove); err != nil {
		metrics.RecordSourceRemove("invariant_violation")
		return err
	}

	removeCtx, cancel := context.WithTimeout(ctx, c.removalTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.teardownBranch(id)
	}()

	select {
	case <-done:
	case <-removeCtx.Done():
		log.WithComponentFromContext(ctx, "source-controller").
			Warn().
			Uint64(log.FieldSourceID, uint64(id)).
			Msg("branch teardown timed out, forcing unlink")
		c.teardownBranch(id)
	}

	if err := c.registry.fire(ctx, s, evRemoved); err != nil {
		metrics.RecordSourceRemove("invariant_violation")
		return err
	}

	if err := c.registry.Remove(id); err != nil {
		metrics.RecordSourceRemove("not_found")
		return err
	}
	metrics.RecordSourceRemove("success")
	return nil
}

// HandleEOS implements the per-source EOS policy: remove the branch if
// auto-remove is configured, otherwise pause it so the mux keeps
// producing from remaining sources.
func (c *Controller) HandleEOS(ctx context.Context, id ID) error {
	if c.autoRemoveOnEOS.Load() {
		return c.Remove(ctx, id)
	}
	return c.Pause(ctx, id)
}
