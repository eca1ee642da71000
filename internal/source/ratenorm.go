package source

import (
	"context"

	"golang.org/x/time/rate"
)

// FrameGate is the concrete token-bucket behind the abstract
// RateNormalize element (SPEC_FULL.md §4.5): it sits logically between
// the decoder and the mux, pacing frames to at most target-fps when
// configured. A nil target-fps (the default) makes it a pass-through,
// resolving spec.md §9 Open Question 2 in favor of "no silent cap".
type FrameGate struct {
	limiter *rate.Limiter
}

// NewFrameGate builds a FrameGate. targetFPS <= 0 means uncapped.
func NewFrameGate(targetFPS float64) *FrameGate {
	if targetFPS <= 0 {
		return &FrameGate{}
	}
	return &FrameGate{limiter: rate.NewLimiter(rate.Limit(targetFPS), 1)}
}

// Allow reports whether a frame may pass through right now without
// blocking; callers that can afford to drop a frame on overrun use
// this instead of Wait.
func (g *FrameGate) Allow() bool {
	if g.limiter == nil {
		return true
	}
	return g.limiter.Allow()
}

// Wait blocks until the token bucket admits the next frame, or ctx is
// done. A pass-through gate (uncapped) never blocks.
func (g *FrameGate) Wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Wait(ctx)
}

// TargetFPS reports the configured cap, or 0 if uncapped.
func (g *FrameGate) TargetFPS() float64 {
	if g.limiter == nil {
		return 0
	}
	return float64(g.limiter.Limit())
}
