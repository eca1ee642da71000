// Package inference implements the detector element from SPEC_FULL.md
// §4.7: model loading, pre/post-processing, ONNX invocation, NMS, and
// detection emission.
package inference

import "time"

// BBox is an axis-aligned box in pixel coordinates.
type BBox struct {
	X, Y, W, H float32
}

// Detection is one detected object, in the original frame's pixel
// coordinates after the inverse-letterbox transform (SPEC_FULL.md §3).
type Detection struct {
	ClassID    uint32
	ClassLabel string
	Confidence float32
	BBox       BBox
	FrameIndex uint64
	SourceID   string
	Timestamp  int64 // monotonic nanoseconds
}

// FrameMeta is the ordered sequence of Detection for one frame, attached
// to the outgoing buffer by the inference element and read at most once
// by the overlay.
type FrameMeta struct {
	SourceID   string
	FrameIndex uint64
	Detections []Detection
}

// HealthCounters tracks the per-element statistics SPEC_FULL.md calls out
// for detection corruption and inference latency; the circuit-breaker and
// health-monitor wiring itself lives in internal/resilience and
// internal/source.
type HealthCounters struct {
	FramesProcessed uint64
	FramesSkipped   uint64
	CorruptRejected uint64
	LastInferenceAt time.Time
}
