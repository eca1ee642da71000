package inference

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-video/corevision/internal/log"
	"github.com/kestrel-video/corevision/internal/metrics"
)

// Processor is the inference transform element from spec.md §4.7: it
// observes buffers, never mutates pixels, and publishes Detection
// metadata. An empty ModelPath makes it a pass-through.
type Processor struct {
	mu         sync.RWMutex
	props      Properties
	labels     []string
	session    *Session
	degraded   bool
	warnedLoad bool

	frameCounter atomic.Uint64
	counters     HealthCounters

	subMu       sync.Mutex
	subscribers map[int]chan FrameMeta
	nextSubID   int
}

// NewProcessor builds a Processor with the given properties and an
// optional class-label table (index == class_id); labels beyond the
// table's length, or a nil table, fall back to "class_<id>".
func NewProcessor(props Properties, labels []string) *Processor {
	return &Processor{
		props:       props,
		labels:      labels,
		subscribers: make(map[int]chan FrameMeta),
	}
}

// Configure overlays a config file (if ConfigFilePath is set) onto the
// processor's properties. Call before the first Ready transition.
func (p *Processor) Configure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.props.ConfigFilePath == "" {
		return nil
	}
	merged, err := LoadConfigFile(p.props, p.props.ConfigFilePath)
	if err != nil {
		return err
	}
	p.props = merged
	return nil
}

// Ready loads the configured model, if any. A load failure degrades
// the element to pass-through rather than failing the pipeline,
// logging once.
func (p *Processor) Ready(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.props.ModelPath == "" {
		return nil
	}
	if p.session != nil {
		return nil
	}

	session, err := LoadSession(ctx, p.props)
	if err != nil {
		if !p.warnedLoad {
			log.WithComponentFromContext(ctx, "inference-element").
				Warn().Err(err).Str("model-path", p.props.ModelPath).
				Msg("model load failed, degrading to pass-through")
			p.warnedLoad = true
		}
		p.degraded = true
		return nil
	}
	p.session = session
	p.degraded = false
	return nil
}

// Null releases the loaded session, if any.
func (p *Processor) Null() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil
	}
	err := p.session.Release()
	p.session = nil
	return err
}

// Subscribe registers a detections channel with drop-oldest
// back-pressure: a full channel has its oldest pending FrameMeta
// discarded to make room for the newest, per spec.md §4.7's emission
// contract.
func (p *Processor) Subscribe(ctx context.Context) <-chan FrameMeta {
	ch := make(chan FrameMeta, 8)
	p.subMu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.subscribers[id] = ch
	p.subMu.Unlock()

	go func() {
		<-ctx.Done()
		p.subMu.Lock()
		delete(p.subscribers, id)
		p.subMu.Unlock()
	}()
	return ch
}

func (p *Processor) emit(fm FrameMeta) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subscribers {
		select {
		case ch <- fm:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- fm:
			default:
			}
		}
	}
}

// Process runs the full per-buffer pipeline from spec.md §4.7 steps
// 2-11 on one decoded video frame and returns the FrameMeta to attach
// to the outgoing buffer. A pass-through (no model, degraded, or
// skipped-by-stride) returns a FrameMeta with no detections, which is
// still attached so the contract "in-band FrameMeta always attached"
// holds even when nothing was detected.
func (p *Processor) Process(ctx context.Context, sourceID string, frame image.Image) FrameMeta {
	frameIndex := p.frameCounter.Add(1) - 1

	p.mu.RLock()
	props := p.props
	session := p.session
	degraded := p.degraded
	p.mu.RUnlock()

	empty := FrameMeta{SourceID: sourceID, FrameIndex: frameIndex}

	if props.ModelPath == "" || degraded || session == nil {
		p.recordSkip()
		p.emit(empty)
		return empty
	}

	stride := props.ProcessEveryNFrames
	if stride < 1 {
		stride = 1
	}
	if frameIndex%uint64(stride) != 0 {
		p.recordSkip()
		p.emit(empty)
		return empty
	}

	canvas, transform := Letterbox(frame, props.InputWidth, props.InputHeight)
	chw := NormalizeCHW(canvas)

	inferenceStart := time.Now()
	outputs, err := session.Run(chw)
	metrics.ObserveInferenceLatency(props.ModelPath, time.Since(inferenceStart).Seconds())
	if err != nil {
		log.WithComponentFromContext(ctx, "inference-element").
			Debug().Err(err).Str("source-id", sourceID).Uint64("frame-index", frameIndex).
			Msg("per-frame inference failed, passing through")
		p.recordSkip()
		p.emit(empty)
		return empty
	}

	variant := DetectVariant(outputs)
	var cands []Candidate
	switch variant {
	case VariantGridAnchored:
		cands = DecodeGridAnchored(outputs, defaultAnchors, len(p.labels), props.InputWidth, props.InputHeight)
	case VariantNMSFree:
		cands = DecodeNMSFree(outputs[0])
	default:
		cands = DecodeSingleTensorFlat(outputs[0], len(p.labels), hasObjectnessChannel(outputs[0], len(p.labels)))
	}

	var filtered []Candidate
	var corrupt uint64
	for _, c := range cands {
		if IsMalformed(c) {
			metrics.RecordCorruptDetection()
			corrupt++
			continue
		}
		if c.Score < props.ConfidenceThreshold {
			continue
		}
		filtered = append(filtered, c)
	}

	if variant != VariantNMSFree {
		filtered = NMS(filtered, props.NMSThreshold)
	}

	now := time.Now()
	detections := make([]Detection, 0, len(filtered))
	for _, c := range filtered {
		box := transform.ClampToSource(transform.InvertBBox(c.Box))
		if box.W <= 0 || box.H <= 0 {
			metrics.RecordCorruptDetection()
			corrupt++
			continue
		}
		detections = append(detections, Detection{
			ClassID:    c.ClassID,
			ClassLabel: p.classLabel(c.ClassID),
			Confidence: c.Score,
			BBox:       box,
			FrameIndex: frameIndex,
			SourceID:   sourceID,
			Timestamp:  now.UnixNano(),
		})
	}

	fm := FrameMeta{SourceID: sourceID, FrameIndex: frameIndex, Detections: detections}
	metrics.RecordDetections(sourceID, len(detections))

	p.mu.Lock()
	p.counters.FramesProcessed++
	p.counters.CorruptRejected += corrupt
	p.counters.LastInferenceAt = now
	p.mu.Unlock()

	p.emit(fm)
	return fm
}

func (p *Processor) recordSkip() {
	p.mu.Lock()
	p.counters.FramesSkipped++
	p.mu.Unlock()
}

func (p *Processor) classLabel(classID uint32) string {
	if int(classID) < len(p.labels) {
		return p.labels[classID]
	}
	return fmt.Sprintf("class_%d", classID)
}

// Health returns a snapshot of the processor's per-buffer counters.
func (p *Processor) Health() HealthCounters {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.counters
}

// defaultAnchors are the conventional three-stride YOLO anchor set used
// when a grid-anchored model doesn't ship its own anchor metadata.
var defaultAnchors = [][2]float32{{10, 13}, {30, 61}, {116, 90}}

// hasObjectnessChannel guesses whether a single-tensor-flat output
// carries a fused objectness channel by comparing its last dimension
// against 4+numClasses (no objectness) vs 5+numClasses (objectness).
func hasObjectnessChannel(out RawOutput, numClasses int) bool {
	if len(out.Shape) != 3 {
		return true
	}
	channels := int(out.Shape[2])
	return channels == 5+numClasses
}
