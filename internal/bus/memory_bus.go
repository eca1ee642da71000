package bus

import (
	"context"
	"sync"

	"github.com/kestrel-video/corevision/internal/metrics"
)

// defaultBufferSize is the per-subscriber channel depth when NewMemoryBus
// is called without an explicit size. The pipeline manager's single
// TopicAll watcher is the one subscriber that must never fall behind for
// long (it drives state-machine transitions), so this is sized generously
// relative to the detection broadcast channel's depth of 8
// (internal/inference.Processor.Subscribe) rather than reused from it —
// state/error/EOS events are much lower-volume than per-frame detections.
const defaultBufferSize = 64

// MemoryBus is the in-process transport the pipeline manager's bus watcher
// subscribes to on TopicAll and that the source registry and
// fault-tolerance layer subscribe to per-topic. Unlike the teacher's bus
// (a test/prototyping helper only), this is production-path: the manager
// would wedge if Publish ever blocked, so MemoryBus is not durable and
// applies the same drop-oldest backpressure policy this module already
// uses for its other broadcast surfaces (FrameGate, the detection
// broadcast in internal/inference.Processor.emit) rather than the
// teacher's drop-the-incoming-message behavior: a bus watcher that missed
// the latest state transition is worse than one that missed a stale one,
// since RequestState/AwaitStable care about where the pipeline ends up,
// not every intermediate hop. Every drop is counted by topic via
// internal/metrics so a wedged consumer is observable instead of silently
// falling behind.
type MemoryBus struct {
	mu         sync.RWMutex
	subs       map[string][]chan Message
	bufferSize int
}

// NewMemoryBus constructs an empty bus with the default per-subscriber
// buffer depth.
func NewMemoryBus() *MemoryBus {
	return NewMemoryBusSize(defaultBufferSize)
}

// NewMemoryBusSize constructs an empty bus with an explicit per-subscriber
// buffer depth, for callers (tests, a high-fan-out embedder) that need a
// different headroom than the default.
func NewMemoryBusSize(bufferSize int) *MemoryBus {
	if bufferSize < 1 {
		bufferSize = defaultBufferSize
	}
	return &MemoryBus{subs: make(map[string][]chan Message), bufferSize: bufferSize}
}

// Publish fans the message out to subscribers of topic and to any
// subscriber of TopicAll. A subscriber whose channel is full has its
// oldest queued message discarded to make room, rather than dropping the
// message being published now — see the type doc for why.
func (b *MemoryBus) Publish(_ context.Context, topic string, msg Message) error {
	b.mu.RLock()
	chs := append([]chan Message(nil), b.subs[topic]...)
	if topic != TopicAll {
		chs = append(chs, b.subs[TopicAll]...)
	}
	b.mu.RUnlock()
	for _, ch := range chs {
		for n := deliverDropOldest(ch, msg); n > 0; n-- {
			metrics.RecordBusMessageDropped(topic)
		}
	}
	return nil
}

// deliverDropOldest sends msg to ch, making room by discarding the oldest
// queued message if ch is full. It returns how many messages were lost:
// the discarded oldest message, if one was taken, plus msg itself if the
// second send still found ch full (a concurrent publisher refilled the
// freed slot first).
func deliverDropOldest(ch chan Message, msg Message) int {
	select {
	case ch <- msg:
		return 0
	default:
	}
	dropped := 0
	select {
	case <-ch:
		dropped++
	default:
	}
	select {
	case ch <- msg:
		return dropped
	default:
		return dropped + 1
	}
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string) (Subscriber, error) {
	b.mu.Lock()
	ch := make(chan Message, b.bufferSize)
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	return &memSub{b: b, topic: topic, ch: ch}, nil
}

type memSub struct {
	b     *MemoryBus
	topic string
	ch    chan Message
}

func (s *memSub) C() <-chan Message { return s.ch }

func (s *memSub) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	lst := s.b.subs[s.topic]
	out := lst[:0]
	for _, c := range lst {
		if c != s.ch {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		delete(s.b.subs, s.topic)
	} else {
		s.b.subs[s.topic] = out
	}
	close(s.ch)
	return nil
}

var _ Bus = (*MemoryBus)(nil)
