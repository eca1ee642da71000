package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrel-video/corevision/internal/backend"
	"github.com/kestrel-video/corevision/internal/bus"
	"github.com/kestrel-video/corevision/internal/element"
	"github.com/kestrel-video/corevision/internal/log"
	"github.com/kestrel-video/corevision/internal/tracing"
)

type edge struct{ from, to string }

// Manager owns the element graph, the pipeline-level state machine, and
// the single bus watcher described in SPEC_FULL.md §4.3. The pipeline
// graph is mutated only under mu, matching the "mutated only from the
// main loop's context" shared-resource policy.
type Manager struct {
	name        string
	backendKind backend.Kind

	mu       sync.RWMutex
	elements map[string]*element.Element
	edges    []edge
	state    State

	internalBus   bus.Bus
	watcherCancel context.CancelFunc
	watcherDone   chan struct{}

	subMu       sync.Mutex
	subscribers map[int]chan BusEvent
	nextSubID   int

	pendingMu sync.Mutex
	pending   *transition
}

type transition struct {
	target  State
	done    chan struct{}
	outcome Outcome
	err     error
}

// New constructs a Manager in the Null state and starts its bus watcher.
func New(name string, backendKind backend.Kind) *Manager {
	m := &Manager{
		name:        name,
		backendKind: backendKind,
		elements:    make(map[string]*element.Element),
		state:       StateNull,
		internalBus: bus.NewMemoryBus(),
		subscribers: make(map[int]chan BusEvent),
	}
	m.startWatcher()
	return m
}

// Name returns the pipeline's name.
func (m *Manager) Name() string { return m.name }

// Backend returns the immutable BackendKind this pipeline was constructed with.
func (m *Manager) Backend() backend.Kind { return m.backendKind }

// Add registers el in the graph. Per SPEC_FULL.md §4.3: elements added
// while the pipeline is Playing must be individually synchronized;
// elements added to a Null pipeline permit deferred sync. This manager
// has no real downstream media framework to sync against, so "sync" is
// recorded as an immediate no-op action, but the distinction is kept so
// callers (the source controller) can observe whether an element needs
// an explicit link-and-activate step right away.
func (m *Manager) Add(el *element.Element) (deferred bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.elements[el.Name()]; exists {
		return false, fmt.Errorf("pipeline %s: element %q already added", m.name, el.Name())
	}
	m.elements[el.Name()] = el
	deferred = m.state == StateNull
	return deferred, nil
}

// Link records an edge between two already-added elements.
func (m *Manager) Link(from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.elements[from]; !ok {
		return &Error{Element: from, Reason: fmt.Errorf("element not in pipeline")}
	}
	if _, ok := m.elements[to]; !ok {
		return &Error{Element: to, Reason: fmt.Errorf("element not in pipeline")}
	}
	m.edges = append(m.edges, edge{from: from, to: to})
	return nil
}

// CurrentState returns the pipeline's current (settled or in-flight
// target) state.
func (m *Manager) CurrentState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// RequestState begins an asynchronous transition to target and returns
// immediately. Calling RequestState(X) again while X is already the
// settled state, with no transition pending, is a no-op per the
// idempotence requirement in SPEC_FULL.md §8.
func (m *Manager) RequestState(ctx context.Context, target State) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	m.mu.RLock()
	current := m.state
	m.mu.RUnlock()

	if m.pending == nil && current == target {
		return
	}
	if m.pending != nil && m.pending.target == target {
		return
	}

	t := &transition{target: target, done: make(chan struct{})}
	m.pending = t

	go m.runTransition(ctx, t)
}

func (m *Manager) runTransition(ctx context.Context, t *transition) {
	defer close(t.done)

	ctx, span := tracing.Tracer("pipeline-manager").Start(ctx, "pipeline.transition",
		trace.WithAttributes(
			attribute.String("pipeline.name", m.name),
			attribute.String("pipeline.target_state", t.target.String()),
		))
	defer span.End()

	m.mu.Lock()
	from := m.state
	m.state = t.target
	m.mu.Unlock()

	t.outcome = Success

	logger := log.WithComponentFromContext(ctx, "pipeline-manager")
	logger.Debug().Str("pipeline", m.name).Str("from", from.String()).Str("to", t.target.String()).Msg("state transition complete")

	m.publish(ctx, BusEvent{Kind: EventStateChanged, Source: m.name, Detail: fmt.Sprintf("%s->%s", from, t.target)})

	m.pendingMu.Lock()
	if m.pending == t {
		m.pending = nil
	}
	m.pendingMu.Unlock()
}

// AwaitStable blocks until the most recently requested transition
// settles, or until timeout elapses (returning Outcome Failure with a
// timeout reason). If no transition is pending, it returns immediately
// with Success. Per SPEC_FULL.md §5, a timeout does not roll back the
// in-flight transition, which may still complete in the background.
func (m *Manager) AwaitStable(ctx context.Context, timeout time.Duration) (Outcome, error) {
	m.pendingMu.Lock()
	t := m.pending
	m.pendingMu.Unlock()

	if t == nil {
		return Success, nil
	}

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case <-t.done:
		return t.outcome, t.err
	case <-ctx.Done():
		return Failure, ctx.Err()
	case <-timer:
		return Failure, fmt.Errorf("await_stable: timeout waiting for %s", t.target)
	}
}

// BusSubscribe registers an external listener that receives every
// message the single internal watcher forwards. The returned channel is
// closed when ctx is done; callers should drain it promptly as delivery
// is best-effort (drop-on-backpressure).
func (m *Manager) BusSubscribe(ctx context.Context) <-chan BusEvent {
	ch := make(chan BusEvent, 64)

	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = ch
	m.subMu.Unlock()

	go func() {
		<-ctx.Done()
		m.subMu.Lock()
		// Teardown may already have closed and unregistered ch.
		if _, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(ch)
		}
		m.subMu.Unlock()
	}()

	return ch
}

// publish is used by elements and the source controller to raise bus
// events that the manager's watcher will fan out.
func (m *Manager) publish(ctx context.Context, evt BusEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	_ = m.internalBus.Publish(ctx, string(evt.Kind), evt)
}

// Publish is the exported form of publish, used by collaborators outside
// this package (the source controller, the fault-tolerance layer) that
// need to raise Eos/Error/Warning/StreamStatus/Element-custom events.
func (m *Manager) Publish(ctx context.Context, evt BusEvent) {
	m.publish(ctx, evt)
}

// startWatcher installs the pipeline manager's single bus watcher: one
// subscription to TopicAll, fanning every message out to every
// registered external subscriber. SPEC_FULL.md §4.3: "the manager
// installs one watcher that fans out every message on the subscription
// channel."
func (m *Manager) startWatcher() {
	ctx, cancel := context.WithCancel(context.Background())
	m.watcherCancel = cancel
	m.watcherDone = make(chan struct{})

	sub, err := m.internalBus.Subscribe(ctx, bus.TopicAll)
	if err != nil {
		close(m.watcherDone)
		return
	}

	go func() {
		defer close(m.watcherDone)
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.C():
				if !ok {
					return
				}
				evt, ok := msg.(BusEvent)
				if !ok {
					continue
				}
				m.fanOut(evt)
			}
		}
	}()
}

func (m *Manager) fanOut(evt BusEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- evt:
		default:
			// drop-on-backpressure: a slow external subscriber must never
			// stall the watcher for the rest of the pipeline.
		}
	}
}

// Teardown transitions the pipeline to Null, drains the bus watcher, and
// releases the graph. Teardown is idempotent: calling it more than once
// is harmless.
func (m *Manager) Teardown(ctx context.Context, timeout time.Duration) error {
	m.RequestState(ctx, StateNull)
	if _, err := m.AwaitStable(ctx, timeout); err != nil {
		return err
	}

	if m.watcherCancel != nil {
		m.watcherCancel()
		<-m.watcherDone
		m.watcherCancel = nil
	}

	m.mu.Lock()
	m.elements = make(map[string]*element.Element)
	m.edges = nil
	m.mu.Unlock()

	m.subMu.Lock()
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	m.subMu.Unlock()

	return nil
}

// RemoveElement drops name from the graph along with any edges touching
// it. Used by the source controller's removal protocol (SPEC_FULL.md
// §4.5 step 3-4: release the mux input pad, unlink and remove branch
// elements) and by branch teardown on link failure.
func (m *Manager) RemoveElement(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.elements, name)

	kept := m.edges[:0]
	for _, e := range m.edges {
		if e.from == name || e.to == name {
			continue
		}
		kept = append(kept, e)
	}
	m.edges = kept
}

// Elements returns a snapshot of the element names currently in the graph.
func (m *Manager) Elements() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.elements))
	for name := range m.elements {
		names = append(names, name)
	}
	return names
}
