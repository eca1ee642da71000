package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNotFound is returned by Get/Remove for an unknown ID.
var ErrNotFound = errors.New("source not found")

// Registry holds Sources behind a reader-writer discipline: concurrent
// List/Get, serialized mutation. Registration allocates the SourceId.
type Registry struct {
	nextID atomic.Uint64

	mu      sync.RWMutex
	sources map[ID]*Source

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sources:     make(map[ID]*Source),
		subscribers: make(map[int]chan Event),
	}
}

// AllocateID returns the next monotonic SourceId. IDs are never reused
// within a Registry's lifetime.
func (r *Registry) AllocateID() ID {
	return ID(r.nextID.Add(1))
}

// Register stores a newly allocated Source.
func (r *Registry) Register(uri string) *Source {
	id := r.AllocateID()
	s := newSource(id, uri, time.Now())

	r.mu.Lock()
	r.sources[id] = s
	r.mu.Unlock()

	r.publish(Event{Kind: EventAdded, SourceID: id, URI: uri, To: StateCreated, Timestamp: time.Now()})
	return s
}

// Get returns the Source for id.
func (r *Registry) Get(id ID) (*Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[id]
	return s, ok
}

// Remove drops id from the registry. A second call for the same id
// deterministically returns ErrNotFound.
func (r *Registry) Remove(id ID) error {
	r.mu.Lock()
	s, ok := r.sources[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.sources, id)
	r.mu.Unlock()

	r.publish(Event{Kind: EventRemoved, SourceID: id, URI: s.URI, To: StateRemoved, Timestamp: time.Now()})
	return nil
}

// List returns a snapshot of every registered Source.
func (r *Registry) List() []*Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	return out
}

// Len reports the number of currently registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

// Subscribe registers a listener for every Event this registry publishes.
// The channel closes when ctx is done.
func (r *Registry) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)

	r.subMu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = ch
	r.subMu.Unlock()

	go func() {
		<-ctx.Done()
		r.subMu.Lock()
		delete(r.subscribers, id)
		r.subMu.Unlock()
		close(ch)
	}()

	return ch
}

func (r *Registry) publish(evt Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// fire drives s's state machine and publishes the resulting
// StateChanged/Error event. It is used only by the controller, which
// owns the decision of which transitionEvent to fire.
func (r *Registry) fire(ctx context.Context, s *Source, ev transitionEvent) error {
	from := s.State()
	to, err := s.machine.Fire(ctx, ev)
	if err != nil {
		return fmt.Errorf("source %d: %w", s.ID, err)
	}
	s.touch()
	r.publish(Event{Kind: EventStateChanged, SourceID: s.ID, URI: s.URI, From: from, To: to, Timestamp: time.Now()})
	return nil
}
