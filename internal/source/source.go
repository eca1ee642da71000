// Package source implements the source registry and controller from
// SPEC_FULL.md §4.4/§4.5: per-source identity, state machine, live
// add/remove/pause/resume, and the fault-tolerant wrapper in
// fault_tolerant.go.
package source

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-video/corevision/internal/fsm"
	"github.com/kestrel-video/corevision/internal/resilience"
)

// ID is a SourceId: unique and monotonically allocated within a Registry,
// stable for the life of a source.
type ID uint64

// State is a per-source state, per SPEC_FULL.md §4.5.
type State string

const (
	StateCreated    State = "created"
	StateConnecting State = "connecting"
	StatePlaying    State = "playing"
	StatePaused     State = "paused"
	StateFailed     State = "failed"
	StateRemoving   State = "removing"
	StateRemoved    State = "removed"
)

// transitionEvent drives the per-source state machine. It is a distinct
// (unexported) type from the public Event in events.go, which is the
// registry's pub/sub notification.
type transitionEvent string

const (
	evAdd        transitionEvent = "add"
	evPadsLinked transitionEvent = "pads_linked"
	evPause      transitionEvent = "pause"
	evResume     transitionEvent = "resume"
	evFail       transitionEvent = "fail"
	evRemove     transitionEvent = "remove"
	evRemoved    transitionEvent = "removed"
)

func newMachine(initial State) *fsm.Machine[State, transitionEvent] {
	every := []State{StateCreated, StateConnecting, StatePlaying, StatePaused, StateFailed}

	transitions := []fsm.Transition[State, transitionEvent]{
		{From: StateCreated, Event: evAdd, To: StateConnecting},
		{From: StateConnecting, Event: evPadsLinked, To: StatePlaying},
		{From: StatePlaying, Event: evPause, To: StatePaused},
		{From: StatePaused, Event: evResume, To: StatePlaying},
		{From: StateRemoving, Event: evRemoved, To: StateRemoved},
	}
	for _, s := range every {
		transitions = append(transitions,
			fsm.Transition[State, transitionEvent]{From: s, Event: evFail, To: StateFailed},
			fsm.Transition[State, transitionEvent]{From: s, Event: evRemove, To: StateRemoving},
		)
	}

	m, err := fsm.New(initial, transitions)
	if err != nil {
		// The transition table above is built from a fixed, non-duplicate
		// set; a construction error here would mean this package itself is
		// broken, not a runtime condition callers can recover from.
		panic(err)
	}
	return m
}

// RecoveryState is the per-source fault-tolerance bookkeeping from
// SPEC_FULL.md §3.
type RecoveryState struct {
	Attempts                  int
	NextAttemptAt             time.Time
	Breaker                   *resilience.CircuitBreaker
	ClassificationOfLastError resilience.ErrorKind
}

// Source is a single live or recovering media source.
type Source struct {
	ID ID
	// CorrelationID is a random identifier distinct from ID, stable for
	// the source's life, used to correlate its log lines and trace spans.
	// A source rebuilt by recovery is a new Source with a new ID and a new
	// CorrelationID.
	CorrelationID string
	URI           string
	CreatedAt     time.Time

	mu              sync.RWMutex
	machine         *fsm.Machine[State, transitionEvent]
	lastStateChange time.Time

	Health   *resilience.Monitor
	Recovery RecoveryState
}

func newSource(id ID, uri string, now time.Time) *Source {
	return &Source{
		ID:              id,
		CorrelationID:   uuid.NewString(),
		URI:             uri,
		CreatedAt:       now,
		machine:         newMachine(StateCreated),
		lastStateChange: now,
		Health:          resilience.NewMonitor(resilience.DefaultHealthPolicy()),
	}
}

// State returns the source's current state.
func (s *Source) State() State { return s.machine.State() }

// canFire reports whether ev is a legal transition from the source's
// current state right now, without attempting it.
func (s *Source) canFire(ev transitionEvent) bool { return s.machine.CanFire(ev) }

// LastStateChange returns when the state last changed.
func (s *Source) LastStateChange() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastStateChange
}

func (s *Source) touch() {
	s.mu.Lock()
	s.lastStateChange = time.Now()
	s.mu.Unlock()
}
