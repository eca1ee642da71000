package source

import "time"

// EventKind is the category of a SourceEvent, per SPEC_FULL.md §4.4.
type EventKind string

const (
	EventAdded        EventKind = "added"
	EventStateChanged EventKind = "state_changed"
	EventDetected     EventKind = "detected"
	EventError        EventKind = "error"
	EventRemoved      EventKind = "removed"
)

// Event is published to every Registry subscriber.
type Event struct {
	Kind      EventKind
	SourceID  ID
	URI       string
	From      State
	To        State
	Err       error
	Timestamp time.Time
}
