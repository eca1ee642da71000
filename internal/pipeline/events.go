package pipeline

import "time"

// EventKind is the category of a BusEvent, per SPEC_FULL.md §4.3's
// enumerated forwarding set.
type EventKind string

const (
	EventEos           EventKind = "eos"
	EventError         EventKind = "error"
	EventWarning       EventKind = "warning"
	EventStateChanged  EventKind = "state_changed"
	EventStreamStatus  EventKind = "stream_status"
	EventElementCustom EventKind = "element_custom"
)

// BusEvent is the message type forwarded by the pipeline manager's
// single bus watcher to every registered external subscriber.
type BusEvent struct {
	Kind      EventKind
	Source    string // element or source name that originated the event
	Reason    error  // populated for EventError
	Detail    string
	Timestamp time.Time
}
