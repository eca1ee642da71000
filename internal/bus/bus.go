// Package bus provides the in-process publish/subscribe transport the
// pipeline manager uses to fan out bus messages (state changes, errors,
// EOS, stream status) to the source registry, the fault-tolerance layer,
// and any external observer.
package bus

import "context"

// Message is an opaque event payload. The pipeline and source packages
// define the concrete message types (pipeline.BusEvent, source.Event);
// this package only moves them around.
type Message interface{}

// TopicAll is a pseudo-topic: subscribers on TopicAll receive every
// message published on any topic, in addition to their own topic's
// subscribers. The pipeline manager's single watcher subscribes here.
const TopicAll = "*"

// Subscriber is a live subscription returned by Bus.Subscribe.
type Subscriber interface {
	// C returns a read-only message channel. It is closed when Close is called.
	C() <-chan Message
	// Close unsubscribes.
	Close() error
}

// Bus is the event transport abstraction between the pipeline manager and
// its observers.
type Bus interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topic string) (Subscriber, error)
}
