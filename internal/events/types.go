// Package events provides a small in-process publish/subscribe bus used to
// fan out lifecycle notifications — server removal, session loss — to
// interested callers without coupling the publisher to its listeners.
package events

import "errors"

// ErrBusClosed is returned by Publish once the bus has been closed.
var ErrBusClosed = errors.New("events: bus is closed")

// EventType names the kind of event being published. An empty EventType is
// reserved for SubscribeAll and must never be used as a published event's
// Type.
type EventType string

// Event is the payload of every bus publication. Subject is the path,
// registry key string, or endpoint the event concerns; it is opaque to the
// bus itself.
type Event struct {
	Type    EventType
	Subject string
	Data    any
}

// EventHandler processes one event. Handlers run on a per-subscriber
// goroutine and must not block indefinitely: a slow handler only delays
// its own subscription's delivery, never other subscribers'.
type EventHandler func(Event)
