// Package source defines the boundary to the broker that produces messages for stream subscriptions.
package source

import (
	"time"
)

// Message is a raw message as published on the broker.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      int
	Retained bool
	ClientID string
	Time     time.Time
}

// Handler is called for each message a listener receives. It may be called from any goroutine and
// from several goroutines at once.
type Handler func(msg *Message)

// MessageSource produces messages for registered listeners.
type MessageSource interface {
	// Register adds a listener under id, interested in messages matching any of filters. Sources
	// may deliver messages that don't match, listeners are expected to filter.
	Register(id string, filters []string, handler Handler) error

	// Unregister removes the listener with the given id. Unknown ids are ignored.
	Unregister(id string)
}

// Publisher accepts messages for distribution to listeners.
type Publisher interface {
	Publish(msg *Message) error
}
