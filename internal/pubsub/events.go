// Package pubsub is the in-process fan-out used to mirror file writes:
// the mailbox and the logger publish onto a typed broker so observers
// (the monitor HUD, tests) can follow along without re-reading files.
package pubsub

import "time"

// EventType says what happened to the payload.
type EventType string

const (
	// CreatedEvent mirrors a fresh append (an event log entry, a log line).
	CreatedEvent EventType = "created"
	// UpdatedEvent mirrors an in-place rewrite, like a delivery stamp on
	// an existing mailbox message.
	UpdatedEvent EventType = "updated"
)

// Event wraps one published payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}
