// Package broker defines the ordered, per-namespace event log that backs each
// session's outbound queue. A namespace is a session ID; every event appended
// to it is assigned a monotonically increasing ID that doubles as the SSE
// event id and the resume cursor for Last-Event-ID.
package broker

import (
	"context"
	"errors"
)

// Beginning is the cursor that replays every event still retained for a
// namespace.
const Beginning = "0"

// DefaultEvent is the SSE event name used when a publisher does not set one.
const DefaultEvent = "message"

// ErrInvalidCursor is returned by Subscribe when the cursor is not an ID this
// broker could have produced.
var ErrInvalidCursor = errors.New("broker: invalid cursor")

// Broker handles ordered event delivery for the SSE transport. Implementations
// must be safe for concurrent use.
type Broker interface {
	// Publish appends an event to the namespace and returns its ID. An empty
	// event name is stored as DefaultEvent.
	Publish(ctx context.Context, namespace string, event string, data []byte) (eventID string, err error)

	// Subscribe returns a stream of the namespace's events with IDs strictly
	// greater than after. An empty after starts with the next event published;
	// Beginning replays everything retained.
	Subscribe(ctx context.Context, namespace string, after string) (MessageStream, error)

	// Cleanup removes all retained events for the namespace and terminates
	// streams opened through this Broker with io.EOF.
	Cleanup(ctx context.Context, namespace string) error
}

// MessageStream provides ordered consumption of a namespace. A stream is
// meant for a single consumer goroutine.
type MessageStream interface {
	// Next blocks until the next event is available or ctx is done. It returns
	// io.EOF once the stream is closed or the namespace was cleaned up.
	Next(ctx context.Context) (MessageEnvelope, error)

	// Close releases resources associated with this stream.
	Close() error
}

// MessageEnvelope wraps an event payload with its ordering metadata.
type MessageEnvelope struct {
	// ID is unique and monotonically increasing within the namespace.
	ID string `json:"id"`
	// Event is the SSE event name (DefaultEvent, "ping", ...).
	Event string `json:"event"`
	// Data is the JSON-RPC payload.
	Data []byte `json:"data"`
}
