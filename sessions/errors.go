package sessions

import "errors"

var (
	// ErrSessionNotFound is returned for unknown or already closed session IDs.
	ErrSessionNotFound = errors.New("sessions: session not found")
	// ErrSessionClosed ends streams and operations of a session that was closed.
	ErrSessionClosed = errors.New("sessions: session closed")
	// ErrStreamSuperseded ends a stream replaced by a newer one for the same session.
	ErrStreamSuperseded = errors.New("sessions: stream superseded")
	// ErrRegistryExhausted is returned by Open when the session limit is reached.
	ErrRegistryExhausted = errors.New("sessions: registry at capacity")
	// ErrRegistryClosed is returned by Open after Shutdown.
	ErrRegistryClosed = errors.New("sessions: registry shut down")
	// ErrInboundFull is returned by Enqueue when the inbound queue is full.
	ErrInboundFull = errors.New("sessions: inbound queue full")
)
