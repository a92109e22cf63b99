package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for registration and lifecycle failures.
var (
	// ErrNoAuthCallback is returned by Listen when no authenticator is set.
	ErrNoAuthCallback = errors.New("server: authenticator is required before listen")

	// ErrNoAccessCallback is returned when a type or channel is registered
	// without an access callback.
	ErrNoAccessCallback = errors.New("server: access callback is required")

	// ErrAlreadyRegistered is returned when a type name or channel pattern
	// is registered twice.
	ErrAlreadyRegistered = errors.New("server: callbacks already registered")

	// ErrRegistryFrozen is returned when registering after Listen.
	ErrRegistryFrozen = errors.New("server: registrations are frozen after listen")

	// ErrClientClosed is returned when sending to a closed client.
	ErrClientClosed = errors.New("server: client closed")

	// ErrDestroyed is returned when using a server after Shutdown.
	ErrDestroyed = errors.New("server: destroyed")

	errMalformedAction = errors.New("server: action without type")
	errUnknownMessage  = errors.New("server: unknown message type")
)

// UndoError lets access, process, and init callbacks reject an action with
// a custom undo reason. Any other error maps to the generic reasons
// ("denied" for access, "error" elsewhere).
type UndoError struct {
	Reason string
	Extra  map[string]any
}

// Error implements error.
func (e *UndoError) Error() string {
	return "server: undo: " + e.Reason
}

// Undone builds an UndoError with the given reason.
func Undone(reason string) *UndoError {
	return &UndoError{Reason: reason}
}

// ClientError wraps a transport or protocol fault with the offending
// client's identity. These faults never abort other clients' pipelines.
type ClientError struct {
	NodeID string
	Op     string
	Err    error
}

// Error returns the fault with client context.
func (e *ClientError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: client %s: %s: %v", e.NodeID, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ClientError) Unwrap() error { return e.Err }
