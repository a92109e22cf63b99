package log

import (
	"context"
	"errors"

	"github.com/synclog-dev/synclog/pkg/protocol"
)

// Sentinel errors shared by all store implementations.
var (
	// ErrDuplicate is returned by Add when the action's ID is already in
	// the log. Callers treat this as the dedup signal, not a failure.
	ErrDuplicate = errors.New("log: duplicate action id")

	// ErrNotFound is returned when an action ID is not in the log.
	ErrNotFound = errors.New("log: action not found")
)

// Entry is one appended action with its meta.
type Entry struct {
	Action protocol.Action
	Meta   protocol.Meta
}

// Store is the append-only ordered action log. Implementations must make
// Add atomic per ID: two concurrent Adds of the same ID admit exactly one.
// Unrelated IDs need no mutual serialization.
type Store interface {
	// Add appends the action. It returns the accepted meta (the store may
	// fill server-side fields) or ErrDuplicate when the ID is known.
	Add(ctx context.Context, action protocol.Action, meta protocol.Meta) (protocol.Meta, error)

	// ByID returns the entry for the given action ID, or ErrNotFound.
	ByID(ctx context.Context, id protocol.ID) (Entry, error)

	// ChangeMeta mutates stored meta for the given ID (status updates,
	// added reasons). Returns ErrNotFound for unknown IDs.
	ChangeMeta(ctx context.Context, id protocol.ID, change func(*protocol.Meta)) error

	// RemoveReason clears a retention reason from every entry carrying it.
	// Entries whose last reason is cleared are removed from the log; the
	// clean callback fires once per removed entry.
	RemoveReason(ctx context.Context, reason string, clean func(Entry)) error

	// Each iterates entries in log order (oldest first) until fn returns
	// false or the context is done.
	Each(ctx context.Context, fn func(Entry) bool) error

	// Close releases store resources.
	Close() error
}
