// Package store exposes the shared coordination store as a narrow capability
// interface: keyed JSON values, conditional transactions, live subscriptions,
// best-effort disconnect cleanup, and a server clock probe. All game
// coordination goes through this interface; nothing above it talks to Redis
// directly.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTxAbort is returned by a TxFunc to leave the value unchanged.
	// Transact then reports committed=false without an error.
	ErrTxAbort = errors.New("store: transaction aborted")

	// ErrTxConflict is returned when a transaction could not commit within
	// the configured retry limit.
	ErrTxConflict = errors.New("store: transaction conflict")
)

// TxFunc computes the next value for a path from its current value (nil when
// the path is absent). Returning nil deletes the path; returning ErrTxAbort
// leaves it unchanged. The store may invoke the function more than once under
// contention, so it must be free of side effects.
type TxFunc func(cur []byte) (next []byte, err error)

// Snapshot is one observed full value of a path. Value is nil when the path
// was removed or absent.
type Snapshot struct {
	Path  string
	Value []byte
}

// Store is the contract every coordination service is written against.
type Store interface {
	// Get returns the value at path, or nil when absent.
	Get(ctx context.Context, path string) ([]byte, error)

	// Set writes the value at path and notifies subscribers.
	Set(ctx context.Context, path string, value []byte) error

	// Update merges fields into the JSON object at path. Field keys may be
	// slash-separated to address nested objects; a nil value deletes the
	// field. Atomic per call.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Remove deletes the path and notifies subscribers.
	Remove(ctx context.Context, path string) error

	// Transact applies fn to the current value with compare-and-swap
	// semantics, retrying on conflict. It reports whether the write
	// committed and returns the resulting value.
	Transact(ctx context.Context, path string, fn TxFunc) (committed bool, result []byte, err error)

	// Subscribe delivers the current value of path followed by every
	// subsequent change, until the stop function is called or ctx is done.
	Subscribe(ctx context.Context, path string) (<-chan Snapshot, func())

	// SubscribePrefix delivers changes for every path under prefix. No
	// initial snapshot is sent; use List for the starting state.
	SubscribePrefix(ctx context.Context, prefix string) (<-chan Snapshot, func())

	// List returns all values under prefix, keyed by path.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// OnDisconnectRemove registers path for best-effort removal when this
	// client session closes. ClearDisconnect undoes the registration.
	OnDisconnectRemove(path string)
	ClearDisconnect(path string)

	// ServerClockOffset is the cached (server time - local time) skew.
	ServerClockOffset() time.Duration

	// Now is the local time adjusted by the server clock offset. Deadlines
	// are always computed from it, never from the raw device clock.
	Now() time.Time

	// Close fires pending disconnect cleanups and releases the session's
	// subscriptions.
	Close(ctx context.Context) error
}
