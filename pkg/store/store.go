// Package store provides the session-scoped configuration storage used by
// the Outer frame. Setup produces a configuration blob that is persisted
// under a key derived from the session id and read back when a Transport
// session is established.
//
// The protocol core only touches the Store interface; it makes no
// assumption about synchronous or in-memory behavior, so deployments can
// choose the memory, file, or Redis backend (or supply their own).
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for a key with no stored value.
var ErrNotFound = errors.New("key not found")

// Store is the narrow key/value interface the protocol core consumes.
// Implementations must be safe for concurrent access.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes the value stored under key. Deleting an absent key
	// is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the backend.
	Close() error
}

// ServerConfigKey returns the storage key for a session's persisted
// server configuration.
func ServerConfigKey(sessionID string) string {
	return "server-config-" + sessionID
}
