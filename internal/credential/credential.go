// Package credential provides the read-only credential accessor consumed by the
// request, transfer and streaming engines, and the stores that back it.
// Stores are written by login/logout collaborators; the engines only read.
package credential

import (
	"context"
	"log/slog"
	"time"
)

// Accessor returns the current bearer token, or "" when none is set.
// It is called once per request.
type Accessor func() string

// Static returns an accessor that always yields token.
func Static(token string) Accessor {
	return func() string { return token }
}

// None is an accessor for unauthenticated clients.
func None() string { return "" }

// Store defines the interface for credential persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the stored token.
	// Returns "", nil if no token is stored.
	Get(ctx context.Context) (string, error)

	// Set stores the token.
	Set(ctx context.Context, token string) error

	// Clear removes the stored token.
	Clear(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// readTimeout bounds a single store read made on behalf of a request.
const readTimeout = 2 * time.Second

// FromStore adapts a store into an Accessor. Read failures are logged and
// treated as "no credential" so a broken store degrades to anonymous requests.
func FromStore(store Store) Accessor {
	return func() string {
		ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
		defer cancel()

		token, err := store.Get(ctx)
		if err != nil {
			slog.Warn("failed to read credential", "error", err)
			return ""
		}
		return token
	}
}
