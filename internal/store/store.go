// Package store provides append-only transcript persistence.
package store

import (
	"context"

	"github.com/aakaash/commander-relay/internal/domain"
)

// Store defines the interface for the durable message transcript.
// The transcript is append-only: there are no update or delete operations.
type Store interface {
	// Append records one message and returns its assigned ID. IDs are
	// monotonically increasing in insertion order. Safe for concurrent use.
	Append(ctx context.Context, role domain.Role, content string) (int64, error)

	// ListAll returns every persisted message in insertion order.
	ListAll(ctx context.Context) ([]domain.Message, error)

	// Ping verifies storage connectivity.
	Ping(ctx context.Context) error

	// Close closes the underlying storage handle.
	Close() error
}
