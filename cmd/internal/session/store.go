package session

import (
	"context"
	"time"
)

// Store is a TTL key/value store holding serialized sessions.
//
// Implementations return ErrNotFound from Get when the key is absent or
// expired, and wrap transport failures with ErrStoreUnavailable.
type Store interface {
	// Insert writes val only if key does not exist (SET NX).
	Insert(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	// Replace writes val only if key still exists (SET XX).
	Replace(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete reports whether key existed.
	Delete(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}
