// Package store provides counter storage backends for rate limiting.
package store

import (
	"context"
	"time"
)

// Store is the counter backend used by the rate limiter. Counters are
// windowed: IncrementWithExpiry sets the TTL only when it creates the
// key, so a window expires relative to its first request.
type Store interface {
	// Get returns the current value of the counter, 0 if absent.
	Get(ctx context.Context, key string) (int64, error)

	// Set stores a value with a TTL.
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error

	// IncrementWithExpiry atomically adds delta to the counter and
	// returns the new value. The TTL is applied only on key creation.
	IncrementWithExpiry(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// TTL returns the remaining lifetime of the key, 0 if absent.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Delete removes the key.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
