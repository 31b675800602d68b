package ports

import (
	"context"
	"time"
)

// Cache is the shared fast key-value store the HACoordinator elects a
// leader against. It needs only three primitives: atomic set-if-absent
// with TTL, a scripted renew (extend TTL only if still owner), and a
// scripted release (delete only if still owner).
type Cache interface {
	// TrySetNX sets key=value with the given TTL only if key is absent.
	// Returns true if this call won the set.
	TrySetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Renew extends key's TTL only if its current value equals value.
	// Returns true if the renewal applied.
	Renew(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Release deletes key only if its current value equals value.
	// Returns true if the delete applied.
	Release(ctx context.Context, key, value string) (bool, error)

	// Get returns the current value of key, or "" if absent.
	Get(ctx context.Context, key string) (string, error)

	// Ping is used by GET /ready.
	Ping(ctx context.Context) error
}
