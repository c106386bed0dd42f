// internal/cache/cache.go
package cache

import (
	"context"
	"time"
)

// Store is a minimal get/set cache with per-entry TTL. Implementations must
// treat a missing key as an ordinary condition, not an error.
type Store interface {
	// Get returns the cached value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key. A ttl <= 0 means the entry never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}
