// Package quotastore abstracts the shared counter backend used for quota
// admission. Correctness relies on the store's atomic primitives rather than
// in-process locks: increment-and-read happens server-side in one step.
package quotastore

import (
	"context"
	"time"
)

// Store is the shared counter backend.
type Store interface {
	// IncrWithExpiry atomically increments the counter at key and returns the
	// post-increment value. The expiry is applied only when the increment
	// creates the key, so a counter's TTL always equals time-to-window-reset
	// and is never extended by later writes.
	IncrWithExpiry(ctx context.Context, key string, expireAt time.Time) (int64, error)

	// Count returns the current counter value without touching its TTL.
	// A missing or expired key reads as zero.
	Count(ctx context.Context, key string) (int64, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}
