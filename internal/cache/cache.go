// Package cache provides the short-lived byte cache the relay uses for
// fetched image payloads.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque byte values under string keys with per-entry TTLs.
type Cache interface {
	// Get returns the cached value for key, if present and unexpired.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores val under key for ttl.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	// Delete drops key.
	Delete(ctx context.Context, key string)
	// Purge drops everything.
	Purge(ctx context.Context)
}
