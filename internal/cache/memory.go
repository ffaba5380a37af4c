package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry carries a cached payload and its own deadline, since callers pass a
// TTL per Set while otter expires on a cache-wide policy.
type entry struct {
	data      []byte
	expiresAt time.Time
}

// Memory is an in-memory cache backed by otter's W-TinyLFU eviction. The
// relay keys it by image URL so client retries skip the re-download.
type Memory struct {
	cache *otter.Cache[string, entry]
}

// NewMemory creates a bounded cache. defaultTTL caps how long an entry can
// live regardless of the TTL passed to Set.
func NewMemory(maxSize int, defaultTTL time.Duration) (*Memory, error) {
	c, err := otter.New[string, entry](&otter.Options[string, entry]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, entry](defaultTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Memory{cache: c}, nil
}

// Get returns the value for key when present and inside its per-entry TTL.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		m.cache.Invalidate(key)
		return nil, false
	}
	return e.data, true
}

// Set stores val under key for ttl.
func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	m.cache.Set(key, entry{
		data:      val,
		expiresAt: time.Now().Add(ttl),
	})
}

// Delete drops key.
func (m *Memory) Delete(_ context.Context, key string) {
	m.cache.Invalidate(key)
}

// Purge drops every entry.
func (m *Memory) Purge(_ context.Context) {
	m.cache.InvalidateAll()
}
