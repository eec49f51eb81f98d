package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Mirror persists cache entries outside the process.
type Mirror interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
}

// Entry is a cached value and the moment it was fetched.
type Entry[T any] struct {
	Value     T             `json:"value"`
	FetchedAt time.Time     `json:"fetched_at"`
	TTL       time.Duration `json:"ttl"`
}

// Fresh reports whether the entry is still inside its TTL at now.
func (e Entry[T]) Fresh(now time.Time) bool {
	return now.Sub(e.FetchedAt) < e.TTL
}

// Cache is a single-slot-per-key TTL cache. Expired values are kept so callers
// can fall back to them when a refresh fails.
type Cache[T any] struct {
	mu          sync.RWMutex
	entries     map[string]Entry[T]
	lastRefresh time.Time
	mirror      Mirror
	now         func() time.Time
}

// Option customises a Cache.
type Option[T any] func(*Cache[T])

// WithMirror copies every Put to m.
func WithMirror[T any](m Mirror) Option[T] {
	return func(c *Cache[T]) { c.mirror = m }
}

// WithClock overrides the time source.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(c *Cache[T]) { c.now = now }
}

// New constructs an empty cache.
func New[T any](opts ...Option[T]) *Cache[T] {
	c := &Cache[T]{
		entries: make(map[string]Entry[T]),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the stored value while now-fetchedAt < ttl.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || !entry.Fresh(c.now()) {
		var zero T
		return zero, false
	}
	return entry.Value, true
}

// Stale returns the last stored value regardless of expiry.
func (c *Cache[T]) Stale(key string) (T, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		var zero T
		return zero, time.Time{}, false
	}
	return entry.Value, entry.FetchedAt, true
}

// Put stores value under key. The in-memory write always succeeds; the returned
// error only reports a mirror failure.
func (c *Cache[T]) Put(ctx context.Context, key string, value T, ttl time.Duration) error {
	now := c.now()
	entry := Entry[T]{Value: value, FetchedAt: now, TTL: ttl}

	c.mu.Lock()
	c.entries[key] = entry
	c.lastRefresh = now
	mirror := c.mirror
	c.mu.Unlock()

	if mirror == nil {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry %q: %w", key, err)
	}
	if err := mirror.Save(ctx, key, data); err != nil {
		return fmt.Errorf("mirror cache entry %q: %w", key, err)
	}
	return nil
}

// Restore loads key from the mirror into memory, keeping its original fetch
// time so expiry is judged against when the data was really read.
// It returns false when the mirror has nothing for key.
func (c *Cache[T]) Restore(ctx context.Context, key string) (bool, error) {
	if c.mirror == nil {
		return false, nil
	}
	data, err := c.mirror.Load(ctx, key)
	if err != nil {
		return false, fmt.Errorf("load cache entry %q: %w", key, err)
	}
	if data == nil {
		return false, nil
	}

	var entry Entry[T]
	if err := json.Unmarshal(data, &entry); err != nil {
		return false, fmt.Errorf("decode cache entry %q: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.entries[key]; ok && !current.FetchedAt.Before(entry.FetchedAt) {
		return true, nil
	}
	c.entries[key] = entry
	if entry.FetchedAt.After(c.lastRefresh) {
		c.lastRefresh = entry.FetchedAt
	}
	return true, nil
}

// LastRefresh reports the time of the most recent Put or Restore.
func (c *Cache[T]) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}
