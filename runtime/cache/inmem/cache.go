// Package inmem provides a process-local cache.Cache for tests and
// single-instance deployments.
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/agentd/runtime/cache"
)

type (
	// Cache is a map-backed cache with lazy expiry. Safe for concurrent use.
	Cache struct {
		mu      sync.Mutex
		entries map[string]entry
		now     func() time.Time
	}

	entry struct {
		value   string
		expires time.Time
	}

	// Option configures a Cache.
	Option func(*Cache)
)

var _ cache.Cache = (*Cache)(nil)

// WithClock overrides the time source, letting tests simulate TTL expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New returns an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{entries: make(map[string]entry), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get implements cache.Cache.
func (c *Cache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok {
		return "", cache.ErrMiss
	}
	return e.value, nil
}

// Set implements cache.Cache.
func (c *Cache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = c.newEntry(value, ttl)
	return nil
}

// SetNX implements cache.Cache.
func (c *Cache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lookup(key); ok {
		return false, nil
	}
	c.entries[key] = c.newEntry(value, ttl)
	return true, nil
}

// Delete implements cache.Cache.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// CompareAndDelete implements cache.Cache.
func (c *Cache) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok || e.value != expected {
		return false, nil
	}
	delete(c.entries, key)
	return true, nil
}

// CompareAndExpire implements cache.Cache.
func (c *Cache) CompareAndExpire(_ context.Context, key, expected string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok || e.value != expected {
		return false, nil
	}
	c.entries[key] = c.newEntry(e.value, ttl)
	return true, nil
}

// lookup returns the live entry for key, evicting it when expired. Callers
// hold c.mu.
func (c *Cache) lookup(key string) (entry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return entry{}, false
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.entries, key)
		return entry{}, false
	}
	return e, true
}

func (c *Cache) newEntry(value string, ttl time.Duration) entry {
	e := entry{value: value}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	return e
}
