// Package cache defines the fast key/value cache contract used for session
// read-through caching, distributed locks and active-session leases.
//
// Implementations must make SetNX, CompareAndDelete and CompareAndExpire
// atomic: locks and leases rely on them for mutual exclusion.
package cache

import (
	"context"
	"errors"
	"time"
)

// Cache is a string KV store with per-key TTL.
type Cache interface {
	// Get returns ErrMiss when the key is absent or expired.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value with the given TTL. A zero TTL never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// CompareAndDelete removes key only when it holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// CompareAndExpire resets the TTL of key only when it holds expected.
	CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)
}

// ErrMiss is returned by Get for absent keys.
var ErrMiss = errors.New("cache: miss")
