// Package lock implements a distributed mutual-exclusion lock on top of a
// cache.Cache.
//
// A lock is a cache key holding a random token, set with SetNX and a TTL so a
// crashed holder cannot block others forever. Release only deletes the key
// when it still holds the caller's token.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"goa.design/agentd/runtime/apperr"
	"goa.design/agentd/runtime/cache"
)

type (
	// Locker acquires locks on a cache.
	Locker struct {
		cache  cache.Cache
		prefix string
		ttl    time.Duration
		wait   time.Duration
		retry  time.Duration
	}

	// Lock is a held lock.
	Lock struct {
		locker *Locker
		key    string
		token  string
	}

	// Option configures a Locker.
	Option func(*Locker)
)

const (
	// DefaultTTL bounds how long a lock survives a crashed holder.
	DefaultTTL = 30 * time.Second
	// DefaultWait is the maximum time Acquire waits for a held lock.
	DefaultWait = 5 * time.Second
	// DefaultRetryInterval is the base polling interval while waiting.
	DefaultRetryInterval = 25 * time.Millisecond
)

var (
	// ErrTimeout indicates the lock could not be acquired within the wait
	// bound.
	ErrTimeout = apperr.New(apperr.KindLockTimeout, "timed out waiting for lock")
	// ErrUnavailable indicates the lock backend failed. Callers may degrade.
	ErrUnavailable = errors.New("lock backend unavailable")
)

// WithTTL sets the lock expiry.
func WithTTL(d time.Duration) Option { return func(l *Locker) { l.ttl = d } }

// WithWait sets the acquisition wait bound.
func WithWait(d time.Duration) Option { return func(l *Locker) { l.wait = d } }

// WithRetryInterval sets the base polling interval.
func WithRetryInterval(d time.Duration) Option { return func(l *Locker) { l.retry = d } }

// WithPrefix sets the key prefix (default "lock:").
func WithPrefix(p string) Option { return func(l *Locker) { l.prefix = p } }

// New returns a Locker on c.
func New(c cache.Cache, opts ...Option) *Locker {
	l := &Locker{
		cache:  c,
		prefix: "lock:",
		ttl:    DefaultTTL,
		wait:   DefaultWait,
		retry:  DefaultRetryInterval,
	}
	for _, o := range opts {
		o(l)
	}
	if l.retry <= 0 {
		l.retry = DefaultRetryInterval
	}
	return l
}

// Acquire blocks until the lock named name is held, the wait bound elapses
// (ErrTimeout) or ctx is done. Backend errors are wrapped in ErrUnavailable.
func (l *Locker) Acquire(ctx context.Context, name string) (*Lock, error) {
	key := l.prefix + name
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.cache.SetNX(ctx, key, token, l.ttl)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		if ok {
			return &Lock{locker: l, key: key, token: token}, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		// Jittered retry.
		sleep := l.retry/2 + rand.N(l.retry)
		if sleep > remaining {
			sleep = remaining
		}
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Release deletes the lock if it is still held by this token. Releasing a
// lock that expired and was taken by someone else is a no-op.
func (lk *Lock) Release(ctx context.Context) error {
	if _, err := lk.locker.cache.CompareAndDelete(ctx, lk.key, lk.token); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Key returns the cache key of the lock.
func (lk *Lock) Key() string { return lk.key }
