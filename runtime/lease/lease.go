// Package lease implements the active session registry: a TTL lease per
// session marking that a run is in flight and which instance owns it.
//
// Leases live only in the cache. Absence of a lease means no run is in flight;
// a crashed owner stops renewing and its lease expires after the TTL.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/agentd/runtime/apperr"
	"goa.design/agentd/runtime/cache"
)

type (
	// Lease describes the holder of a session.
	Lease struct {
		// SessionID is the leased session.
		SessionID string `json:"-"`
		// Owner is the instance ID of the holder.
		Owner string `json:"owner"`
		// RunID identifies the run the lease was acquired for.
		RunID string `json:"run_id"`
		// AcquiredAt records when the lease was acquired.
		AcquiredAt time.Time `json:"acquired_at"`
	}

	// Registry manages leases in a cache.
	Registry struct {
		cache  cache.Cache
		prefix string
		ttl    time.Duration
		now    func() time.Time
	}

	// Option configures a Registry.
	Option func(*Registry)
)

// DefaultTTL is the lease lifetime without renewal.
const DefaultTTL = 2 * time.Hour

var (
	// ErrHeld indicates the session already has a live lease.
	ErrHeld = apperr.New(apperr.KindConflict, "session already has an active run")
	// ErrNotHeld indicates the caller does not hold the lease.
	ErrNotHeld = apperr.New(apperr.KindConflict, "session has no active run owned by this instance")
	// ErrNoLease indicates no lease exists for the session.
	ErrNoLease = apperr.New(apperr.KindConflict, "session has no active run")
)

// WithTTL sets the default lease TTL.
func WithTTL(d time.Duration) Option { return func(r *Registry) { r.ttl = d } }

// WithPrefix sets the cache key prefix (default "lease:").
func WithPrefix(p string) Option { return func(r *Registry) { r.prefix = p } }

// WithClock overrides the time source used for AcquiredAt.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// New returns a Registry on c.
func New(c cache.Cache, opts ...Option) *Registry {
	r := &Registry{cache: c, prefix: "lease:", ttl: DefaultTTL, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// TTL returns the configured lease TTL.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Acquire creates the lease for sessionID when none exists. A zero ttl uses
// the registry default. Returns ErrHeld when another lease is live.
func (r *Registry) Acquire(ctx context.Context, sessionID, owner, runID string, ttl time.Duration) (Lease, error) {
	if sessionID == "" || owner == "" {
		return Lease{}, apperr.Validation("lease requires a session id and an owner")
	}
	if ttl <= 0 {
		ttl = r.ttl
	}
	l := Lease{SessionID: sessionID, Owner: owner, RunID: runID, AcquiredAt: r.now().UTC()}
	raw, err := json.Marshal(l)
	if err != nil {
		return Lease{}, err
	}
	ok, err := r.cache.SetNX(ctx, r.key(sessionID), string(raw), ttl)
	if err != nil {
		return Lease{}, apperr.StorageUnavailable("lease.acquire", err)
	}
	if !ok {
		return Lease{}, ErrHeld
	}
	return l, nil
}

// Renew resets the lease TTL to ttl when owner holds it. A zero ttl uses the
// registry default; holders that acquired with a custom ttl pass it again.
func (r *Registry) Renew(ctx context.Context, sessionID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.ttl
	}
	raw, l, err := r.load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNoLease) {
			return ErrNotHeld
		}
		return err
	}
	if l.Owner != owner {
		return ErrNotHeld
	}
	ok, err := r.cache.CompareAndExpire(ctx, r.key(sessionID), raw, ttl)
	if err != nil {
		return apperr.StorageUnavailable("lease.renew", err)
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}

// Release deletes the lease when owner holds it and reports whether it did.
func (r *Registry) Release(ctx context.Context, sessionID, owner string) (bool, error) {
	raw, l, err := r.load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNoLease) {
			return false, nil
		}
		return false, err
	}
	if l.Owner != owner {
		return false, nil
	}
	ok, err := r.cache.CompareAndDelete(ctx, r.key(sessionID), raw)
	if err != nil {
		return false, apperr.StorageUnavailable("lease.release", err)
	}
	return ok, nil
}

// IsActive reports whether sessionID has a live lease.
func (r *Registry) IsActive(ctx context.Context, sessionID string) (bool, error) {
	_, _, err := r.load(ctx, sessionID)
	if errors.Is(err, ErrNoLease) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the live lease of sessionID or ErrNoLease.
func (r *Registry) Get(ctx context.Context, sessionID string) (Lease, error) {
	_, l, err := r.load(ctx, sessionID)
	return l, err
}

func (r *Registry) load(ctx context.Context, sessionID string) (string, Lease, error) {
	raw, err := r.cache.Get(ctx, r.key(sessionID))
	if errors.Is(err, cache.ErrMiss) {
		return "", Lease{}, ErrNoLease
	}
	if err != nil {
		return "", Lease{}, apperr.StorageUnavailable("lease.get", err)
	}
	var l Lease
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return "", Lease{}, fmt.Errorf("decode lease %q: %w", sessionID, err)
	}
	l.SessionID = sessionID
	return raw, l, nil
}

func (r *Registry) key(sessionID string) string { return r.prefix + sessionID }
