// Package repository keeps the durable session store and the fast cache
// consistent.
//
// Reads are cache-aside: the cache is consulted first and repopulated from the
// store on a miss. Repopulation only fills an absent key, so a reader holding
// a row loaded before a concurrent update never overwrites the entry that
// update wrote. Updates run under a per-session distributed lock, re-read
// the store, apply the caller's mutation, write the store and then refresh the
// cache. The store is the source of truth: store failures are surfaced as
// storage-unavailable errors while cache failures only degrade performance.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"goa.design/agentd/runtime/apperr"
	"goa.design/agentd/runtime/cache"
	"goa.design/agentd/runtime/lock"
	"goa.design/agentd/runtime/session"
	"goa.design/agentd/runtime/telemetry"
)

type (
	// Repository is the single access path for session state.
	Repository struct {
		store   session.Store
		cache   cache.Cache
		locker  *lock.Locker
		local   *keyedMutex
		prefix  string
		ttl     time.Duration
		retries int
		backoff time.Duration
		now     func() time.Time
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
	}

	// Options configures a Repository.
	Options struct {
		// Store is the durable store. Required.
		Store session.Store
		// Cache is the fast cache. Nil runs store-only.
		Cache cache.Cache
		// Locker guards updates. Nil uses a lock on Cache with default
		// settings, or process-local locking when Cache is nil.
		Locker *lock.Locker
		// CacheTTL is the lifetime of cached sessions. Defaults to 10 minutes.
		CacheTTL time.Duration
		// ReadRetries is the number of extra attempts for failed store reads.
		// Defaults to 2.
		ReadRetries int
		// RetryBackoff is the base delay between read retries. Defaults to 50ms.
		RetryBackoff time.Duration
		Logger       telemetry.Logger
		Metrics      telemetry.Metrics
		Tracer       telemetry.Tracer
	}

	// Mutator edits a session in place during Update.
	Mutator func(*session.Session) error
)

const (
	defaultCacheTTL     = 10 * time.Minute
	defaultReadRetries  = 2
	defaultRetryBackoff = 50 * time.Millisecond
	cachePrefix         = "session:"
)

// New returns a repository.
func New(opts Options) (*Repository, error) {
	if opts.Store == nil {
		return nil, errors.New("repository: store is required")
	}
	r := &Repository{
		store:   opts.Store,
		cache:   opts.Cache,
		locker:  opts.Locker,
		local:   newKeyedMutex(),
		prefix:  cachePrefix,
		ttl:     opts.CacheTTL,
		retries: opts.ReadRetries,
		backoff: opts.RetryBackoff,
		now:     time.Now,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
	if r.ttl <= 0 {
		r.ttl = defaultCacheTTL
	}
	if r.retries <= 0 {
		r.retries = defaultReadRetries
	}
	if r.backoff <= 0 {
		r.backoff = defaultRetryBackoff
	}
	if r.locker == nil && r.cache != nil {
		r.locker = lock.New(r.cache, lock.WithPrefix("lock:session:"))
	}
	if r.logger == nil {
		r.logger = telemetry.NewNoopLogger()
	}
	if r.metrics == nil {
		r.metrics = telemetry.NewNoopMetrics()
	}
	if r.tracer == nil {
		r.tracer = telemetry.NewNoopTracer()
	}
	return r, nil
}

// Get returns the session with the given ID.
func (r *Repository) Get(ctx context.Context, id string) (session.Session, error) {
	if id == "" {
		return session.Session{}, apperr.Validation("session id is required")
	}
	if s, ok := r.cached(ctx, id); ok {
		return s, nil
	}
	s, err := r.loadWithRetry(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	r.cacheFill(ctx, s)
	return s, nil
}

// Create persists a new session. The store is written first so a cache entry
// never exists for a session the store does not have.
func (r *Repository) Create(ctx context.Context, s session.Session) (session.Session, error) {
	now := r.now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	if s.Status == "" {
		s.Status = session.StatusCreated
	}
	s.Tags = session.NormalizeTags(s.Tags)
	s.Version = 0
	if err := s.Validate(); err != nil {
		return session.Session{}, err
	}
	if err := r.store.CreateSession(ctx, s); err != nil {
		return session.Session{}, storeErr("repository.create", err)
	}
	r.cachePut(ctx, s)
	return s.Clone(), nil
}

// Update applies mutate to the current session under the session lock and
// persists the result. A lock timeout is retried once before surfacing.
func (r *Repository) Update(ctx context.Context, id string, mutate Mutator) (session.Session, error) {
	ctx, span := r.tracer.Start(ctx, "repository.update")
	defer span.End()

	out, err := r.update(ctx, id, mutate)
	if errors.Is(err, lock.ErrTimeout) {
		r.logger.Warn(ctx, "session lock timeout, retrying", "session_id", id)
		out, err = r.update(ctx, id, mutate)
	}
	if err != nil {
		span.RecordError(err)
		return session.Session{}, err
	}
	return out, nil
}

// Delete removes the session: cache first, then store. The cache is evicted
// again afterwards to drop entries filled by reads that raced the delete.
func (r *Repository) Delete(ctx context.Context, id string) error {
	r.cacheDelete(ctx, id)
	if err := r.store.DeleteSession(ctx, id); err != nil {
		return storeErr("repository.delete", err)
	}
	r.cacheDelete(ctx, id)
	return nil
}

// List returns sessions matching f from the store.
func (r *Repository) List(ctx context.Context, f session.ListFilter) ([]session.Session, error) {
	var out []session.Session
	err := r.retryRead(ctx, func() error {
		var err error
		out, err = r.store.ListSessions(ctx, f)
		return err
	})
	if err != nil {
		return nil, storeErr("repository.list", err)
	}
	return out, nil
}

// AppendCheckpoint stores an immutable checkpoint.
func (r *Repository) AppendCheckpoint(ctx context.Context, c session.Checkpoint) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now().UTC()
	}
	if err := r.store.AppendCheckpoint(ctx, c); err != nil {
		return storeErr("repository.append_checkpoint", err)
	}
	return nil
}

// ListCheckpoints returns the session checkpoints in creation order.
func (r *Repository) ListCheckpoints(ctx context.Context, sessionID string) ([]session.Checkpoint, error) {
	var out []session.Checkpoint
	err := r.retryRead(ctx, func() error {
		var err error
		out, err = r.store.ListCheckpoints(ctx, sessionID)
		return err
	})
	if err != nil {
		return nil, storeErr("repository.list_checkpoints", err)
	}
	return out, nil
}

// GetCheckpoint returns a checkpoint of the session.
func (r *Repository) GetCheckpoint(ctx context.Context, sessionID, checkpointID string) (session.Checkpoint, error) {
	var out session.Checkpoint
	err := r.retryRead(ctx, func() error {
		var err error
		out, err = r.store.LoadCheckpoint(ctx, sessionID, checkpointID)
		return err
	})
	if err != nil {
		return session.Checkpoint{}, storeErr("repository.get_checkpoint", err)
	}
	return out, nil
}

func (r *Repository) update(ctx context.Context, id string, mutate Mutator) (session.Session, error) {
	unlock, err := r.lock(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	defer unlock()

	current, err := r.loadWithRetry(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	next := current.Clone()
	if err := mutate(&next); err != nil {
		return session.Session{}, err
	}
	next.Tags = session.NormalizeTags(next.Tags)
	next.Version = current.Version
	next.UpdatedAt = r.now().UTC()
	if err := session.CheckUpdate(current, next); err != nil {
		return session.Session{}, err
	}
	saved, err := r.store.SaveSession(ctx, next)
	if err != nil {
		// A stale cache entry must not outlive a failed write.
		r.cacheDelete(ctx, id)
		return session.Session{}, storeErr("repository.update", err)
	}
	if !r.cachePut(ctx, saved) {
		r.cacheDelete(ctx, id)
	}
	return saved, nil
}

// lock acquires the distributed session lock. When the lock backend is down
// it falls back to a process-local lock; the store version check still
// rejects conflicting writes from other instances.
func (r *Repository) lock(ctx context.Context, id string) (func(), error) {
	if r.locker != nil {
		lk, err := r.locker.Acquire(ctx, id)
		switch {
		case err == nil:
			return func() {
				if err := lk.Release(context.WithoutCancel(ctx)); err != nil {
					r.logger.Warn(ctx, "session lock release failed", "session_id", id, "err", err)
				}
			}, nil
		case errors.Is(err, lock.ErrUnavailable):
			r.logger.Warn(ctx, "lock backend unavailable, using local lock", "session_id", id, "err", err)
			r.metrics.IncCounter(telemetry.MetricCacheDegraded, 1, "op", "lock")
		default:
			return nil, err
		}
	}
	return r.local.Lock(ctx, id)
}

func (r *Repository) loadWithRetry(ctx context.Context, id string) (session.Session, error) {
	var out session.Session
	err := r.retryRead(ctx, func() error {
		var err error
		out, err = r.store.LoadSession(ctx, id)
		return err
	})
	if err != nil {
		return session.Session{}, storeErr("repository.get", err)
	}
	return out, nil
}

// retryRead retries fn with jittered backoff while it fails with an
// unclassified (infrastructure) error.
func (r *Repository) retryRead(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			delay := r.backoff*time.Duration(1<<(attempt-1)) + rand.N(r.backoff)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

func (r *Repository) cached(ctx context.Context, id string) (session.Session, bool) {
	if r.cache == nil {
		return session.Session{}, false
	}
	raw, err := r.cache.Get(ctx, r.prefix+id)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			r.degraded(ctx, "get", id, err)
		}
		return session.Session{}, false
	}
	var s session.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		r.logger.Warn(ctx, "discarding undecodable cache entry", "session_id", id, "err", err)
		r.cacheDelete(ctx, id)
		return session.Session{}, false
	}
	return s, true
}

// cachePut overwrites the cache entry of s and reports whether it did.
func (r *Repository) cachePut(ctx context.Context, s session.Session) bool {
	if r.cache == nil {
		return true
	}
	raw, err := json.Marshal(s)
	if err != nil {
		r.logger.Error(ctx, "encode session for cache", "session_id", s.ID, "err", err)
		return false
	}
	if err := r.cache.Set(ctx, r.prefix+s.ID, string(raw), r.ttl); err != nil {
		r.degraded(ctx, "set", s.ID, err)
		return false
	}
	return true
}

// cacheFill populates the cache entry of s only when it is absent. Writers
// holding the session lock use cachePut and always win over a fill.
func (r *Repository) cacheFill(ctx context.Context, s session.Session) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(s)
	if err != nil {
		r.logger.Error(ctx, "encode session for cache", "session_id", s.ID, "err", err)
		return
	}
	if _, err := r.cache.SetNX(ctx, r.prefix+s.ID, string(raw), r.ttl); err != nil {
		r.degraded(ctx, "setnx", s.ID, err)
	}
}

func (r *Repository) cacheDelete(ctx context.Context, id string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, r.prefix+id); err != nil {
		r.degraded(ctx, "delete", id, err)
	}
}

func (r *Repository) degraded(ctx context.Context, op, id string, err error) {
	r.logger.Warn(ctx, "session cache unavailable, using store only", "op", op, "session_id", id, "err", err)
	r.metrics.IncCounter(telemetry.MetricCacheDegraded, 1, "op", op)
}

// retryable reports whether err is a transient store failure. Classified
// errors (not found, conflict, validation) are definitive.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae.Kind == apperr.KindStorageUnavailable
	}
	return true
}

// storeErr classifies a store error: classified errors pass through, anything
// else is a storage failure.
func storeErr(op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return &apperr.Error{Kind: apperr.KindCancelled, Op: op, Err: err}
	}
	return apperr.StorageUnavailable(op, fmt.Errorf("durable store: %w", err))
}
