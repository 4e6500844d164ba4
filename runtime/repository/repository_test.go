package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/agentd/runtime/apperr"
	"goa.design/agentd/runtime/cache"
	cacheinmem "goa.design/agentd/runtime/cache/inmem"
	"goa.design/agentd/runtime/lock"
	"goa.design/agentd/runtime/session"
	sessioninmem "goa.design/agentd/runtime/session/inmem"
)

// countingStore counts loads and can be switched into a failing mode.
type countingStore struct {
	session.Store
	loads   atomic.Int32
	failing atomic.Bool
}

var errDown = errors.New("connection refused")

func (s *countingStore) LoadSession(ctx context.Context, id string) (session.Session, error) {
	s.loads.Add(1)
	if s.failing.Load() {
		return session.Session{}, errDown
	}
	return s.Store.LoadSession(ctx, id)
}

func (s *countingStore) SaveSession(ctx context.Context, sess session.Session) (session.Session, error) {
	if s.failing.Load() {
		return session.Session{}, errDown
	}
	return s.Store.SaveSession(ctx, sess)
}

// flakyCache fails every operation while down is set.
type flakyCache struct {
	cache.Cache
	down atomic.Bool
}

func (c *flakyCache) Get(ctx context.Context, key string) (string, error) {
	if c.down.Load() {
		return "", errDown
	}
	return c.Cache.Get(ctx, key)
}

func (c *flakyCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if c.down.Load() {
		return errDown
	}
	return c.Cache.Set(ctx, key, value, ttl)
}

func (c *flakyCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if c.down.Load() {
		return false, errDown
	}
	return c.Cache.SetNX(ctx, key, value, ttl)
}

func (c *flakyCache) Delete(ctx context.Context, key string) error {
	if c.down.Load() {
		return errDown
	}
	return c.Cache.Delete(ctx, key)
}

func newRepo(t *testing.T, store session.Store, c cache.Cache) *Repository {
	t.Helper()
	r, err := New(Options{Store: store, Cache: c, RetryBackoff: time.Millisecond})
	require.NoError(t, err)
	return r
}

func newSession() session.Session {
	return session.Session{ID: uuid.NewString(), Model: "m", OwnerHash: session.HashOwner("o")}
}

func TestGetIsCacheAside(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: sessioninmem.New()}
	r := newRepo(t, store, cacheinmem.New())

	created, err := r.Create(ctx, newSession())
	require.NoError(t, err)
	require.Equal(t, session.StatusCreated, created.Status)

	for range 3 {
		got, err := r.Get(ctx, created.ID)
		require.NoError(t, err)
		require.Equal(t, created.ID, got.ID)
	}
	require.Equal(t, int32(0), store.loads.Load(), "reads after create are served by the cache")

	// A second instance with a cold cache reads through and repopulates.
	cold := cacheinmem.New()
	other := newRepo(t, store, cold)
	_, err = other.Get(ctx, created.ID)
	require.NoError(t, err)
	_, err = other.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, int32(1), store.loads.Load())
}

func TestGetNotFound(t *testing.T) {
	r := newRepo(t, sessioninmem.New(), cacheinmem.New())
	_, err := r.Get(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, session.ErrSessionNotFound)
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestUpdateReadYourWriteAcrossInstances(t *testing.T) {
	ctx := context.Background()
	store := sessioninmem.New()
	shared := cacheinmem.New()
	a := newRepo(t, store, shared)
	b := newRepo(t, store, shared)

	s, err := a.Create(ctx, newSession())
	require.NoError(t, err)

	updated, err := a.Update(ctx, s.ID, func(s *session.Session) error {
		s.Status = session.StatusRunning
		s.TotalTurns = 3
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), updated.Version)

	got, err := b.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusRunning, got.Status)
	require.Equal(t, 3, got.TotalTurns)
}

// pausingStore blocks the next LoadSession after reading the row until
// release is closed.
type pausingStore struct {
	session.Store
	armed   atomic.Bool
	loaded  chan struct{}
	release chan struct{}
}

func newPausingStore(inner session.Store) *pausingStore {
	return &pausingStore{Store: inner, loaded: make(chan struct{}), release: make(chan struct{})}
}

func (s *pausingStore) LoadSession(ctx context.Context, id string) (session.Session, error) {
	out, err := s.Store.LoadSession(ctx, id)
	if s.armed.CompareAndSwap(true, false) {
		close(s.loaded)
		<-s.release
	}
	return out, err
}

func TestSlowReadDoesNotOverwriteUpdate(t *testing.T) {
	ctx := context.Background()
	inner := sessioninmem.New()
	shared := cacheinmem.New()
	a := newRepo(t, inner, shared)
	slow := newPausingStore(inner)
	b := newRepo(t, slow, shared)

	s, err := a.Create(ctx, newSession())
	require.NoError(t, err)
	require.NoError(t, shared.Delete(ctx, cachePrefix+s.ID))

	slow.armed.Store(true)
	done := make(chan error, 1)
	go func() {
		got, err := b.Get(ctx, s.ID)
		if err == nil && got.TotalTurns != 0 {
			err = errors.New("slow read should observe the row it loaded")
		}
		done <- err
	}()
	<-slow.loaded

	_, err = a.Update(ctx, s.ID, func(s *session.Session) error { s.TotalTurns = 5; return nil })
	require.NoError(t, err)
	close(slow.release)
	require.NoError(t, <-done)

	for _, r := range []*Repository{a, b} {
		got, err := r.Get(ctx, s.ID)
		require.NoError(t, err)
		require.Equal(t, 5, got.TotalTurns)
	}
}

// readDuringDeleteStore runs beforeDelete ahead of removing the row.
type readDuringDeleteStore struct {
	session.Store
	beforeDelete func(id string)
}

func (s *readDuringDeleteStore) DeleteSession(ctx context.Context, id string) error {
	s.beforeDelete(id)
	return s.Store.DeleteSession(ctx, id)
}

func TestReadRacingDeleteDoesNotResurrect(t *testing.T) {
	ctx := context.Background()
	inner := sessioninmem.New()
	shared := cacheinmem.New()
	reader := newRepo(t, inner, shared)
	store := &readDuringDeleteStore{Store: inner, beforeDelete: func(id string) {
		_, err := reader.Get(ctx, id)
		require.NoError(t, err)
	}}
	r := newRepo(t, store, shared)

	s, err := r.Create(ctx, newSession())
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, s.ID))

	_, err = reader.Get(ctx, s.ID)
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestUpdateEvictsWhenCacheWriteFails(t *testing.T) {
	ctx := context.Background()
	c := &setFailingCache{Cache: cacheinmem.New()}
	store := sessioninmem.New()
	r := newRepo(t, store, c)
	s, err := r.Create(ctx, newSession())
	require.NoError(t, err)

	c.failSet.Store(true)
	_, err = r.Update(ctx, s.ID, func(s *session.Session) error { s.TotalTurns = 2; return nil })
	require.NoError(t, err)
	_, err = c.Get(ctx, cachePrefix+s.ID)
	require.ErrorIs(t, err, cache.ErrMiss)

	c.failSet.Store(false)
	got, err := r.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.TotalTurns)
}

// setFailingCache fails Set while failSet is set; other operations work.
type setFailingCache struct {
	cache.Cache
	failSet atomic.Bool
}

func (c *setFailingCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if c.failSet.Load() {
		return errDown
	}
	return c.Cache.Set(ctx, key, value, ttl)
}

func TestUpdateRejectsInvariantViolation(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t, sessioninmem.New(), cacheinmem.New())
	s, err := r.Create(ctx, newSession())
	require.NoError(t, err)
	_, err = r.Update(ctx, s.ID, func(s *session.Session) error { s.TotalTurns = 5; return nil })
	require.NoError(t, err)

	_, err = r.Update(ctx, s.ID, func(s *session.Session) error { s.TotalTurns = 1; return nil })
	require.True(t, apperr.Is(err, apperr.KindValidation))

	got, err := r.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, 5, got.TotalTurns)
}

func TestUpdateMutatorError(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t, sessioninmem.New(), cacheinmem.New())
	s, err := r.Create(ctx, newSession())
	require.NoError(t, err)
	boom := apperr.Conflict("not allowed")
	_, err = r.Update(ctx, s.ID, func(*session.Session) error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	ctx := context.Background()
	store := sessioninmem.New()
	shared := cacheinmem.New()
	locker := lock.New(shared, lock.WithRetryInterval(time.Millisecond))
	repos := make([]*Repository, 3)
	for i := range repos {
		r, err := New(Options{Store: store, Cache: shared, Locker: locker})
		require.NoError(t, err)
		repos[i] = r
	}
	s, err := repos[0].Create(ctx, newSession())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repos[i%3].Update(ctx, s.ID, func(s *session.Session) error {
				s.TotalTurns++
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got, err := repos[1].Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, 30, got.TotalTurns)
	require.Equal(t, int64(30), got.Version)
}

func TestLockTimeoutRetriedOnce(t *testing.T) {
	ctx := context.Background()
	shared := cacheinmem.New()
	locker := lock.New(shared, lock.WithPrefix("lock:"), lock.WithWait(50*time.Millisecond), lock.WithRetryInterval(time.Millisecond))
	r, err := New(Options{Store: sessioninmem.New(), Cache: shared, Locker: locker})
	require.NoError(t, err)
	s, err := r.Create(ctx, newSession())
	require.NoError(t, err)

	// Held for longer than one wait but shorter than two.
	held, err := locker.Acquire(ctx, s.ID)
	require.NoError(t, err)
	go func() {
		time.Sleep(75 * time.Millisecond)
		_ = held.Release(ctx)
	}()
	_, err = r.Update(ctx, s.ID, func(s *session.Session) error { s.Mode = "x"; return nil })
	require.NoError(t, err)

	// Held forever: the retry also times out and the error surfaces.
	_, err = locker.Acquire(ctx, s.ID)
	require.NoError(t, err)
	_, err = r.Update(ctx, s.ID, func(s *session.Session) error { s.Mode = "y"; return nil })
	require.ErrorIs(t, err, lock.ErrTimeout)
	require.True(t, apperr.Is(err, apperr.KindLockTimeout))
}

func TestCacheDownDegradesToStore(t *testing.T) {
	ctx := context.Background()
	c := &flakyCache{Cache: cacheinmem.New()}
	r := newRepo(t, sessioninmem.New(), c)

	c.down.Store(true)
	s, err := r.Create(ctx, newSession())
	require.NoError(t, err)
	got, err := r.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)

	updated, err := r.Update(ctx, s.ID, func(s *session.Session) error { s.TotalTurns = 2; return nil })
	require.NoError(t, err)
	require.Equal(t, 2, updated.TotalTurns)

	require.NoError(t, r.Delete(ctx, s.ID))
	_, err = r.Get(ctx, s.ID)
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestStoreDownIsNotMasked(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: sessioninmem.New()}
	r := newRepo(t, store, nil)
	s, err := r.Create(ctx, newSession())
	require.NoError(t, err)

	store.failing.Store(true)
	_, err = r.Get(ctx, s.ID)
	require.True(t, apperr.Is(err, apperr.KindStorageUnavailable))
	require.ErrorIs(t, err, errDown)
	require.Equal(t, int32(1+defaultReadRetries), store.loads.Load(), "reads are retried")

	_, err = r.Update(ctx, s.ID, func(s *session.Session) error { s.TotalTurns = 1; return nil })
	require.True(t, apperr.Is(err, apperr.KindStorageUnavailable))
}

func TestStaleCacheRemovedOnFailedWrite(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: sessioninmem.New()}
	c := cacheinmem.New()
	r := newRepo(t, store, c)
	s, err := r.Create(ctx, newSession())
	require.NoError(t, err)

	// Loads succeed but saves fail.
	failingSave := &saveFailingStore{Store: store}
	r.store = failingSave
	_, err = r.Update(ctx, s.ID, func(s *session.Session) error { s.TotalTurns = 1; return nil })
	require.Error(t, err)
	_, err = c.Get(ctx, cachePrefix+s.ID)
	require.ErrorIs(t, err, cache.ErrMiss)
}

type saveFailingStore struct{ session.Store }

func (saveFailingStore) SaveSession(context.Context, session.Session) (session.Session, error) {
	return session.Session{}, errDown
}

func TestDeleteClearsCacheThenStore(t *testing.T) {
	ctx := context.Background()
	c := cacheinmem.New()
	r := newRepo(t, sessioninmem.New(), c)
	s, err := r.Create(ctx, newSession())
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, s.ID))
	_, err = c.Get(ctx, cachePrefix+s.ID)
	require.ErrorIs(t, err, cache.ErrMiss)
	require.ErrorIs(t, r.Delete(ctx, s.ID), session.ErrSessionNotFound)
}

func TestCheckpoints(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t, sessioninmem.New(), cacheinmem.New())
	s, err := r.Create(ctx, newSession())
	require.NoError(t, err)

	require.NoError(t, r.AppendCheckpoint(ctx, session.Checkpoint{ID: "c1", SessionID: s.ID, MessageRef: "m1"}))
	require.NoError(t, r.AppendCheckpoint(ctx, session.Checkpoint{ID: "c2", SessionID: s.ID, MessageRef: "m2"}))

	cps, err := r.ListCheckpoints(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	require.False(t, cps[0].CreatedAt.IsZero())

	cp, err := r.GetCheckpoint(ctx, s.ID, "c2")
	require.NoError(t, err)
	require.Equal(t, "m2", cp.MessageRef)

	_, err = r.GetCheckpoint(ctx, s.ID, "nope")
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestPropertyTurnsNeverDecrease(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("persisted total_turns is non-decreasing", prop.ForAll(
		func(deltas []int) bool {
			ctx := context.Background()
			r, err := New(Options{Store: sessioninmem.New(), Cache: cacheinmem.New()})
			if err != nil {
				return false
			}
			s, err := r.Create(ctx, newSession())
			if err != nil {
				return false
			}
			last := 0
			for _, d := range deltas {
				_, _ = r.Update(ctx, s.ID, func(s *session.Session) error {
					s.TotalTurns += d
					return nil
				})
				got, err := r.Get(ctx, s.ID)
				if err != nil || got.TotalTurns < last {
					return false
				}
				last = got.TotalTurns
			}
			return true
		},
		gen.SliceOf(gen.IntRange(-3, 3)),
	))

	properties.TestingRun(t)
}
