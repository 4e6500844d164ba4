package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"goa.design/agentd/runtime/cache"
	"goa.design/agentd/runtime/cache/cachetest"
	"goa.design/agentd/runtime/lease"
	"goa.design/agentd/runtime/lock"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c, err := New(rdb, WithPrefix("test:"))
	require.NoError(t, err)
	return c, mr
}

func TestConformance(t *testing.T) {
	var current *miniredis.Miniredis
	cachetest.Run(t,
		func(t *testing.T) cache.Cache {
			c, mr := newTestCache(t)
			current = mr
			return c
		},
		func(_ *testing.T, d time.Duration) { current.FastForward(d) },
	)
}

func TestPrefix(t *testing.T) {
	c, mr := newTestCache(t)
	require.NoError(t, c.Set(context.Background(), "k", "v", 0))
	got, err := mr.Get("test:k")
	require.NoError(t, err)
	require.Equal(t, "v", got)
}

func TestPing(t *testing.T) {
	c, mr := newTestCache(t)
	require.Equal(t, "cache-redis", c.Name())
	require.NoError(t, c.Ping(context.Background()))
	mr.Close()
	require.Error(t, c.Ping(context.Background()))
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil)
	require.EqualError(t, err, "redis client is required")
}

func TestLeaseAndLockOverRedis(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	leases := lease.New(c, lease.WithTTL(time.Minute))
	_, err := leases.Acquire(ctx, "s1", "node-a", "run-1", 0)
	require.NoError(t, err)
	_, err = leases.Acquire(ctx, "s1", "node-b", "run-2", 0)
	require.ErrorIs(t, err, lease.ErrHeld)
	require.NoError(t, leases.Renew(ctx, "s1", "node-a", 0))
	require.ErrorIs(t, leases.Renew(ctx, "s1", "node-b", 0), lease.ErrNotHeld)

	mr.FastForward(2 * time.Minute)
	_, err = leases.Acquire(ctx, "s1", "node-b", "run-2", 0)
	require.NoError(t, err, "expired lease is reclaimable")

	locker := lock.New(c, lock.WithWait(20*time.Millisecond))
	l, err := locker.Acquire(ctx, "s1")
	require.NoError(t, err)
	_, err = locker.Acquire(ctx, "s1")
	require.ErrorIs(t, err, lock.ErrTimeout)
	require.NoError(t, l.Release(ctx))
	_, err = locker.Acquire(ctx, "s1")
	require.NoError(t, err)
}
