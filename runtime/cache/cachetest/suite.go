// Package cachetest provides a conformance suite for cache.Cache
// implementations.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentd/runtime/cache"
)

// Run exercises the cache.Cache contract. advance moves the cache clock
// forward so TTL expiry can be observed without sleeping.
func Run(t *testing.T, newCache func(t *testing.T) cache.Cache, advance func(t *testing.T, d time.Duration)) {
	t.Helper()
	ctx := context.Background()

	t.Run("get set delete", func(t *testing.T) {
		c := newCache(t)
		_, err := c.Get(ctx, "k")
		require.ErrorIs(t, err, cache.ErrMiss)

		require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
		got, err := c.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, "v", got)

		require.NoError(t, c.Delete(ctx, "k"))
		require.NoError(t, c.Delete(ctx, "k"))
		_, err = c.Get(ctx, "k")
		require.ErrorIs(t, err, cache.ErrMiss)
	})

	t.Run("setnx", func(t *testing.T) {
		c := newCache(t)
		ok, err := c.SetNX(ctx, "k", "a", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = c.SetNX(ctx, "k", "b", time.Minute)
		require.NoError(t, err)
		require.False(t, ok)

		got, err := c.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, "a", got)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		c := newCache(t)
		require.NoError(t, c.Set(ctx, "k", "v", time.Second))
		advance(t, 2*time.Second)
		_, err := c.Get(ctx, "k")
		require.ErrorIs(t, err, cache.ErrMiss)

		ok, err := c.SetNX(ctx, "k", "w", time.Second)
		require.NoError(t, err)
		require.True(t, ok, "expired key must not block SetNX")
	})

	t.Run("compare and delete", func(t *testing.T) {
		c := newCache(t)
		require.NoError(t, c.Set(ctx, "k", "owner-1", time.Minute))

		ok, err := c.CompareAndDelete(ctx, "k", "owner-2")
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = c.CompareAndDelete(ctx, "k", "owner-1")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = c.CompareAndDelete(ctx, "k", "owner-1")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("compare and expire", func(t *testing.T) {
		c := newCache(t)
		require.NoError(t, c.Set(ctx, "k", "owner-1", 2*time.Second))

		ok, err := c.CompareAndExpire(ctx, "k", "owner-2", time.Minute)
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = c.CompareAndExpire(ctx, "k", "owner-1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		advance(t, 5*time.Second)
		got, err := c.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, "owner-1", got)

		ok, err = c.CompareAndExpire(ctx, "missing", "x", time.Minute)
		require.NoError(t, err)
		require.False(t, ok)
	})
}
