// Package redis implements cache.Cache on top of Redis.
//
// Locks and leases rely on CompareAndDelete and CompareAndExpire being atomic;
// both run as Lua scripts so the read and the write happen in one server
// step.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/agentd/runtime/cache"
)

type (
	// Cache is a Redis-backed cache.Cache. It also implements health.Pinger.
	Cache struct {
		rdb    redis.UniversalClient
		prefix string
	}

	// Option configures a Cache.
	Option func(*Cache)
)

const clientName = "cache-redis"

var (
	compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	compareAndExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call("PEXPIRE", KEYS[1], ttl)
else
	redis.call("PERSIST", KEYS[1])
end
return 1`)
)

var _ cache.Cache = (*Cache)(nil)

// WithPrefix namespaces every key.
func WithPrefix(prefix string) Option {
	return func(c *Cache) { c.prefix = prefix }
}

// New returns a Cache using rdb.
func New(rdb redis.UniversalClient, opts ...Option) (*Cache, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	c := &Cache{rdb: rdb}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Name implements health.Pinger.
func (c *Cache) Name() string { return clientName }

// Ping implements health.Pinger.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Get implements cache.Cache.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", cache.ErrMiss
	}
	return v, err
}

// Set implements cache.Cache.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, c.prefix+key, value, ttl).Err()
}

// SetNX implements cache.Cache.
func (c *Cache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, c.prefix+key, value, ttl).Result()
}

// Delete implements cache.Cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.prefix+key).Err()
}

// CompareAndDelete implements cache.Cache.
func (c *Cache) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, c.rdb, []string{c.prefix + key}, expected).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompareAndExpire implements cache.Cache.
func (c *Cache) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	n, err := compareAndExpire.Run(ctx, c.rdb, []string{c.prefix + key}, expected, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
