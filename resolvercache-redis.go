package gretun

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisResolverCache is the shared ND5 tier, adapted from the teacher's
// cache-redis.go: same client/options wrapping and best-effort error
// handling (a Redis outage degrades to cache-miss, never fails the
// resolve), simplified from the DNS wire-format store to a plain IP
// string, since there's no dns.Msg payload to pack here.
type redisResolverCache struct {
	client    *redis.Client
	keyPrefix string
	timeout   time.Duration
}

type RedisResolverCacheOptions struct {
	RedisOptions redis.Options
	KeyPrefix    string
}

func NewRedisResolverCache(opt RedisResolverCacheOptions) ResolverCache {
	return &redisResolverCache{
		client:    redis.NewClient(&opt.RedisOptions),
		keyPrefix: opt.KeyPrefix,
		timeout:   100 * time.Millisecond,
	}
}

func (c *redisResolverCache) Get(ctx context.Context, host string) (net.IP, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	val, err := c.client.Get(ctx, c.keyPrefix+host).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			Log.WithError(err).Debug("resolver cache: redis get failed")
		}
		return nil, false
	}
	ip := net.ParseIP(val)
	if ip == nil {
		return nil, false
	}
	return ip, true
}

func (c *redisResolverCache) Put(ctx context.Context, host string, ip net.IP, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.client.Set(ctx, c.keyPrefix+host, ip.String(), ttl).Err(); err != nil {
		Log.WithError(err).Debug("resolver cache: redis set failed")
	}
}

// tieredResolverCache checks an in-memory tier first, falling back to (and
// populating from) a shared Redis tier. Used when ND5's two-tier cache is
// enabled; a plain memoryResolverCache is used alone otherwise.
type tieredResolverCache struct {
	memory ResolverCache
	shared ResolverCache
}

func NewTieredResolverCache(memory, shared ResolverCache) ResolverCache {
	return &tieredResolverCache{memory: memory, shared: shared}
}

func (c *tieredResolverCache) Get(ctx context.Context, host string) (net.IP, bool) {
	if ip, ok := c.memory.Get(ctx, host); ok {
		return ip, true
	}
	if ip, ok := c.shared.Get(ctx, host); ok {
		c.memory.Put(ctx, host, ip, time.Minute)
		return ip, true
	}
	return nil, false
}

func (c *tieredResolverCache) Put(ctx context.Context, host string, ip net.IP, ttl time.Duration) {
	c.memory.Put(ctx, host, ip, ttl)
	c.shared.Put(ctx, host, ip, ttl)
}
