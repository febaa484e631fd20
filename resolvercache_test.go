package gretun

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryResolverCacheGetPut(t *testing.T) {
	c := NewMemoryResolverCache(2)
	ctx := context.Background()

	_, ok := c.Get(ctx, "a.example.com")
	require.False(t, ok)

	c.Put(ctx, "a.example.com", net.ParseIP("10.0.0.1"), time.Minute)
	ip, ok := c.Get(ctx, "a.example.com")
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", ip.String())
}

func TestMemoryResolverCacheEvictsLRU(t *testing.T) {
	c := NewMemoryResolverCache(2)
	ctx := context.Background()

	c.Put(ctx, "a.example.com", net.ParseIP("10.0.0.1"), time.Minute)
	c.Put(ctx, "b.example.com", net.ParseIP("10.0.0.2"), time.Minute)
	// touch a so b becomes the LRU entry
	c.Get(ctx, "a.example.com")
	c.Put(ctx, "c.example.com", net.ParseIP("10.0.0.3"), time.Minute)

	_, ok := c.Get(ctx, "b.example.com")
	require.False(t, ok, "b should have been evicted")

	_, ok = c.Get(ctx, "a.example.com")
	require.True(t, ok)
	_, ok = c.Get(ctx, "c.example.com")
	require.True(t, ok)
}

func TestMemoryResolverCacheExpiry(t *testing.T) {
	c := NewMemoryResolverCache(10)
	ctx := context.Background()
	c.Put(ctx, "expired.example.com", net.ParseIP("10.0.0.1"), -time.Second)

	_, ok := c.Get(ctx, "expired.example.com")
	require.False(t, ok)
}

// fakeResolverCache is an in-memory stand-in for the Redis tier, letting
// tieredResolverCache's fallback/populate behavior be tested without a
// real Redis server.
type fakeResolverCache struct {
	entries map[string]net.IP
	gets    int
}

func newFakeResolverCache() *fakeResolverCache {
	return &fakeResolverCache{entries: make(map[string]net.IP)}
}

func (f *fakeResolverCache) Get(_ context.Context, host string) (net.IP, bool) {
	f.gets++
	ip, ok := f.entries[host]
	return ip, ok
}

func (f *fakeResolverCache) Put(_ context.Context, host string, ip net.IP, _ time.Duration) {
	f.entries[host] = ip
}

func TestTieredResolverCacheFallsBackAndPopulates(t *testing.T) {
	memory := NewMemoryResolverCache(10)
	shared := newFakeResolverCache()
	shared.entries["shared.example.com"] = net.ParseIP("198.51.100.1")

	tiered := NewTieredResolverCache(memory, shared)
	ctx := context.Background()

	ip, ok := tiered.Get(ctx, "shared.example.com")
	require.True(t, ok)
	require.Equal(t, "198.51.100.1", ip.String())
	require.Equal(t, 1, shared.gets)

	// second lookup is served from memory, not the shared tier again
	_, ok = tiered.Get(ctx, "shared.example.com")
	require.True(t, ok)
	require.Equal(t, 1, shared.gets)
}

func TestTieredResolverCachePutWritesBothTiers(t *testing.T) {
	memory := NewMemoryResolverCache(10)
	shared := newFakeResolverCache()
	tiered := NewTieredResolverCache(memory, shared)
	ctx := context.Background()

	tiered.Put(ctx, "new.example.com", net.ParseIP("203.0.113.5"), time.Minute)

	_, ok := shared.entries["new.example.com"]
	require.True(t, ok)
	ip, ok := memory.Get(ctx, "new.example.com")
	require.True(t, ok)
	require.Equal(t, "203.0.113.5", ip.String())
}
