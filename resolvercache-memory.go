package gretun

import (
	"context"
	"net"
	"sync"
	"time"
)

// memoryResolverCache is an in-memory LRU tier for ND5, adapted from the
// teacher's lru-cache.go: same most-recently-used-to-front doubly linked
// list, keyed by hostname instead of a DNS question tuple, storing a
// single resolved IP with an absolute expiry instead of a whole dns.Msg.
type memoryResolverCache struct {
	mu       sync.Mutex
	maxItems int
	items    map[string]*resolverCacheItem
	head     *resolverCacheItem
	tail     *resolverCacheItem
}

type resolverCacheItem struct {
	key        string
	ip         net.IP
	expiry     time.Time
	prev, next *resolverCacheItem
}

// NewMemoryResolverCache returns an in-memory LRU ResolverCache. capacity
// <= 0 means unbounded.
func NewMemoryResolverCache(capacity int) ResolverCache {
	head := new(resolverCacheItem)
	tail := new(resolverCacheItem)
	head.next = tail
	tail.prev = head
	return &memoryResolverCache{
		maxItems: capacity,
		items:    make(map[string]*resolverCacheItem),
		head:     head,
		tail:     tail,
	}
}

func (c *memoryResolverCache) Get(_ context.Context, host string) (net.IP, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item := c.touch(host)
	if item == nil {
		return nil, false
	}
	if time.Now().After(item.expiry) {
		c.removeLocked(item)
		return nil, false
	}
	return item.ip, true
}

func (c *memoryResolverCache) Put(_ context.Context, host string, ip net.IP, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item := c.touch(host); item != nil {
		item.ip = ip
		item.expiry = time.Now().Add(ttl)
		return
	}

	item := &resolverCacheItem{
		key:    host,
		ip:     ip,
		expiry: time.Now().Add(ttl),
		next:   c.head.next,
		prev:   c.head,
	}
	c.head.next.prev = item
	c.head.next = item
	c.items[host] = item
	c.resizeLocked()
}

// touch moves an existing entry to the front and returns it, or nil.
func (c *memoryResolverCache) touch(host string) *resolverCacheItem {
	item := c.items[host]
	if item == nil {
		return nil
	}
	item.prev.next = item.next
	item.next.prev = item.prev
	item.next = c.head.next
	item.prev = c.head
	c.head.next.prev = item
	c.head.next = item
	return item
}

func (c *memoryResolverCache) removeLocked(item *resolverCacheItem) {
	item.prev.next = item.next
	item.next.prev = item.prev
	delete(c.items, item.key)
}

func (c *memoryResolverCache) resizeLocked() {
	if c.maxItems <= 0 {
		return
	}
	for len(c.items) > c.maxItems {
		c.removeLocked(c.tail.prev)
	}
}
