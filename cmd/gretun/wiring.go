package main

import (
	"os"

	"github.com/redis/go-redis/v9"

	gretun "github.com/relaygrid/gretun"
)

// buildResolverCache selects the ND5 cache backend from the policy file:
// "memory" (default) for the standalone LRU tier, "tiered" to also layer a
// shared Redis tier in front of it.
func buildResolverCache(pol config) gretun.ResolverCache {
	capacity := pol.Cache.Capacity
	if capacity <= 0 {
		capacity = 10000
	}
	memory := gretun.NewMemoryResolverCache(capacity)
	if pol.Cache.Backend != "tiered" {
		return memory
	}

	shared := gretun.NewRedisResolverCache(gretun.RedisResolverCacheOptions{
		RedisOptions: redis.Options{
			Addr:     pol.Cache.Redis.Address,
			Password: pol.Cache.Redis.Password,
			DB:       pol.Cache.Redis.DB,
		},
		KeyPrefix: pol.Cache.Redis.KeyPrefix,
	})
	return gretun.NewTieredResolverCache(memory, shared)
}

// controlURL picks the control-session address: an explicit
// RG_SERVER_ADDR override first, then the per-environment URL from the
// policy file (SPEC_FULL.md §6).
func controlURL(env string, pol config) string {
	if v := os.Getenv("RG_SERVER_ADDR"); v != "" {
		return v
	}
	return pol.ControlURLs[env]
}

// descriptorToIPInfo turns the parsed descriptor into the ServerIpInfo
// payload ControlSession sends on connect.
func descriptorToIPInfo(d *descriptor) gretun.ServerIpInfo {
	portStart := uint32(d.PortStart)
	portEnd := uint32(d.PortEnd)
	offset := uint32(d.Offset)
	info := gretun.ServerIpInfo{
		LocalIP:   d.LocalIP,
		IPRange:   d.IPRanges,
		PortStart: portStart,
		PortEnd:   &portEnd,
		Offset:    &offset,
		ExtraIPs:  d.ExtraIPs,
	}
	if d.ServerStart != "" {
		info.ServerStart = &d.ServerStart
	}
	if d.ServerEnd != "" {
		info.ServerEnd = &d.ServerEnd
	}
	return info
}
