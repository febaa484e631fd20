package gretun

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"
)

// ResolverCache is the pluggable lookup-result cache ND5 adds in front of
// the system resolver. Get/Put operate on a cache key built from host
// alone (port is applied after lookup, not part of the cached identity).
type ResolverCache interface {
	Get(ctx context.Context, host string) (ip net.IP, ok bool)
	Put(ctx context.Context, host string, ip net.IP, ttl time.Duration)
}

// Resolver turns a destination host into a connectable *net.TCPAddr,
// wrapping net.DefaultResolver the way the teacher's net-resolver.go wraps
// a custom Resolver as a net.Resolver, only inverted: here the system
// resolver is the thing being adapted to our interface, not the other way
// round (SPEC_FULL.md §4.5).
type Resolver struct {
	resolver *net.Resolver
	cache    ResolverCache
	ttl      time.Duration
	timeout  time.Duration
}

// ResolverOptions configures a Resolver. TTL defaults to 60s, Timeout to
// 5s, when left zero.
type ResolverOptions struct {
	Cache   ResolverCache
	TTL     time.Duration
	Timeout time.Duration
}

func NewResolver(opt ResolverOptions) *Resolver {
	ttl := opt.TTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{
		resolver: net.DefaultResolver,
		cache:    opt.Cache,
		ttl:      ttl,
		timeout:  timeout,
	}
}

// Resolve looks up host (cache first, then system resolver) and returns a
// *net.TCPAddr for port. Host may already be a dotted IP, in which case no
// lookup is performed.
func (r *Resolver) Resolve(ctx context.Context, host string, port int) (*net.TCPAddr, error) {
	if ip := net.ParseIP(host); ip != nil {
		return &net.TCPAddr{IP: ip, Port: port}, nil
	}

	if r.cache != nil {
		if ip, ok := r.cache.Get(ctx, host); ok {
			return &net.TCPAddr{IP: ip, Port: port}, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ips, err := r.resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewError(ResolveDnsFailed, "timed out resolving %q", host)
		}
		return nil, WrapError(ResolveDnsFailed, err, "system lookup failed for "+host)
	}
	if len(ips) == 0 {
		return nil, NewError(ResolveDnsFailed, "no addresses for %q", host)
	}

	ip := ips[0]
	if r.cache != nil {
		r.cache.Put(ctx, host, ip, r.ttl)
	}
	return &net.TCPAddr{IP: ip, Port: port}, nil
}

// ResolveAddr splits a "host:port" string and resolves it in one call.
func (r *Resolver) ResolveAddr(ctx context.Context, hostport string) (*net.TCPAddr, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, NewError(InvalidRequest, "bad host:port %q", hostport)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, NewError(InvalidRequest, "bad port in %q", hostport)
	}
	return r.Resolve(ctx, host, port)
}
