package edge

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Resolver performs exit-side hostname resolution ahead of connecting to a
// stream's destination. It supersedes the old client-side "ask a relay to
// resolve this for me" path: this engine only needs to resolve locally,
// since it plays the exit role itself.
type Resolver struct {
	resolver *net.Resolver
	timeout  time.Duration
}

// NewResolver builds a Resolver using the system's default net.Resolver.
func NewResolver(timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Resolver{resolver: net.DefaultResolver, timeout: timeout}
}

// Resolve looks up host's addresses, returning the first one found. If host
// is already a literal IP address, it is returned unchanged with no lookup.
func (r *Resolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	addrs, err := r.resolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(addrs) == 0 {
		addrs, err = r.resolver.LookupIP(ctx, "ip", host)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses found", host)
	}
	return addrs[0], nil
}
