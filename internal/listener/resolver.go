package listener

import (
	"context"
	"net"
	"strings"
)

// DNSResolver implements users.Resolver with the standard reverse-DNS
// resolver, trimming the trailing dot net.Resolver leaves on PTR
// records (spec.md §4.1 FIND_ENTRY_RDNS).
type DNSResolver struct {
	resolver *net.Resolver
}

// NewDNSResolver returns a Resolver using the system's default resolver.
func NewDNSResolver() *DNSResolver {
	return &DNSResolver{resolver: net.DefaultResolver}
}

func (d *DNSResolver) LookupHost(ctx context.Context, addr string) (string, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	names, err := d.resolver.LookupAddr(ctx, host)
	if err != nil || len(names) == 0 {
		return "", err
	}
	return strings.TrimSuffix(names[0], "."), nil
}
