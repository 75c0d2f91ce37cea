package capture

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"strings"

	apperrors "github.com/Proton-105/pagecapture/internal/errors"
)

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// Guard rejects destinations the browser must never be pointed at: non-web
// schemes and hosts on loopback, private, link-local or otherwise
// non-routable networks.
//
// The check runs before navigation; a host that re-resolves to a private
// address afterwards is not caught here.
type Guard struct {
	resolver     Resolver
	allowPrivate bool
}

func NewGuard(resolver Resolver, allowPrivate bool) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Guard{resolver: resolver, allowPrivate: allowPrivate}
}

// Check parses raw and verifies the destination.
func (g *Guard) Check(ctx context.Context, raw string) (*url.URL, error) {
	u, err := parseTarget(raw)
	if err != nil {
		return nil, err
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, apperrors.NewUnsafeDestinationError(u.Hostname()).
			WithField("scheme", scheme)
	}

	if g.allowPrivate {
		return u, nil
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return nil, apperrors.NewUnsafeDestinationError(host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if blocked(addr) {
			return nil, apperrors.NewUnsafeDestinationError(host)
		}
		return u, nil
	}

	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return nil, apperrors.NewInvalidURLError("host does not resolve").WithField("host", host)
	}
	for _, ip := range addrs {
		addr, ok := netip.AddrFromSlice(ip.IP)
		if !ok || blocked(addr) {
			return nil, apperrors.NewUnsafeDestinationError(host)
		}
	}

	return u, nil
}

func blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() ||
		cgnat.Contains(addr)
}
