// Package limit provides per-client admission control for the proxy.
package limit

import (
	"net"
	"net/netip"
)

type RateLimiter interface {
	Allow(ip string) bool
	Close() error
}

// ClientIP extracts the client address from a connection's remote address.
// The proxy is dialed directly by local applications, so forwarding headers
// are not trusted.
func ClientIP(remoteAddr string) string {
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().Unmap().String()
	}
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return ip
}
