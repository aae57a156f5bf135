package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// HeaderXForwardedFor is the proxy chain header consulted for trusted peers.
const HeaderXForwardedFor = "X-Forwarded-For"

// unknownClient keys requests whose peer address cannot be parsed.
const unknownClient = "unknown"

// KeyFunc derives the rate-limit key from a request.
type KeyFunc func(r *http.Request) string

// ClientKeyFunc identifies callers by network address. Without trusted
// proxies the key is the host part of RemoteAddr. When the direct peer is
// inside a trusted CIDR, the right-most untrusted X-Forwarded-For hop is
// used instead.
type ClientKeyFunc struct {
	trusted []*net.IPNet
}

// NewClientKeyFunc parses trustedProxies as CIDRs or single addresses.
func NewClientKeyFunc(trustedProxies []string) (*ClientKeyFunc, error) {
	cidrs := make([]*net.IPNet, 0, len(trustedProxies))
	for _, proxy := range trustedProxies {
		proxy = strings.TrimSpace(proxy)
		_, cidr, err := net.ParseCIDR(proxy)
		if err != nil {
			ip := net.ParseIP(proxy)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", proxy)
			}
			cidr = singleIPToCIDR(ip)
		}
		cidrs = append(cidrs, cidr)
	}
	return &ClientKeyFunc{trusted: cidrs}, nil
}

// singleIPToCIDR converts a single IP address to a /32 or /128 CIDR.
func singleIPToCIDR(ip net.IP) *net.IPNet {
	bits := 32
	if ip.To4() == nil {
		bits = 128 //nolint:mnd // IPv6 prefix length
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
}

// Key returns the client key for r.
func (k *ClientKeyFunc) Key(r *http.Request) string {
	remote := stripPort(r.RemoteAddr)
	if remote == "" {
		return unknownClient
	}

	if len(k.trusted) == 0 || !k.isTrusted(remote) {
		return remote
	}

	return k.fromForwardedFor(r, remote)
}

// fromForwardedFor walks X-Forwarded-For right to left and returns the
// first hop outside the trusted set. Hops left of it were supplied by the
// caller and are ignored. An unparseable hop or a fully trusted chain
// yields fallback.
func (k *ClientKeyFunc) fromForwardedFor(r *http.Request, fallback string) string {
	hops := strings.Split(strings.Join(r.Header.Values(HeaderXForwardedFor), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if net.ParseIP(hop) == nil {
			return fallback
		}
		if !k.isTrusted(hop) {
			return hop
		}
	}
	return fallback
}

// Func adapts Key to a KeyFunc.
func (k *ClientKeyFunc) Func() KeyFunc {
	return k.Key
}

func (k *ClientKeyFunc) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range k.trusted {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// stripPort removes the port from an address string.
// Handles both IPv4 ("192.168.1.1:8080") and IPv6 ("[::1]:8080") formats.
func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.TrimSpace(addr)
	}
	return host
}
