package loginguard

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// clientIPResolver derives the client address of a proxied login. Forwarding
// headers are honoured only when the direct peer is a trusted proxy.
type clientIPResolver struct {
	trusted []netip.Prefix
}

// newClientIPResolver parses a list of CIDRs or bare addresses.
func newClientIPResolver(trustedProxies []string) (*clientIPResolver, error) {
	r := &clientIPResolver{}
	for _, raw := range trustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(raw); err == nil {
			r.trusted = append(r.trusted, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", raw)
		}
		addr = addr.Unmap()
		r.trusted = append(r.trusted, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return r, nil
}

// resolve returns the client IP for r in canonical form. It reports false when
// not even the peer address is a valid IP.
func (c *clientIPResolver) resolve(r *http.Request) (string, bool) {
	peer, ok := peerAddr(r.RemoteAddr)
	if !ok {
		return "", false
	}
	if !c.isTrusted(peer) {
		return peer.String(), true
	}

	if addr, ok := parseIP(r.Header.Get("True-Client-Ip")); ok {
		return addr.String(), true
	}

	// Walk from the right: each hop was appended by the proxy in front of it,
	// so the first untrusted one is the client as seen by our own edge.
	if hops := forwardedHops(r.Header.Values("X-Forwarded-For")); len(hops) > 0 {
		var last netip.Addr
		valid := true
		for i := len(hops) - 1; i >= 0; i-- {
			addr, ok := parseIP(hops[i])
			if !ok {
				valid = false
				break
			}
			if !c.isTrusted(addr) {
				return addr.String(), true
			}
			last = addr
		}
		if valid {
			return last.String(), true
		}
	}

	if addr, ok := parseIP(r.Header.Get("X-Real-Ip")); ok {
		return addr.String(), true
	}

	return peer.String(), true
}

func (c *clientIPResolver) isTrusted(addr netip.Addr) bool {
	for _, prefix := range c.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func peerAddr(remoteAddr string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return parseIP(host)
}

func parseIP(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}

func forwardedHops(values []string) []string {
	var hops []string
	for _, v := range values {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	return hops
}
