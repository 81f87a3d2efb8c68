package clientinfo

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// maxUserAgentLen caps what is stored with a signature.
const maxUserAgentLen = 512

// Resolver resolves the Client of an HTTP request.
type Resolver interface {
	Resolve(r *http.Request) Client
}

// DirectResolver trusts only the socket's remote address.
type DirectResolver struct{}

// Resolve returns the remote address host and the user agent.
func (DirectResolver) Resolve(r *http.Request) Client {
	return Client{IP: remoteIP(r), UserAgent: userAgent(r)}
}

// ProxyResolver believes forwarding headers only when the connection comes
// from a trusted proxy. X-Forwarded-For is walked right to left, skipping
// trusted hops, so a client cannot spoof its address by prepending entries.
type ProxyResolver struct {
	trusted []netip.Prefix
}

// NewProxyResolver parses the trusted proxy list.
func NewProxyResolver(trusted []string) (*ProxyResolver, error) {
	p := &ProxyResolver{}
	for _, raw := range trusted {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			p.trusted = append(p.trusted, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		p.trusted = append(p.trusted, prefix.Masked())
	}
	return p, nil
}

// Resolve returns the first untrusted address in the forwarding chain.
func (p *ProxyResolver) Resolve(r *http.Request) Client {
	c := Client{IP: remoteIP(r), UserAgent: userAgent(r)}
	if !p.isTrusted(c.IP) {
		return c
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if _, err := netip.ParseAddr(hop); err != nil {
				break
			}
			c.IP = hop
			if !p.isTrusted(hop) {
				break
			}
		}
		return c
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if _, err := netip.ParseAddr(xri); err == nil {
			c.IP = xri
		}
	}
	return c
}

func (p *ProxyResolver) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range p.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func userAgent(r *http.Request) string {
	ua := r.UserAgent()
	if len(ua) > maxUserAgentLen {
		ua = ua[:maxUserAgentLen]
	}
	return ua
}
