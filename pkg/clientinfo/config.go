// Package clientinfo resolves who is on the other end of a public signing
// request: the client IP recorded with each signature and used as the
// throttling key, and the user agent.
package clientinfo

// Mode controls how the client IP is resolved.
type Mode string

const (
	// ModeDirect uses the connection's remote address.
	ModeDirect Mode = "direct"
	// ModeProxy trusts X-Forwarded-For / X-Real-IP set by known proxies.
	ModeProxy Mode = "proxy"
)

// Config configures client resolution.
type Config struct {
	Mode Mode `mapstructure:"mode" yaml:"mode"`
	// TrustedProxies lists the CIDRs (or bare IPs) whose forwarding headers
	// are believed in ModeProxy.
	TrustedProxies []string `mapstructure:"trusted_proxies" yaml:"trusted_proxies"`
}

// DefaultConfig trusts nothing but the socket.
func DefaultConfig() Config {
	return Config{Mode: ModeDirect}
}
