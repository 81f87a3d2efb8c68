package session

import "time"

// Config controls signing session lifetimes.
type Config struct {
	// TTL is the idle window granted at mint and on each extension.
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
	// MaxLifetime caps how far extensions can push a session from its creation.
	MaxLifetime time.Duration `mapstructure:"max_lifetime" yaml:"max_lifetime"`
	// CacheTTL bounds how long a validated session is served from memory.
	// Revocation only clears the local cache, so another replica may keep
	// serving a revoked session for up to this long. Capped at MaxCacheTTL.
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// MaxCacheTTL is the longest a replica serves a session from memory.
const MaxCacheTTL = time.Minute

// DefaultConfig returns 30 minute sessions capped at four hours.
func DefaultConfig() Config {
	return Config{
		TTL:         30 * time.Minute,
		MaxLifetime: 4 * time.Hour,
		CacheTTL:    30 * time.Second,
	}
}
