package token

import "time"

// Config controls magic-link token issuance.
type Config struct {
	// TTL is the validity window of a freshly issued token.
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// DefaultConfig returns a seven day validity window.
func DefaultConfig() Config {
	return Config{TTL: 7 * 24 * time.Hour}
}
