package cache

import "time"

// CacheConfig holds configuration for the caching layer.
type CacheConfig struct {
	// Enabled controls whether caching is active. When false the signing
	// service renders every view and API responses pass through uncached.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ViewTTL bounds how long a rendered document view is reused. Views are
	// keyed by document version, so the TTL only limits memory.
	ViewTTL time.Duration `mapstructure:"view_ttl" yaml:"view_ttl"`

	// TemplatesTTL is the TTL of cached template listings.
	TemplatesTTL time.Duration `mapstructure:"templates_ttl" yaml:"templates_ttl"`

	// MaxSize is the maximum number of entries per cache instance.
	MaxSize int `mapstructure:"max_size" yaml:"max_size"`
}

// DefaultCacheConfig returns a CacheConfig with sensible defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		Enabled:      true,
		ViewTTL:      5 * time.Minute,
		TemplatesTTL: 60 * time.Second,
		MaxSize:      1000,
	}
}
