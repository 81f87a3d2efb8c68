package signing

import (
	"strings"
	"time"
)

// Config holds signing service configuration.
type Config struct {
	// PublicURL is the externally reachable base of the signing page. Magic
	// links are PublicURL + "/sign/" + token.
	PublicURL string `mapstructure:"public_url" yaml:"public_url"`
	// SweepInterval is how often the expiry sweeper runs. Zero disables it;
	// expiry is still applied whenever a document is loaded.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	// SweepBatch caps how many documents one sweep inspects.
	SweepBatch int `mapstructure:"sweep_batch" yaml:"sweep_batch"`
	// DefaultDeadline is applied to documents created without a deadline.
	// Zero means no deadline.
	DefaultDeadline time.Duration `mapstructure:"default_deadline" yaml:"default_deadline"`
}

// DefaultConfig returns the default signing configuration.
func DefaultConfig() Config {
	return Config{
		PublicURL:     "http://localhost:8080",
		SweepInterval: 5 * time.Minute,
		SweepBatch:    100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PublicURL == "" {
		c.PublicURL = d.PublicURL
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	if c.SweepBatch <= 0 {
		c.SweepBatch = d.SweepBatch
	}
	return c
}

// SignURL returns the magic link for a token value.
func (c Config) SignURL(tokenValue string) string {
	return strings.TrimRight(c.PublicURL, "/") + "/sign/" + tokenValue
}
