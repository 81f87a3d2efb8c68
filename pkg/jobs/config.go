package jobs

import (
	"time"
)

// Config controls job queue and worker behavior.
type Config struct {
	Concurrency   int           `mapstructure:"concurrency" yaml:"concurrency"`       // Max concurrent workers. Default 2.
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`       // Max attempts per job. Default 3.
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`   // How often workers poll for new jobs. Default 2s.
	ClaimTimeout  time.Duration `mapstructure:"claim_timeout" yaml:"claim_timeout"`   // Max time a job can be "running" before considered stuck. Default 5m.
	RetentionDays int           `mapstructure:"retention_days" yaml:"retention_days"` // How long to keep finished jobs. Default 14.
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`               // Whether workers run in this process. Default true.
}

// DefaultConfig returns the default job configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:   2,
		MaxRetries:    3,
		PollInterval:  2 * time.Second,
		ClaimTimeout:  5 * time.Minute,
		RetentionDays: 14,
		Enabled:       true,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	return c
}
