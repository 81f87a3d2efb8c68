// Package ha provides high-availability primitives for running the signing
// server with multiple replicas: migration locking and database lease
// leader election for singleton loops such as the expiry sweeper.
package ha

import (
	"os"
	"time"
)

// Config holds configuration for high-availability features.
type Config struct {
	// LeaderElectionEnabled controls whether the lease-based leader
	// election is active. When false, the instance behaves as the sole
	// leader (suitable for single-replica deployments).
	LeaderElectionEnabled bool `mapstructure:"leader_election_enabled" yaml:"leader_election_enabled"`

	// LeaseName is the name of the lease row contended for.
	LeaseName string `mapstructure:"lease_name" yaml:"lease_name"`

	// LeaseDuration is how long a lease stays valid without renewal.
	LeaseDuration time.Duration `mapstructure:"lease_duration" yaml:"lease_duration"`

	// RetryPeriod is the interval between acquire or renew attempts.
	RetryPeriod time.Duration `mapstructure:"retry_period" yaml:"retry_period"`

	// MigrationLockEnabled controls whether database migration locking
	// is used to prevent concurrent schema changes.
	MigrationLockEnabled bool `mapstructure:"migration_lock_enabled" yaml:"migration_lock_enabled"`

	// Identity is the unique identity of this instance. Defaults to the
	// hostname.
	Identity string `mapstructure:"identity" yaml:"identity"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LeaderElectionEnabled: false,
		LeaseName:             "esign-sweeper",
		LeaseDuration:         15 * time.Second,
		RetryPeriod:           2 * time.Second,
		MigrationLockEnabled:  true,
		Identity:              defaultIdentity(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LeaseName == "" {
		c.LeaseName = d.LeaseName
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = d.LeaseDuration
	}
	if c.RetryPeriod <= 0 {
		c.RetryPeriod = d.RetryPeriod
	}
	if c.Identity == "" {
		c.Identity = d.Identity
	}
	return c
}

func defaultIdentity() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
