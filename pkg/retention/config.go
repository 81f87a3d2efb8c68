// Package retention periodically deletes spent signing credentials: magic
// link tokens, OTP challenges and sessions long past their expiry. Documents,
// signatures and audit entries are never purged.
package retention

import "time"

// Config controls the retention worker.
type Config struct {
	// Days is how long expired credentials are kept. Zero disables purging.
	Days     int           `mapstructure:"days" yaml:"days"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// DefaultConfig keeps expired credentials for 30 days and runs daily.
func DefaultConfig() Config {
	return Config{Days: 30, Interval: 24 * time.Hour}
}
