package audit

// Config controls audit behaviour outside the signing services.
type Config struct {
	// LogDenied records admin requests refused for insufficient role
	// against the targeted document.
	LogDenied bool `mapstructure:"log_denied" yaml:"log_denied"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{LogDenied: true}
}
