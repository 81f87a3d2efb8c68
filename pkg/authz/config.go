package authz

import "time"

// AuthzMode selects how admin requests are authenticated.
type AuthzMode string

const (
	// AuthzModeNone trusts every caller as an anonymous admin. Development only.
	AuthzModeNone AuthzMode = "none"
	// AuthzModeJWT requires a verified bearer token.
	AuthzModeJWT AuthzMode = "jwt"
)

// Config configures admin authentication.
type Config struct {
	Mode AuthzMode `mapstructure:"mode" yaml:"mode"`

	// Secret verifies HS256 tokens. Ignored when PublicKeyPath is set.
	Secret string `mapstructure:"secret" yaml:"secret"`
	// PublicKeyPath is a PEM-encoded RSA public key for RS256 tokens.
	PublicKeyPath string `mapstructure:"public_key_path" yaml:"public_key_path"`

	Issuer   string `mapstructure:"issuer" yaml:"issuer"`
	Audience string `mapstructure:"audience" yaml:"audience"`

	// RoleClaim is the claim holding the caller's roles. Dot-notation
	// reaches nested claims (e.g. "realm_access.roles").
	RoleClaim string `mapstructure:"role_claim" yaml:"role_claim"`

	// CacheTTL bounds how long an authorization decision is reused.
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// DefaultConfig returns the defaults: JWT mode with a "roles" claim.
func DefaultConfig() Config {
	return Config{
		Mode:      AuthzModeJWT,
		RoleClaim: "roles",
		CacheTTL:  DefaultCacheTTL,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.RoleClaim == "" {
		c.RoleClaim = d.RoleClaim
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	return c
}
