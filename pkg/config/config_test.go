package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenhouse/esign/pkg/authz"
	"github.com/lumenhouse/esign/pkg/clientinfo"
	"github.com/lumenhouse/esign/pkg/render"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "esign.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ESIGN_AUTHZ_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)

	want := Default()
	assert.Equal(t, want.Server, cfg.Server)
	assert.Equal(t, want.OTP, cfg.OTP)
	assert.Equal(t, want.Session, cfg.Session)
	assert.Equal(t, want.Token, cfg.Token)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, authz.AuthzModeJWT, cfg.Authz.Mode)
	assert.Equal(t, "s3cret", cfg.Authz.Secret)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: ":9090"
  allowed_origins: ["https://studio.example.com"]
database:
  type: postgres
  dsn: "host=db user=esign"
authz:
  mode: none
otp:
  max_attempts: 3
  ttl: 5m
render:
  missing_policy: error
client:
  mode: proxy
  trusted_proxies: ["10.0.0.0/8"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, []string{"https://studio.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, authz.AuthzModeNone, cfg.Authz.Mode)
	assert.Equal(t, 3, cfg.OTP.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.OTP.TTL)
	assert.Equal(t, render.MissingError, cfg.Render.MissingPolicy)
	assert.Equal(t, clientinfo.ModeProxy, cfg.Client.Mode)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Client.TrustedProxies)

	// Keys the file leaves out keep their defaults.
	assert.Equal(t, Default().OTP.CodeLength, cfg.OTP.CodeLength)
	assert.Equal(t, Default().Session.TTL, cfg.Session.TTL)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
authz:
  mode: none
session:
  ttl: 20m
`)
	t.Setenv("ESIGN_SESSION_TTL", "45m")
	t.Setenv("ESIGN_SIGNING_PUBLIC_URL", "https://sign.lumenhouse.example")
	t.Setenv("ESIGN_SERVER_PUBLIC_RATE_LIMIT", "10")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Minute, cfg.Session.TTL)
	assert.Equal(t, "https://sign.lumenhouse.example", cfg.Signing.PublicURL)
	assert.Equal(t, 10, cfg.Server.PublicRateLimit)
}

func TestLoadExampleConfig(t *testing.T) {
	t.Setenv("ESIGN_AUTHZ_SECRET", "s3cret")

	cfg, err := Load(filepath.Join("..", "..", "config", "esign.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Signing.SweepInterval)
	assert.Equal(t, []string{"https://sign.lumenhouse.example"}, cfg.Server.AllowedOrigins)

	lib, err := render.LoadTemplates(filepath.Join("..", "..", cfg.Render.TemplatesPath))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"portrait", "wedding"}, lib.IDs())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "jwt without key",
			mutate:  func(c *Config) {},
			wantErr: "authz.secret",
		},
		{
			name: "unknown database",
			mutate: func(c *Config) {
				c.Authz.Mode = authz.AuthzModeNone
				c.Database.Type = "oracle"
			},
			wantErr: "database.type",
		},
		{
			name: "unknown missing policy",
			mutate: func(c *Config) {
				c.Authz.Mode = authz.AuthzModeNone
				c.Render.MissingPolicy = "blank"
			},
			wantErr: "render.missing_policy",
		},
		{
			name: "valid",
			mutate: func(c *Config) {
				c.Authz.Secret = "s3cret"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
