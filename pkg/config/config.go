// Package config loads the server configuration: built-in defaults, an
// optional YAML file, then ESIGN_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/lumenhouse/esign/pkg/artifact"
	"github.com/lumenhouse/esign/pkg/audit"
	"github.com/lumenhouse/esign/pkg/authz"
	"github.com/lumenhouse/esign/pkg/cache"
	"github.com/lumenhouse/esign/pkg/clientinfo"
	"github.com/lumenhouse/esign/pkg/ha"
	"github.com/lumenhouse/esign/pkg/jobs"
	"github.com/lumenhouse/esign/pkg/logger"
	"github.com/lumenhouse/esign/pkg/notify"
	"github.com/lumenhouse/esign/pkg/otp"
	"github.com/lumenhouse/esign/pkg/render"
	"github.com/lumenhouse/esign/pkg/retention"
	"github.com/lumenhouse/esign/pkg/session"
	"github.com/lumenhouse/esign/pkg/signing"
	"github.com/lumenhouse/esign/pkg/token"
)

// EnvPrefix prefixes every environment override, e.g. ESIGN_OTP_MAX_ATTEMPTS.
const EnvPrefix = "ESIGN"

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen" yaml:"listen"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// PublicRateLimit caps public signing requests per client IP per
	// PublicRateWindow.
	PublicRateLimit  int           `mapstructure:"public_rate_limit" yaml:"public_rate_limit"`
	PublicRateWindow time.Duration `mapstructure:"public_rate_window" yaml:"public_rate_window"`
	// AllowedOrigins are the browser origins allowed to call the public API.
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// DatabaseConfig selects the database.
type DatabaseConfig struct {
	Type         string `mapstructure:"type" yaml:"type"` // sqlite, postgres or mysql
	DSN          string `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
}

// TracingConfig enables OTLP/HTTP trace export. An empty endpoint keeps
// tracing local.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
}

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig       `mapstructure:"server" yaml:"server"`
	Database  DatabaseConfig     `mapstructure:"database" yaml:"database"`
	Logging   logger.Config      `mapstructure:"logging" yaml:"logging"`
	Tracing   TracingConfig      `mapstructure:"tracing" yaml:"tracing"`
	Signing   signing.Config     `mapstructure:"signing" yaml:"signing"`
	Token     token.Config       `mapstructure:"token" yaml:"token"`
	OTP       otp.Config         `mapstructure:"otp" yaml:"otp"`
	Session   session.Config     `mapstructure:"session" yaml:"session"`
	Render    render.Config      `mapstructure:"render" yaml:"render"`
	Artifacts artifact.Config    `mapstructure:"artifacts" yaml:"artifacts"`
	Delivery  notify.RetryPolicy `mapstructure:"delivery" yaml:"delivery"`
	Jobs      jobs.Config        `mapstructure:"jobs" yaml:"jobs"`
	Cache     cache.CacheConfig  `mapstructure:"cache" yaml:"cache"`
	Authz     authz.Config       `mapstructure:"authz" yaml:"authz"`
	HA        ha.Config          `mapstructure:"ha" yaml:"ha"`
	Client    clientinfo.Config  `mapstructure:"client" yaml:"client"`
	Retention retention.Config   `mapstructure:"retention" yaml:"retention"`
	Audit     audit.Config       `mapstructure:"audit" yaml:"audit"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:           ":8080",
			RequestTimeout:   30 * time.Second,
			ShutdownTimeout:  30 * time.Second,
			PublicRateLimit:  120,
			PublicRateWindow: time.Minute,
		},
		Database:  DatabaseConfig{Type: "sqlite", DSN: "data/esign.db", MaxOpenConns: 10},
		Logging:   logger.DefaultConfig(),
		Tracing:   TracingConfig{ServiceName: "esign-server", SampleRatio: 1},
		Signing:   signing.DefaultConfig(),
		Token:     token.DefaultConfig(),
		OTP:       otp.DefaultConfig(),
		Session:   session.DefaultConfig(),
		Render:    render.DefaultConfig(),
		Artifacts: artifact.DefaultConfig(),
		Delivery:  notify.DefaultRetryPolicy(),
		Jobs:      jobs.DefaultConfig(),
		Cache:     *cache.DefaultCacheConfig(),
		Authz:     authz.DefaultConfig(),
		HA:        ha.DefaultConfig(),
		Client:    clientinfo.DefaultConfig(),
		Retention: retention.DefaultConfig(),
		Audit:     audit.DefaultConfig(),
	}
}

// Load reads the configuration. path may be empty to use defaults and the
// environment only. Durations accept Go syntax ("15m"), lists accept
// comma-separated values in the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Seeding viper with the defaults as YAML makes every key known, which
	// is what lets AutomaticEnv override keys the file does not mention.
	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Type {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Errorf("database.type %q: expected sqlite, postgres or mysql", c.Database.Type))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Signing.PublicURL == "" {
		errs = append(errs, errors.New("signing.public_url is required"))
	}
	switch c.Authz.Mode {
	case authz.AuthzModeNone:
	case authz.AuthzModeJWT:
		if c.Authz.Secret == "" && c.Authz.PublicKeyPath == "" {
			errs = append(errs, errors.New("authz: jwt mode needs authz.secret or authz.public_key_path"))
		}
	default:
		errs = append(errs, fmt.Errorf("authz.mode %q: expected none or jwt", c.Authz.Mode))
	}
	switch c.Render.MissingPolicy {
	case render.MissingMarker, render.MissingError:
	default:
		errs = append(errs, fmt.Errorf("render.missing_policy %q: expected marker or error", c.Render.MissingPolicy))
	}
	if c.Server.PublicRateLimit < 0 {
		errs = append(errs, errors.New("server.public_rate_limit must not be negative"))
	}
	return errors.Join(errs...)
}
