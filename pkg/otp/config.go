package otp

import (
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/lumenhouse/esign/pkg/notify"
)

// Config controls code generation, verification and request throttling.
type Config struct {
	CodeLength  int           `mapstructure:"code_length" yaml:"code_length"`
	TTL         time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BcryptCost  int           `mapstructure:"bcrypt_cost" yaml:"bcrypt_cost"`

	// RequestLimit codes may be requested per token within RequestWindow.
	RequestLimit  int           `mapstructure:"request_limit" yaml:"request_limit"`
	RequestWindow time.Duration `mapstructure:"request_window" yaml:"request_window"`

	Delivery notify.RetryPolicy `mapstructure:"delivery" yaml:"delivery"`
}

// DefaultConfig returns six digit codes valid for ten minutes with five
// attempts each.
func DefaultConfig() Config {
	return Config{
		CodeLength:    6,
		TTL:           10 * time.Minute,
		MaxAttempts:   5,
		BcryptCost:    bcrypt.DefaultCost,
		RequestLimit:  5,
		RequestWindow: 10 * time.Minute,
		Delivery:      notify.DefaultRetryPolicy(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CodeLength < 4 || c.CodeLength > 10 {
		c.CodeLength = def.CodeLength
	}
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		c.BcryptCost = def.BcryptCost
	}
	if c.RequestLimit <= 0 {
		c.RequestLimit = def.RequestLimit
	}
	if c.RequestWindow <= 0 {
		c.RequestWindow = def.RequestWindow
	}
	if c.Delivery.Attempts <= 0 {
		c.Delivery = def.Delivery
	}
	return c
}
