// Package logger builds the zap loggers used across the service.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the encoder profile and minimum level.
type Config struct {
	Environment string `mapstructure:"environment" yaml:"environment"`
	Level       string `mapstructure:"level" yaml:"level"`
}

// DefaultConfig returns a development console logger at info level.
func DefaultConfig() Config {
	return Config{Environment: "development", Level: "info"}
}

// New returns a production JSON logger when environment is "production" and a
// colored console logger otherwise. An unparseable level is ignored.
func New(cfg Config) (*zap.Logger, error) {
	var zc zap.Config
	if strings.EqualFold(cfg.Environment, "production") {
		zc = zap.NewProductionConfig()
		zc.DisableCaller = false
		zc.DisableStacktrace = false
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(cfg.Level)); err == nil {
			zc.Level.SetLevel(level)
		}
	}

	return zc.Build()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
