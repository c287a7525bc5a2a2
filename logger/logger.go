// Package logger builds the process zap logger and the audit streamer.
package logger

import (
	"fmt"

	"leviathan/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	return New(cfg.Environment, cfg.Logging.Level)
}

// New creates a logger for the environment, "development" or "production".
func New(environment, level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch environment {
	case "development":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("invalid environment: %s, must be 'production' or 'development'", environment)
	}

	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	return cfg.Build()
}
