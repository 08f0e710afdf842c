// Package logging provides zap logger helpers.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config toggles zap development features and the minimum level.
type Config struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// New builds a zap.Logger configured for development or production.
func New(cfg Config) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level, cfg.Development)
	if err != nil {
		return nil, err
	}
	if cfg.Development {
		zc := zap.NewDevelopmentConfig()
		zc.Level = zap.NewAtomicLevelAt(level)
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := zc.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = false
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

func parseLevel(raw string, development bool) (zapcore.Level, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if development {
			return zapcore.DebugLevel, nil
		}
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(raw)
	if err != nil {
		return level, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}
