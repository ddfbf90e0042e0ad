package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger: json uses the production encoder,
// console the development one
func (l LoggingConfig) NewLogger() (*zap.Logger, error) {
	var zc zap.Config
	switch l.Format {
	case "", "json":
		zc = zap.NewProductionConfig()
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", l.Format)
	}

	level := zapcore.InfoLevel
	if l.Level != "" {
		if err := level.Set(l.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", l.Level, err)
		}
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
