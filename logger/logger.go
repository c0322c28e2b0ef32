package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/runbox/config"
)

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"

	serviceName = "runbox"
)

// NewFromConfig builds the service logger and tags every entry with the
// service name and the configured MCP transport.
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	return newLogger(cfg.Logging.Mode, cfg.Logging.Level, serviceFields(cfg))
}

func serviceFields(cfg *config.Config) zap.Option {
	return zap.Fields(zap.String("service", serviceName), zap.String("transport", cfg.Server.Transport))
}

// New creates a logger for the given mode and level. Output always goes to
// stderr because stdout carries the MCP stdio stream and CLI results.
func New(mode, level string) (*zap.Logger, error) {
	return newLogger(mode, level)
}

func newLogger(mode, level string, opts ...zap.Option) (*zap.Logger, error) {
	var cfg zap.Config

	switch mode {
	case ModeDevelopment:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case ModeProduction:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	default:
		return nil, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}

	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build(opts...)
}
