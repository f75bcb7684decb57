package observability

import (
	"strings"

	"go.uber.org/zap"
)

// NewZapLogger creates the stream daemon's logger. Debug selects the
// development configuration; every other level uses the production one.
func NewZapLogger(config LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config

	switch strings.ToLower(config.Level) {
	case "debug":
		zc = zap.NewDevelopmentConfig()
	default:
		zc = zap.NewProductionConfig()
		zc.Level = parseZapLevel(config.Level)
	}

	if strings.ToLower(config.Format) == "text" {
		zc.Encoding = "console"
	}
	if strings.ToLower(config.Output) == "stdout" {
		zc.OutputPaths = []string{"stdout"}
	}

	return zc.Build()
}

func parseZapLevel(level string) zap.AtomicLevel {
	switch strings.ToLower(level) {
	case "debug":
		return zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn", "warning":
		return zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
}
