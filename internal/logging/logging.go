// Package logging builds the single zap.Logger every component in
// this module receives, configured once at the composition root.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the root logger.
type Options struct {
	// Level is one of "debug", "info", "warn", "error"; unrecognized
	// values fall back to "info".
	Level string
	// JSON selects a JSON encoder over the human-readable console
	// encoder. Production deployments want JSON; local runs don't.
	JSON bool
}

func toZapLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a logger writing to stdout. The capture path never
// touches a log file directly — that's pkg/writer's job for captures
// specifically; this logger is for operational messages only.
func New(opt Options) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if opt.JSON {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), toZapLevel(opt.Level))
	return zap.New(core, zap.AddCaller())
}
