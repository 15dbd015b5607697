// Package logging builds the process logger: a zap core exposed through
// log/slog so the rest of the code only depends on *slog.Logger.
package logging

import (
	"fmt"
	"log/slog"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// New returns a logger writing to stderr at level ("debug", "info", "warn"
// or "error") in the given format ("json" or "console"), and a function
// that flushes buffered entries.
func New(level, format string) (*slog.Logger, func() error, error) {
	return build(level, format, zapcore.Lock(os.Stderr))
}

func build(level, format string, out zapcore.WriteSyncer) (*slog.Logger, func() error, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}

	var enc zapcore.Encoder
	switch format {
	case "json":
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	case "console":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	default:
		return nil, nil, fmt.Errorf("log format %q, must be json or console", format)
	}

	core := zapcore.NewCore(enc, out, zap.NewAtomicLevelAt(lvl))
	return slog.New(zapslog.NewHandler(core)), core.Sync, nil
}
