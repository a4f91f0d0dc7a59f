// Package observability owns the process-wide CLI logger.
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

var (
	// CLILogger is the logger used by commands and the server. It is a no-op
	// until InitCLILogger runs so packages can log unconditionally.
	CLILogger = zap.NewNop()

	level    = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	loggerMu sync.Mutex
)

// InitCLILogger builds CLILogger for the given level and profile. Unknown
// levels fall back to info; an empty profile means structured.
func InitCLILogger(levelName, profile string) {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	lvl, err := ParseLevel(levelName)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	CLILogger = zap.New(newCore(profile, os.Stderr), zap.AddCaller())
}

func newCore(profile string, w zapcore.WriteSyncer) zapcore.Core {
	var enc zapcore.Encoder
	switch strings.ToLower(profile) {
	case ProfileConsole:
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	default:
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "timestamp"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	}
	return zapcore.NewCore(enc, zapcore.Lock(w), level)
}

// SetLevel changes the level of CLILogger in place.
func SetLevel(levelName string) error {
	lvl, err := ParseLevel(levelName)
	if err != nil {
		return err
	}
	level.SetLevel(lvl)
	return nil
}

// Level reports the current level.
func Level() zapcore.Level {
	return level.Level()
}

// ParseLevel accepts zap level names plus "warning" and "trace".
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace", "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", name)
	}
}

// Sync flushes CLILogger. Errors from syncing a terminal are ignored.
func Sync() {
	_ = CLILogger.Sync()
}
