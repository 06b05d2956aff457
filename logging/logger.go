package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a thin enum for user friendly level configuration decoupled from
// the backing logger.
type Level int

const (
	// LevelDebug is the debug logging level.
	LevelDebug Level = iota
	// LevelInfo is the informational logging level.
	LevelInfo
	// LevelWarn is the warning logging level.
	LevelWarn
	// LevelError is the error logging level.
	LevelError
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string ("debug", "info", "warn", "error") onto a
// Level, defaulting to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func zapLevel(l Level) zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger defines the minimal logging interface for TaskMesh. Args are
// alternating key/value pairs. Users can provide their own implementation or
// use the built-in zap adapter.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ZapAdapter wraps *zap.SugaredLogger to implement the Logger interface.
type ZapAdapter struct {
	sugar *zap.SugaredLogger
}

// NewZapAdapter creates a Logger from an existing *zap.Logger.
func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	return &ZapAdapter{sugar: logger.Sugar()}
}

// NewZapLogger builds a ready-to-use Logger at the given level. Format is
// "json" or "console"; anything else defaults to json.
func NewZapLogger(level Level, format string) *ZapAdapter {
	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(level))
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return &ZapAdapter{sugar: logger.Sugar()}
}

// Debug logs a debug message.
func (z *ZapAdapter) Debug(msg string, args ...any) { z.sugar.Debugw(msg, args...) }

// Info logs an informational message.
func (z *ZapAdapter) Info(msg string, args ...any) { z.sugar.Infow(msg, args...) }

// Warn logs a warning message.
func (z *ZapAdapter) Warn(msg string, args ...any) { z.sugar.Warnw(msg, args...) }

// Error logs an error message.
func (z *ZapAdapter) Error(msg string, args ...any) { z.sugar.Errorw(msg, args...) }

// With returns a child logger with preset key/value context.
func (z *ZapAdapter) With(args ...any) *ZapAdapter {
	return &ZapAdapter{sugar: z.sugar.With(args...)}
}

// Sync flushes buffered log entries.
func (z *ZapAdapter) Sync() error { return z.sugar.Sync() }

// NoOpLogger discards all log messages. Useful for testing or when logging is
// disabled.
type NoOpLogger struct{}

// Debug logs a debug message.
func (NoOpLogger) Debug(string, ...any) {}

// Info logs an informational message.
func (NoOpLogger) Info(string, ...any) {}

// Warn logs a warning message.
func (NoOpLogger) Warn(string, ...any) {}

// Error logs an error message.
func (NoOpLogger) Error(string, ...any) {}

// OrNoOp returns l, or a NoOpLogger when l is nil.
func OrNoOp(l Logger) Logger {
	if l == nil {
		return NoOpLogger{}
	}
	return l
}
