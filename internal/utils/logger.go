package utils

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a thin key/value facade over zap used across the service.
type Logger struct {
	l *zap.SugaredLogger
}

// NewLogger builds a production JSON logger honouring LOG_LEVEL.
func NewLogger() *Logger { return NewLoggerAt(os.Getenv("LOG_LEVEL")) }

// NewLoggerAt builds a production JSON logger at the given level.
func NewLoggerAt(level string) *Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	z, err := cfg.Build()
	if err != nil {
		z = zap.NewNop()
	}
	return &Logger{l: z.Sugar()}
}

// NewLoggerFromZap wraps an existing zap logger (used with zaptest/observer in tests).
func NewLoggerFromZap(z *zap.Logger) *Logger { return &Logger{l: z.Sugar()} }

// ParseLevel maps debug|info|warn|error to a zap level, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func (lg *Logger) Debug(msg string, kv ...any) { lg.l.Debugw(msg, kv...) }
func (lg *Logger) Info(msg string, kv ...any)  { lg.l.Infow(msg, kv...) }
func (lg *Logger) Warn(msg string, kv ...any)  { lg.l.Warnw(msg, kv...) }
func (lg *Logger) Error(msg string, kv ...any) { lg.l.Errorw(msg, kv...) }

// With returns a child logger carrying the given fields.
func (lg *Logger) With(kv ...any) *Logger { return &Logger{l: lg.l.With(kv...)} }

// Sync flushes buffered entries.
func (lg *Logger) Sync() { _ = lg.l.Sync() }
