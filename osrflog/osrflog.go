// Package osrflog is the structured, leveled, correlation-id-aware logging
// sink every other package writes through. It wraps a *zap.Logger so that
// call sites never touch zap's field-construction API directly.
package osrflog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors the /loglevel config key: higher numbers are more verbose.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelError:
		return zapcore.ErrorLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelDebug:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger is the handle every component holds. It is cheap to copy and to
// derive from via With.
type Logger struct {
	z *zap.Logger
}

// New builds a Logger gated at level, writing structured JSON to stderr.
func New(level Level) *Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level.zapLevel())
	cfg.DisableStacktrace = true
	z, err := cfg.Build()
	if err != nil {
		// zap.NewProductionConfig().Build() only fails on a broken sink
		// registration, which cannot happen with the default config.
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

// Nop returns a Logger that discards everything, for tests that don't care
// about log output.
func Nop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// With returns a derived Logger that attaches xid to every subsequent line,
// threading the per-request log-correlation id through a call chain.
func (l *Logger) With(xid string) *Logger {
	if xid == "" {
		return l
	}
	return &Logger{z: l.z.With(zap.String("xid", xid))}
}

// Named returns a derived Logger tagged with a component name, e.g. the
// service or package emitting the line.
func (l *Logger) Named(name string) *Logger {
	return &Logger{z: l.z.Named(name)}
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

// Sync flushes any buffered log entries; call it before process exit.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// These are convenience re-exports so callers don't need a parallel zap
// import just to build fields.
var (
	String = zap.String
	Int    = zap.Int
	Bool   = zap.Bool
	Err    = zap.Error
	Any    = zap.Any
)
