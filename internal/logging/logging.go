// Package logging defines the minimal logging contract used across the
// scheduler core so packages depend on an interface instead of log/slog
// directly.
package logging

import (
	"fmt"
	"log/slog"
)

// Logger provides the minimal logging contract required by the domain layer.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// nopLogger discards everything. Safe zero value for tests that don't care
// about log output.
type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Nop is a Logger that discards all messages.
var Nop Logger = nopLogger{}

// OrNop returns logger if non-nil, otherwise Nop. Lets callers accept a
// possibly-nil *Logger field without guarding every call site.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop
	}
	return logger
}

// slogLogger adapts a *slog.Logger to the Logger interface using printf-style
// formatting, matching how the rest of the scheduler core logs.
type slogLogger struct {
	inner *slog.Logger
}

// FromSlog wraps an *slog.Logger as a Logger.
func FromSlog(inner *slog.Logger) Logger {
	if inner == nil {
		inner = slog.Default()
	}
	return &slogLogger{inner: inner}
}

func (l *slogLogger) Debug(format string, args ...interface{}) {
	l.inner.Debug(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Info(format string, args ...interface{}) {
	l.inner.Info(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Warn(format string, args ...interface{}) {
	l.inner.Warn(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Error(format string, args ...interface{}) {
	l.inner.Error(fmt.Sprintf(format, args...))
}

// ParseLevel maps a CLI-friendly level name to an slog.Level, defaulting to
// Info for anything unrecognized.
func ParseLevel(value string) slog.Level {
	switch value {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
