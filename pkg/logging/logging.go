// Package logging wraps log/slog with the numeric verbosity levels the
// original daemon used (LLARP_DEBUG and friends), but unlike the
// teacher's pkg/debug this is never a package-level singleton: a
// *Logger is constructed once and threaded explicitly into every
// component that needs one.
package logging

import (
	"context"
	"log/slog"
	"os"
)

const (
	Critical = 1
	Error    = 2
	Info     = 3
	Verbose  = 4
	Trace    = 5
)

// Logger is a per-component log handle.
type Logger struct {
	level int
	base  *slog.Logger
}

// New constructs a Logger writing to stderr at the given verbosity level.
func New(level int) *Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter is New but with an explicit writer, for tests.
func NewWithWriter(level int, w interface{ Write([]byte) (int, error) }) *Logger {
	slogLevel := slog.LevelInfo
	switch {
	case level >= Trace:
		slogLevel = slog.LevelDebug
	case level >= Verbose:
		slogLevel = slog.LevelDebug
	case level >= Info:
		slogLevel = slog.LevelInfo
	case level >= Error:
		slogLevel = slog.LevelWarn
	default:
		slogLevel = slog.LevelError
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slogLevel})
	return &Logger{level: level, base: slog.New(h)}
}

// With returns a child logger carrying the given structured attributes,
// e.g. a component name.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{level: l.level, base: l.base.With(args...)}
}

func (l *Logger) Debugf(format string, args ...any) {
	if l.level >= Verbose {
		l.base.Debug(format, args...)
	}
}

func (l *Logger) Infof(msg string, args ...any) {
	if l.level >= Info {
		l.base.Info(msg, args...)
	}
}

func (l *Logger) Warnf(msg string, args ...any) {
	if l.level >= Error {
		l.base.Warn(msg, args...)
	}
}

func (l *Logger) Errorf(msg string, args ...any) {
	l.base.Error(msg, args...)
}

// WithContext returns the logger; present for call-sites that want to
// carry a context through logging middleware later without an API break.
func (l *Logger) WithContext(_ context.Context) *Logger { return l }
