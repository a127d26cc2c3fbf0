// Package logging provides structured logging used across the front
// orchestrator, request orchestrator, and task worker.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Handler lets a caller observe log records in addition to the slog output,
// primarily useful for tests that want to assert on emitted messages.
type Handler func(level slog.Level, msg string, attrs ...slog.Attr)

// Logger wraps log/slog with a component attribute and an optional silent
// mode for quiet test runs.
type Logger struct {
	slog    *slog.Logger
	handler Handler
	silent  bool
}

// Config controls how a Logger is constructed.
type Config struct {
	Level   slog.Level
	Handler Handler
	Silent  bool
	Output  io.Writer
}

// New creates a Logger scoped to component, e.g. "front", "orchestrator",
// "worker.ingress".
func New(component string, config ...Config) *Logger {
	cfg := Config{Level: slog.LevelInfo}
	if len(config) > 0 {
		cfg = config[0]
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	var slogHandler slog.Handler
	if cfg.Silent && cfg.Handler == nil {
		slogHandler = slog.NewTextHandler(io.Discard, opts)
	} else {
		slogHandler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		slog:    slog.New(slogHandler).With("component", component),
		handler: cfg.Handler,
		silent:  cfg.Silent,
	}
}

func (l *Logger) SetHandler(h Handler) { l.handler = h }
func (l *Logger) SetSilent(s bool)     { l.silent = s }

func (l *Logger) Debug(msg string, args ...any) { l.emit(slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.emit(slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.emit(slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.emit(slog.LevelError, msg, args...) }

func (l *Logger) emit(level slog.Level, msg string, args ...any) {
	if l.handler != nil {
		l.handler(level, msg)
	}
	if l.silent {
		return
	}
	switch level {
	case slog.LevelDebug:
		l.slog.Debug(msg, args...)
	case slog.LevelWarn:
		l.slog.Warn(msg, args...)
	case slog.LevelError:
		l.slog.Error(msg, args...)
	default:
		l.slog.Info(msg, args...)
	}
}

// With returns a Logger with additional structured attributes attached to
// every subsequent record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:    l.slog.With(args...),
		handler: l.handler,
		silent:  l.silent,
	}
}

func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.slog.DebugContext(ctx, msg, args...)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.slog.InfoContext(ctx, msg, args...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.slog.WarnContext(ctx, msg, args...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.slog.ErrorContext(ctx, msg, args...)
}

// Default is a package-level logger for code paths that don't carry their
// own component-scoped Logger (e.g. early main() wiring failures).
var Default = New("vnml")
