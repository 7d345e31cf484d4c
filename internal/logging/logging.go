// Package logging provides structured logging for the tiplot application.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports both text and JSON
// output formats, configurable log levels, and component-based loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false) // Text format
//	logging.Init(slog.LevelDebug, true) // JSON format for production
//
//	// Get a component logger
//	log := logging.Component("receiver")
//	log.Info("receiver listening", "address", addr)
//
//	// Log with context
//	log.Error("table decode failed", "error", err, "topic", topic)
//
// Component loggers are usually created in package-level vars, before main
// has read its configuration. They forward to whatever handler the most
// recent Init installed, so a later Init still applies to them.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Logger is the global logger instance.
var Logger *slog.Logger

var current atomic.Pointer[slog.Handler]

func init() {
	Init(slog.LevelInfo, false)
}

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	InitWithHandler(handler)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	current.Store(&handler)
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// Discard installs a handler that drops everything. Used by tests and by
// tiplotctl in batch mode so command output stays clean.
func Discard() {
	InitWithHandler(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps a config string to a slog level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// With returns a new logger with additional attributes.
// These attributes are included in every log entry from the returned logger.
func With(args ...any) *slog.Logger {
	return slog.New(forwardHandler{}).With(args...)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// Example:
//
//	log := logging.Component("store")
//	log.Info("cleared") // Output: time=... level=INFO component=store msg=cleared
func Component(name string) *slog.Logger {
	return With("component", name)
}

// WithContext returns a logger that includes context values.
// This is useful for connection-scoped logging.
func WithContext(ctx context.Context) *slog.Logger {
	return FromContext(ctx, slog.New(forwardHandler{}))
}

// FromContext decorates base with the connection and topic values stored in ctx.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	logger := base

	if connID, ok := ctx.Value(contextKeyConnID).(string); ok {
		logger = logger.With("conn_id", connID)
	}
	if remote, ok := ctx.Value(contextKeyRemote).(string); ok {
		logger = logger.With("remote", remote)
	}
	if topic, ok := ctx.Value(contextKeyTopic).(string); ok {
		logger = logger.With("topic", topic)
	}

	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeyConnID contextKey = iota
	contextKeyRemote
	contextKeyTopic
)

// ContextWithConnID adds a connection ID to the context for logging.
func ContextWithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, contextKeyConnID, connID)
}

// ContextWithRemote adds the peer address to the context for logging.
func ContextWithRemote(ctx context.Context, remote string) context.Context {
	return context.WithValue(ctx, contextKeyRemote, remote)
}

// ContextWithTopic adds a topic name to the context for logging.
func ContextWithTopic(ctx context.Context, topic string) context.Context {
	return context.WithValue(ctx, contextKeyTopic, topic)
}

// =============================================================================
// Forwarding handler
// =============================================================================

// forwardHandler resolves the installed handler on every call and replays
// the attrs and groups collected through With/WithGroup onto it.
type forwardHandler struct {
	ops []func(slog.Handler) slog.Handler
}

func (f forwardHandler) resolve() slog.Handler {
	h := *current.Load()
	for _, op := range f.ops {
		h = op(h)
	}
	return h
}

func (f forwardHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return (*current.Load()).Enabled(ctx, level)
}

func (f forwardHandler) Handle(ctx context.Context, r slog.Record) error {
	return f.resolve().Handle(ctx, r)
}

func (f forwardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.with(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f forwardHandler) WithGroup(name string) slog.Handler {
	return f.with(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f forwardHandler) with(op func(slog.Handler) slog.Handler) forwardHandler {
	ops := make([]func(slog.Handler) slog.Handler, len(f.ops), len(f.ops)+1)
	copy(ops, f.ops)
	return forwardHandler{ops: append(ops, op)}
}
