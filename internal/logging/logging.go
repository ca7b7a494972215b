// Package logging provides structured logging for ratewatch.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports both text and JSON
// output formats, configurable log levels, and component-based loggers.
//
// Component loggers are usually created at package init time, before the
// daemon has parsed its flags. They resolve the active handler on every
// record, so a later Init or InitWithHandler still applies to them.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false) // Text format
//	logging.Init(slog.LevelDebug, true) // JSON format for production
//
//	// Get a component logger
//	var log = logging.Component("binner")
//	log.Info("gap detected", "series", key, "slots", n)
package logging

import (
	"context"
	"fmt"
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
	InitWithWriter(os.Stdout, level, jsonFormat)
}

// InitWithWriter is Init with an explicit destination.
func InitWithWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	InitWithHandler(handler)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	current.Store(&handler)
	Logger = slog.New(&deferredHandler{})
	slog.SetDefault(slog.New(handler))
}

// ParseLevel converts a config/flag level name into a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// With returns a new logger with additional attributes.
// These attributes are included in every log entry from the returned logger.
func With(args ...any) *slog.Logger {
	return Logger.With(args...)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// Example:
//
//	log := logging.Component("dispatcher")
//	log.Info("started") // Output: time=... level=INFO component=dispatcher msg=started
func Component(name string) *slog.Logger {
	return Logger.With("component", name)
}

// WithContext returns a logger that includes context values.
func WithContext(ctx context.Context) *slog.Logger {
	logger := Logger

	if series, ok := ctx.Value(contextKeySeries).(string); ok {
		logger = logger.With("series", series)
	}
	if requestID, ok := ctx.Value(contextKeyRequestID).(string); ok {
		logger = logger.With("request_id", requestID)
	}

	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeySeries contextKey = iota
	contextKeyRequestID
)

// ContextWithSeries adds a series key to the context for logging.
func ContextWithSeries(ctx context.Context, series string) context.Context {
	return context.WithValue(ctx, contextKeySeries, series)
}

// ContextWithRequestID adds a request ID to the context for logging.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}

// deferredHandler replays With/WithGroup calls onto whatever handler is
// current when a record is emitted.
type deferredHandler struct {
	ops []func(slog.Handler) slog.Handler
}

func (h *deferredHandler) resolve() slog.Handler {
	handler := *current.Load()
	for _, op := range h.ops {
		handler = op(handler)
	}
	return handler
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return (*current.Load()).Enabled(ctx, level)
}

func (h *deferredHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	return h.with(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

func (h *deferredHandler) with(op func(slog.Handler) slog.Handler) *deferredHandler {
	ops := make([]func(slog.Handler) slog.Handler, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &deferredHandler{ops: append(ops, op)}
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	Logger.Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	Logger.Error(msg, args...)
}
