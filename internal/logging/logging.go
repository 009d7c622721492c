// Package logging builds the service's slog loggers and carries request-scoped
// fields through context.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	loggerKey    contextKey = "logger"
	attrsKey     contextKey = "attrs"
)

// ServiceName is attached to every record written by New.
const ServiceName = "epochstake"

// ParseLevel maps LOG_LEVEL values to slog levels. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// New creates a structured logger writing to stdout. Unknown levels fall
// back to info.
func New(level string, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level string, format string) *slog.Logger {
	lvl, _ := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler).With("service", ServiceName)
}

// Discard returns a logger that drops everything. Used by tools and tests
// that only care about return values.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID extracts the request ID from context
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithAttrs returns ctx carrying attrs in addition to any it already has.
// Loggers from L add them to every record.
func WithAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	prev, _ := ctx.Value(attrsKey).([]slog.Attr)
	merged := make([]slog.Attr, 0, len(prev)+len(attrs))
	merged = append(append(merged, prev...), attrs...)
	return context.WithValue(ctx, attrsKey, merged)
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L returns the context logger bound to ctx: its records carry the request
// ID and attrs from WithAttrs, whichever of the slog methods is used.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if RequestID(ctx) == "" && ctx.Value(attrsKey) == nil {
		return logger
	}
	return slog.New(&boundHandler{inner: logger.Handler(), ctx: ctx})
}

type boundHandler struct {
	inner slog.Handler
	ctx   context.Context
}

func (h *boundHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.inner.Enabled(h.ctx, level)
}

func (h *boundHandler) Handle(_ context.Context, r slog.Record) error {
	if id := RequestID(h.ctx); id != "" {
		r.AddAttrs(slog.String("request_id", id))
	}
	if attrs, ok := h.ctx.Value(attrsKey).([]slog.Attr); ok {
		r.AddAttrs(attrs...)
	}
	return h.inner.Handle(h.ctx, r)
}

func (h *boundHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &boundHandler{inner: h.inner.WithAttrs(attrs), ctx: h.ctx}
}

func (h *boundHandler) WithGroup(name string) slog.Handler {
	return &boundHandler{inner: h.inner.WithGroup(name), ctx: h.ctx}
}
