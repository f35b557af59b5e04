// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

// Package logging provides structured logging with OpenTelemetry trace context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel/trace"
)

// Output formats accepted by Setup.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Options configures Setup.
type Options struct {
	Service string
	Version string
	// Format is FormatJSON or FormatText. Empty means JSON.
	Format string
	// Level is the minimum level. Zero means info.
	Level slog.Level
	// Writer defaults to os.Stderr.
	Writer io.Writer
}

// traceHandler wraps a slog.Handler to add trace context. The service and
// version attributes and the trace ids stay at the top level of a record
// even after WithGroup.
type traceHandler struct {
	// root carries service and version and no groups.
	root slog.Handler
	// handler is root with ops applied.
	handler slog.Handler
	ops     []func(slog.Handler) slog.Handler
}

func newTraceHandler(base slog.Handler, service, version string) *traceHandler {
	root := base.WithAttrs([]slog.Attr{
		slog.String("service", service),
		slog.String("version", version),
	})
	return &traceHandler{root: root, handler: root}
}

// Handle adds trace context to the log record.
func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.HasTraceID() && !spanCtx.HasSpanID() {
		//nolint:wrapcheck // Handler interface requires unwrapped error passthrough
		return h.handler.Handle(ctx, r)
	}

	var ids []slog.Attr
	if spanCtx.HasTraceID() {
		ids = append(ids, slog.String("trace_id", spanCtx.TraceID().String()))
	}
	if spanCtx.HasSpanID() {
		ids = append(ids, slog.String("span_id", spanCtx.SpanID().String()))
	}
	// Rebuild below the ids so groups opened later do not capture them.
	handler := h.root.WithAttrs(ids)
	for _, op := range h.ops {
		handler = op(handler)
	}
	//nolint:wrapcheck // Handler interface requires unwrapped error passthrough
	return handler.Handle(ctx, r)
}

// Enabled reports whether the handler handles records at the given level.
func (h *traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// WithAttrs returns a new handler with the given attributes.
func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

// WithGroup returns a new handler with the given group name.
func (h *traceHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

func (h *traceHandler) with(op func(slog.Handler) slog.Handler) *traceHandler {
	ops := make([]func(slog.Handler) slog.Handler, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &traceHandler{root: h.root, handler: op(h.handler), ops: append(ops, op)}
}

// Setup creates a configured slog.Logger.
func Setup(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: opts.Level}

	var base slog.Handler
	if opts.Format == FormatText {
		base = slog.NewTextHandler(w, hopts)
	} else {
		base = slog.NewJSONHandler(w, hopts)
	}
	return slog.New(newTraceHandler(base, opts.Service, opts.Version))
}

// SetDefault configures a logger and installs it as slog's default.
func SetDefault(opts Options) *slog.Logger {
	logger := Setup(opts)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a configuration value such as "debug" or "WARN" to a
// level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, oops.Code("LOG_LEVEL_INVALID").With("level", s).Wrap(err)
	}
	return level, nil
}

// ValidFormat reports whether format is accepted by Setup.
func ValidFormat(format string) bool {
	return format == "" || format == FormatJSON || format == FormatText
}
