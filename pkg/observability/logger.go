package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// Log attribute keys shared by every devpulse process mode.
const (
	logKeyTraceID = "trace_id"
	logKeySpanID  = "span_id"
	logKeyService = "service"
	logKeyEnv     = "env"
	logKeyMode    = "mode"
)

// TracingHandler decorates an [slog.Handler] with the active span's
// trace_id/span_id and fixed service metadata, so pipeline log lines
// correlate with exported spans. The service attributes are attached
// to the inner handler at construction and stay at the top level no
// matter how callers group afterwards.
type TracingHandler struct {
	inner slog.Handler
}

// NewTracingHandler wraps inner for the given service identity. mode
// tells the daemon, MCP, and one-shot CLI processes apart when their
// logs land in the same place.
func NewTracingHandler(inner slog.Handler, service, env string, mode AppMode) *TracingHandler {
	attrs := []slog.Attr{
		slog.String(logKeyService, service),
		slog.String(logKeyMode, string(mode)),
	}

	if env != "" {
		attrs = append(attrs, slog.String(logKeyEnv, env))
	}

	return &TracingHandler{
		inner: inner.WithAttrs(attrs),
	}
}

// Enabled delegates to the inner handler.
func (h *TracingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle stamps the record with the span context, when one is active,
// then delegates.
func (h *TracingHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		record.AddAttrs(
			slog.String(logKeyTraceID, sc.TraceID().String()),
			slog.String(logKeySpanID, sc.SpanID().String()),
		)
	}

	if err := h.inner.Handle(ctx, record); err != nil {
		return fmt.Errorf("tracing handler: %w", err)
	}

	return nil
}

// WithAttrs pushes the attributes down to the inner handler.
func (h *TracingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TracingHandler{
		inner: h.inner.WithAttrs(attrs),
	}
}

// WithGroup pushes the group down to the inner handler.
func (h *TracingHandler) WithGroup(name string) slog.Handler {
	return &TracingHandler{
		inner: h.inner.WithGroup(name),
	}
}
