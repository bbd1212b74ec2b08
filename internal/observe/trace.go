package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every span Krishi Mitra starts.
const tracerName = "github.com/farmgpt/krishimitra"

// DialogAttr is the span attribute carrying the dialog id.
const DialogAttr = attribute.Key("krishimitra.dialog_id")

type dialogKey struct{}

// WithDialog returns a copy of ctx tagged with a dialog id. Spans started
// and loggers derived from the result carry it.
func WithDialog(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, dialogKey{}, id)
}

// DialogID returns the dialog id stored by [WithDialog], or "".
func DialogID(ctx context.Context) string {
	id, _ := ctx.Value(dialogKey{}).(string)
	return id
}

// StartSpan starts a span on the global tracer provider. The dialog id in
// ctx, if any, is added as [DialogAttr]. The caller must end the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := DialogID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(DialogAttr.String(id)))
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// CorrelationID is the trace id of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id, span_id and dialog_id
// attached when ctx carries them.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := DialogID(ctx); id != "" {
		attrs = append(attrs, slog.String("dialog_id", id))
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
