package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every narrator span.
const tracerName = "github.com/MrWong99/narrator"

// Span attribute keys for narration identity.
const (
	AttrGuildID   = attribute.Key("narrate.guild_id")
	AttrUserID    = attribute.Key("narrate.user_id")
	AttrRequestID = attribute.Key("narrate.request_id")
)

// Narration identifies the narration request a piece of work belongs to.
// Empty fields are omitted wherever the identity is reported.
type Narration struct {
	GuildID   string
	UserID    string
	RequestID string
}

type narrationKey struct{}

// WithNarration returns a copy of ctx carrying n. Spans started with
// [StartSpan] and loggers from [Logger] under the returned context report it.
func WithNarration(ctx context.Context, n Narration) context.Context {
	return context.WithValue(ctx, narrationKey{}, n)
}

// NarrationFrom returns the narration stored in ctx by [WithNarration].
func NarrationFrom(ctx context.Context) (Narration, bool) {
	n, ok := ctx.Value(narrationKey{}).(Narration)
	return n, ok
}

func (n Narration) spanAttrs() []attribute.KeyValue {
	var kv []attribute.KeyValue
	if n.GuildID != "" {
		kv = append(kv, AttrGuildID.String(n.GuildID))
	}
	if n.UserID != "" {
		kv = append(kv, AttrUserID.String(n.UserID))
	}
	if n.RequestID != "" {
		kv = append(kv, AttrRequestID.String(n.RequestID))
	}
	return kv
}

func (n Narration) logArgs() []any {
	var args []any
	if n.GuildID != "" {
		args = append(args, slog.String("guild_id", n.GuildID))
	}
	if n.UserID != "" {
		args = append(args, slog.String("user_id", n.UserID))
	}
	if n.RequestID != "" {
		args = append(args, slog.String("request_id", n.RequestID))
	}
	return args
}

// Tracer returns the narrator tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. A narration stored in ctx is set on the
// span as attributes. The caller must end the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if n, ok := NarrationFrom(ctx); ok {
		if kv := n.spanAttrs(); len(kv) > 0 {
			opts = append(opts, trace.WithAttributes(kv...))
		}
	}
	return Tracer().Start(ctx, name, opts...)
}

// TraceID returns the hex trace ID of the span in ctx, or "" without one.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger annotated with the trace and span IDs
// and the narration found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	var args []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		args = append(args,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if n, ok := NarrationFrom(ctx); ok {
		args = append(args, n.logArgs()...)
	}
	l := slog.Default()
	if len(args) > 0 {
		l = l.With(args...)
	}
	return l
}
