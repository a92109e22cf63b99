package middleware

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/synclog-dev/synclog/pkg/protocol"
	"github.com/synclog-dev/synclog/pkg/server"
)

// Default tracer name for synclog servers.
const defaultTracerName = "synclog"

// OTelConfig configures the OpenTelemetry callback wrapper.
type OTelConfig struct {
	// TracerName is the tracer name (default: "synclog").
	TracerName string

	// IncludeUserID includes the sender's user ID in spans. May contain
	// sensitive information; disabled by default.
	IncludeUserID bool

	tracer trace.Tracer
}

// OTelOption configures the OpenTelemetry callback wrapper.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) { c.TracerName = name }
}

// WithIncludeUserID enables including the sender's user ID in spans.
func WithIncludeUserID(include bool) OTelOption {
	return func(c *OTelConfig) { c.IncludeUserID = include }
}

// Trace wraps a TypeCallbacks record so that access and process run inside
// OpenTelemetry spans carrying the action type and ID.
func Trace(cb server.TypeCallbacks, opts ...OTelOption) server.TypeCallbacks {
	cfg := OTelConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.tracer = otel.Tracer(cfg.TracerName)

	traced := cb
	if cb.Access != nil {
		traced.Access = func(ctx *server.Context, action protocol.Action, meta *protocol.Meta) (bool, error) {
			span := cfg.startSpan(ctx, "access", action, meta)
			allowed, err := cb.Access(ctx, action, meta)
			endSpan(span, err)
			return allowed, err
		}
	}
	if cb.Process != nil {
		traced.Process = func(ctx *server.Context, action protocol.Action, meta *protocol.Meta) error {
			span := cfg.startSpan(ctx, "process", action, meta)
			err := cb.Process(ctx, action, meta)
			endSpan(span, err)
			return err
		}
	}
	return traced
}

func (c *OTelConfig) startSpan(ctx *server.Context, stage string, action protocol.Action, meta *protocol.Meta) trace.Span {
	attrs := []attribute.KeyValue{
		attribute.String("synclog.action.type", action.Type()),
		attribute.String("synclog.action.id", meta.ID.String()),
	}
	if c.IncludeUserID {
		attrs = append(attrs, attribute.String("synclog.user.id", ctx.UserID))
	}
	_, span := c.tracer.Start(ctx.Context(), "synclog."+stage,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...))
	return span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
