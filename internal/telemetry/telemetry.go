// Package telemetry provides tracing helpers for the offline engine.
//
// Spans are created through the global OpenTelemetry tracer provider, which is
// the no-op provider unless the host application installs one. Nothing is
// exported from the device without that explicit opt-in.
package telemetry

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/studysync/offlinecore"

var enabled atomic.Bool

// =====================================================
// Opt-in
// =====================================================

// IsEnabled reports whether a tracer provider was installed through Enable.
func IsEnabled() bool {
	return enabled.Load()
}

// Enable installs tp as the global tracer provider.
func Enable(tp trace.TracerProvider) {
	if tp == nil {
		return
	}
	otel.SetTracerProvider(tp)
	enabled.Store(true)
}

// shutdowner is implemented by SDK tracer providers.
type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Shutdown flushes and stops the installed provider, if it supports it.
func Shutdown(ctx context.Context) error {
	if !enabled.Load() {
		return nil
	}
	enabled.Store(false)
	if s, ok := otel.GetTracerProvider().(shutdowner); ok {
		return s.Shutdown(ctx)
	}
	return nil
}

// =====================================================
// Spans
// =====================================================

// Tracer returns the engine's tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name with the given attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil && span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// AddSpanAttributes adds attributes to the current span
func AddSpanAttributes(ctx context.Context, attributes ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attributes...)
	}
}

// AddSpanEvent adds an event to the current span
func AddSpanEvent(ctx context.Context, name string, attributes ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attributes...))
	}
}

// TraceID returns the trace ID from the current context
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
