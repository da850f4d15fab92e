// Package telemetry tests for tracing helpers.
package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestDisabledByDefault verifies nothing is recorded without a provider.
func TestDisabledByDefault(t *testing.T) {
	assert.False(t, IsEnabled())

	ctx, span := StartSpan(context.Background(), "noop")
	assert.False(t, span.IsRecording())
	assert.Empty(t, TraceID(ctx))
	EndSpan(span, errors.New("ignored"))
	assert.NoError(t, Shutdown(context.Background()))
}

// TestEnable_recordsSpans verifies spans, attributes and errors reach the provider.
func TestEnable_recordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	Enable(tp)
	defer Shutdown(context.Background())

	require.True(t, IsEnabled())

	ctx, span := StartSpan(context.Background(), "sync.solutions", attribute.Int("limit", 5))
	assert.NotEmpty(t, TraceID(ctx))
	AddSpanAttributes(ctx, attribute.Int("synced", 3))
	AddSpanEvent(ctx, "page.fetched")
	EndSpan(span, errors.New("page failed"))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "sync.solutions", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Len(t, ended[0].Events(), 2) // page.fetched + exception
	assert.Contains(t, ended[0].Attributes(), attribute.Int("synced", 3))

	require.NoError(t, Shutdown(context.Background()))
	assert.False(t, IsEnabled())
}

// TestEnable_nilProvider verifies a nil provider is ignored.
func TestEnable_nilProvider(t *testing.T) {
	Enable(nil)
	assert.False(t, IsEnabled())
}
