//go:build unit

package opentelemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestHandleSpanError(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := tp.Tracer("test").Start(context.Background(), "publish")
	HandleSpanError(span, "publish failed", errors.New("channel closed"))
	HandleSpanError(span, "ignored", nil)
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "publish failed: channel closed", ended[0].Status().Description)
	require.Len(t, ended[0].Events(), 1)
	assert.Equal(t, "exception", ended[0].Events()[0].Name)
}

func TestHandleSpanHelpers_NilSpan(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		HandleSpanError(nil, "x", errors.New("boom"))
		HandleSpanEvent(nil, "x")
	})
}

func TestQueueTracePropagation(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	headers := PrepareQueueHeaders(ctx, map[string]any{"message-type": "OrderPlaced"})

	assert.Equal(t, "OrderPlaced", headers["message-type"])
	require.Contains(t, headers, "traceparent")

	extracted := ExtractTraceContextFromQueueHeaders(context.Background(), headers)
	sc := trace.SpanContextFromContext(extracted)

	assert.True(t, sc.IsRemote())
	assert.Equal(t, span.SpanContext().TraceID(), sc.TraceID())
}

func TestExtractQueueTraceContext_Empty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	assert.Equal(t, ctx, ExtractQueueTraceContext(ctx, nil))
}

func TestInitializeTelemetry_Validation(t *testing.T) {
	t.Parallel()

	_, err := InitializeTelemetry(context.Background(), nil)
	require.ErrorIs(t, err, ErrNilTelemetryConfig)

	_, err = InitializeTelemetry(context.Background(), &TelemetryConfig{})
	require.ErrorIs(t, err, ErrNilTelemetryLogger)
}

func TestInitializeTelemetry_Disabled(t *testing.T) {
	tl, err := InitializeTelemetry(context.Background(), &TelemetryConfig{
		LibraryName: "courier",
		ServiceName: "courier-relay",
		Logger:      log.NewNop(),
	})
	require.NoError(t, err)

	assert.NotNil(t, tl.Tracer())
	require.NoError(t, tl.Shutdown(context.Background()))
}
