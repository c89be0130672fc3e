//go:build unit

package zap

import (
	"context"
	"errors"
	"testing"

	logpkg "github.com/LerianStudio/lib-courier/courier/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObserved(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)

	return Wrap(zap.New(core), zap.NewAtomicLevelAt(level)), logs
}

func TestLogger_LevelsAndFields(t *testing.T) {
	t.Parallel()

	logger, logs := newObserved(zapcore.InfoLevel)

	logger.Log(context.Background(), logpkg.LevelDebug, "dropped")
	logger.Log(context.Background(), logpkg.LevelWarn, "record failed",
		logpkg.String("record_id", "abc"),
		logpkg.Err(errors.New("broker down")),
	)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "abc", entries[0].ContextMap()["record_id"])
	assert.Equal(t, "broker down", entries[0].ContextMap()["error"])
}

func TestLogger_EscapesControlCharacters(t *testing.T) {
	t.Parallel()

	logger, logs := newObserved(zapcore.DebugLevel)

	logger.Log(context.Background(), logpkg.LevelInfo, "line1\nline2")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, `line1\nline2`, logs.All()[0].Message)
}

func TestLogger_AddsTraceCorrelation(t *testing.T) {
	t.Parallel()

	logger, logs := newObserved(zapcore.DebugLevel)

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	logger.Log(ctx, logpkg.LevelInfo, "traced")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, span.SpanContext().TraceID().String(), fields["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), fields["span_id"])
}

func TestLogger_WithAndEnabled(t *testing.T) {
	t.Parallel()

	logger, logs := newObserved(zapcore.InfoLevel)

	child := logger.With(logpkg.String("job", "outbox-publish"))
	child.Log(context.Background(), logpkg.LevelInfo, "tick")

	assert.Equal(t, "outbox-publish", logs.All()[0].ContextMap()["job"])
	assert.True(t, logger.Enabled(logpkg.LevelError))
	assert.False(t, logger.Enabled(logpkg.LevelDebug))
}

func TestLogger_NilSafe(t *testing.T) {
	t.Parallel()

	var logger *Logger

	assert.NotPanics(t, func() {
		logger.Log(context.Background(), logpkg.LevelError, "nothing")
	})
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Environment: EnvironmentProduction})
	require.ErrorIs(t, err, ErrMissingLibraryName)

	_, err = New(Config{Environment: "moon", OTelLibraryName: "courier"})
	require.Error(t, err)

	_, err = New(Config{Environment: EnvironmentLocal, OTelLibraryName: "courier", Level: "loud"})
	require.Error(t, err)
}

func TestNew_DefaultLevels(t *testing.T) {
	t.Parallel()

	local, err := New(Config{Environment: EnvironmentLocal, OTelLibraryName: "courier"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, local.Level().Level())

	prod, err := New(Config{Environment: EnvironmentProduction, OTelLibraryName: "courier"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, prod.Level().Level())

	explicit, err := New(Config{Environment: EnvironmentProduction, OTelLibraryName: "courier", Level: "warn"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, explicit.Level().Level())
}
