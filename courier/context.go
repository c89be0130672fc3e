package courier

import (
	"context"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type contextKey struct{}

// tracking is the bundle of request-scoped facilities carried in a context.
type tracking struct {
	logger        log.Logger
	tracer        trace.Tracer
	correlationID string
}

func trackingFrom(ctx context.Context) tracking {
	if ctx == nil {
		return tracking{}
	}

	t, _ := ctx.Value(contextKey{}).(tracking)

	return t
}

// ContextWithLogger returns a copy of ctx carrying logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	t := trackingFrom(ctx)
	t.logger = logger

	return context.WithValue(ctx, contextKey{}, t)
}

// ContextWithTracer returns a copy of ctx carrying tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	t := trackingFrom(ctx)
	t.tracer = tracer

	return context.WithValue(ctx, contextKey{}, t)
}

// ContextWithCorrelationID returns a copy of ctx carrying id, typically the
// message id of the record being published or consumed.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	t := trackingFrom(ctx)
	t.correlationID = id

	return context.WithValue(ctx, contextKey{}, t)
}

// NewTrackingFromContext returns the logger, tracer and correlation id held
// by ctx. Missing pieces fall back to a nop logger, the global tracer and a
// fresh UUID.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string) {
	t := trackingFrom(ctx)

	logger := t.logger
	if logger == nil {
		logger = log.NewNop()
	}

	tracer := t.tracer
	if tracer == nil {
		tracer = otel.Tracer("courier")
	}

	correlationID := t.correlationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	return logger, tracer, correlationID
}
