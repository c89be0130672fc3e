package outbox

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type engineMetrics struct {
	published      metric.Int64Counter
	dead           metric.Int64Counter
	failed         metric.Int64Counter
	publishLatency metric.Float64Histogram
	batchSize      metric.Int64Gauge
}

func newEngineMetrics(provider metric.MeterProvider) (engineMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("courier.outbox")

	var (
		m   engineMetrics
		err error
	)

	if m.published, err = meter.Int64Counter("courier.outbox.published",
		metric.WithDescription("Outbox records published and marked Published"),
		metric.WithUnit("{record}"),
	); err != nil {
		return engineMetrics{}, fmt.Errorf("create courier.outbox.published counter: %w", err)
	}

	if m.dead, err = meter.Int64Counter("courier.outbox.dead",
		metric.WithDescription("Outbox records dead-lettered"),
		metric.WithUnit("{record}"),
	); err != nil {
		return engineMetrics{}, fmt.Errorf("create courier.outbox.dead counter: %w", err)
	}

	if m.failed, err = meter.Int64Counter("courier.outbox.failed",
		metric.WithDescription("Transient outbox publish failures left Pending for retry"),
		metric.WithUnit("{record}"),
	); err != nil {
		return engineMetrics{}, fmt.Errorf("create courier.outbox.failed counter: %w", err)
	}

	if m.publishLatency, err = meter.Float64Histogram("courier.outbox.publish.latency",
		metric.WithDescription("Duration of one bus publish call"),
		metric.WithUnit("ms"),
	); err != nil {
		return engineMetrics{}, fmt.Errorf("create courier.outbox.publish.latency histogram: %w", err)
	}

	if m.batchSize, err = meter.Int64Gauge("courier.outbox.batch.size",
		metric.WithDescription("Pending records selected by the last run"),
		metric.WithUnit("{record}"),
	); err != nil {
		return engineMetrics{}, fmt.Errorf("create courier.outbox.batch.size gauge: %w", err)
	}

	return m, nil
}

func typeAttr(messageType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("message_type", messageType))
}

func (m engineMetrics) recordOutcome(ctx context.Context, out outcome, messageType string) {
	switch out {
	case outcomePublished:
		m.published.Add(ctx, 1, typeAttr(messageType))
	case outcomeDead:
		m.dead.Add(ctx, 1, typeAttr(messageType))
	case outcomeFailed:
		m.failed.Add(ctx, 1, typeAttr(messageType))
	}
}
