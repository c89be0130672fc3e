package inbox

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type gateMetrics struct {
	processed  metric.Int64Counter
	failed     metric.Int64Counter
	duplicates metric.Int64Counter
}

func newGateMetrics(provider metric.MeterProvider) (gateMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("courier.inbox")

	var (
		m   gateMetrics
		err error
	)

	if m.processed, err = meter.Int64Counter("courier.inbox.processed",
		metric.WithDescription("Inbox messages handled successfully"),
		metric.WithUnit("{message}"),
	); err != nil {
		return gateMetrics{}, fmt.Errorf("create courier.inbox.processed counter: %w", err)
	}

	if m.failed, err = meter.Int64Counter("courier.inbox.failed",
		metric.WithDescription("Inbox messages whose handler failed"),
		metric.WithUnit("{message}"),
	); err != nil {
		return gateMetrics{}, fmt.Errorf("create courier.inbox.failed counter: %w", err)
	}

	if m.duplicates, err = meter.Int64Counter("courier.inbox.duplicates",
		metric.WithDescription("Deliveries skipped because the message id was already recorded"),
		metric.WithUnit("{message}"),
	); err != nil {
		return gateMetrics{}, fmt.Errorf("create courier.inbox.duplicates counter: %w", err)
	}

	return m, nil
}

func (m gateMetrics) record(ctx context.Context, out Outcome, messageType string) {
	attrs := metric.WithAttributes(attribute.String("message_type", messageType))

	switch out {
	case OutcomeProcessed:
		m.processed.Add(ctx, 1, attrs)
	case OutcomeFailed:
		m.failed.Add(ctx, 1, attrs)
	case OutcomeDuplicate:
		m.duplicates.Add(ctx, 1, attrs)
	}
}
