package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	libOpentelemetry "github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// HeaderAttempt carries the outbox publish attempt, starting at 1.
	HeaderAttempt = "x-courier-attempt"

	contentTypeJSON = "application/json"
)

var ErrChannelProviderRequired = errors.New("rabbitmq channel provider is required")

// ChannelProvider opens a dedicated channel for the bus. Connection.ConfirmChannel
// satisfies it.
type ChannelProvider func(ctx context.Context) (ConfirmableChannel, error)

// Bus publishes outbox messages to an exchange and waits for the broker
// confirm. It implements outbox.Bus.
type Bus struct {
	provider       ChannelProvider
	exchange       string
	routingKey     func(outbox.Message) string
	confirmTimeout time.Duration
	logger         libLog.Logger

	mu  sync.Mutex
	pub *ConfirmablePublisher
}

var _ outbox.Bus = (*Bus)(nil)

type BusOption func(*Bus)

func WithBusLogger(logger libLog.Logger) BusOption {
	return func(b *Bus) {
		if !nilcheck.IsNil(logger) {
			b.logger = logger
		}
	}
}

// WithRoutingKey replaces the default routing key, which is the message type.
func WithRoutingKey(fn func(outbox.Message) string) BusOption {
	return func(b *Bus) {
		if fn != nil {
			b.routingKey = fn
		}
	}
}

func WithBusConfirmTimeout(timeout time.Duration) BusOption {
	return func(b *Bus) {
		if timeout > 0 {
			b.confirmTimeout = timeout
		}
	}
}

// NewBus returns a bus publishing to exchange. The channel is opened on the
// first Publish and reopened whenever the previous one closed.
func NewBus(provider ChannelProvider, exchange string, opts ...BusOption) (*Bus, error) {
	if provider == nil {
		return nil, ErrChannelProviderRequired
	}

	if exchange == "" {
		return nil, ErrExchangeRequired
	}

	b := &Bus{
		provider:       provider,
		exchange:       exchange,
		routingKey:     func(msg outbox.Message) string { return msg.Type },
		confirmTimeout: DefaultConfirmTimeout,
		logger:         libLog.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	return b, nil
}

// Publish sends msg as a persistent JSON message whose AMQP message id is the
// outbox id, so consumers can deduplicate redeliveries. A payload that
// cannot be encoded fails with outbox.ErrPermanent; broker errors, nacks
// and confirm timeouts are transient.
func (b *Bus) Publish(ctx context.Context, msg outbox.Message) error {
	_, tracer, _ := courier.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "rabbitmq.bus.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	routingKey := b.routingKey(msg)

	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination.name", b.exchange),
		attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
		attribute.String("messaging.message.id", msg.ID.String()),
	)

	body, err := json.Marshal(msg.Payload)
	if err != nil {
		err = fmt.Errorf("encode %s payload: %w: %w", msg.Type, outbox.ErrPermanent, err)
		libOpentelemetry.HandleSpanError(span, "encode payload", err)

		return err
	}

	publishing := amqp.Publishing{
		MessageId:    msg.ID.String(),
		Type:         msg.Type,
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Timestamp:    msg.OccurredOnUTC,
		Headers: amqp.Table(libOpentelemetry.PrepareQueueHeaders(ctx, map[string]any{
			HeaderAttempt: int32(msg.Attempt),
		})),
		Body: body,
	}

	pub, err := b.publisher(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "open rabbitmq channel", err)

		return err
	}

	if err := pub.PublishAndWaitConfirm(ctx, b.exchange, routingKey, publishing); err != nil {
		libOpentelemetry.HandleSpanError(span, "publish to rabbitmq", err)

		return fmt.Errorf("publish %s to %s: %w", msg.ID, b.exchange, err)
	}

	return nil
}

func (b *Bus) publisher(ctx context.Context) (*ConfirmablePublisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pub != nil && !b.pub.IsClosed() {
		return b.pub, nil
	}

	if b.pub != nil {
		b.logger.Log(ctx, libLog.LevelInfo, "reopening rabbitmq publisher channel")
	}

	ch, err := b.provider(ctx)
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	pub, err := NewConfirmablePublisher(ch,
		WithPublisherLogger(b.logger),
		WithConfirmTimeout(b.confirmTimeout),
	)
	if err != nil {
		if !nilcheck.IsNil(ch) {
			_ = ch.Close()
		}

		return nil, err
	}

	b.pub = pub

	return pub, nil
}

// Close closes the current channel, if any.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pub == nil {
		return nil
	}

	err := b.pub.Close()
	b.pub = nil

	return err
}
