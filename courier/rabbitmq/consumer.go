package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/LerianStudio/lib-courier/courier/inbox"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	libOpentelemetry "github.com/LerianStudio/lib-courier/courier/opentelemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultPrefetch = 10

var (
	ErrProcessorRequired = errors.New("inbox processor is required")
	ErrHandlerRequired   = errors.New("message handler is required")

	errDeliveriesClosed = errors.New("rabbitmq delivery stream closed")
)

// ConsumeChannel is the consuming side of *amqp.Channel.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ConsumeWithContext(
		ctx context.Context,
		queue, consumer string,
		autoAck, exclusive, noLocal, noWait bool,
		args amqp.Table,
	) (<-chan amqp.Delivery, error)
	Close() error
}

// ConsumeChannelProvider opens a channel for one consume session.
// Connection.ConsumeChannel satisfies it.
type ConsumeChannelProvider func(ctx context.Context) (ConsumeChannel, error)

// Processor runs a handler at most once per message id. *inbox.Gate
// satisfies it.
type Processor interface {
	Process(ctx context.Context, msg inbox.Message, handler inbox.Handler) (inbox.Result, error)
}

// Disposition is what the consumer told the broker about a delivery.
type Disposition int

const (
	DispositionAck Disposition = iota + 1
	DispositionDeadLetter
	DispositionRequeue
)

func (d Disposition) String() string {
	switch d {
	case DispositionAck:
		return "ack"
	case DispositionDeadLetter:
		return "dead_letter"
	case DispositionRequeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// Consumer reads a queue with manual acks and passes every delivery through
// the inbox.
//
//   - processed and duplicate deliveries are acked
//   - failed handlers, unusable message ids and stranded duplicates (the
//     first delivery was stored but never handled) are rejected without
//     requeue, which dead-letters them when the queue has a DLX
//   - storage errors requeue the delivery
type Consumer struct {
	provider    ConsumeChannelProvider
	queue       string
	processor   Processor
	handler     inbox.Handler
	prefetch    int
	consumerTag string
	reconnect   backoff.Policy
	logger      libLog.Logger
}

type ConsumerOption func(*Consumer)

func WithConsumerLogger(logger libLog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if !nilcheck.IsNil(logger) {
			c.logger = logger
		}
	}
}

// WithPrefetch sets the channel QoS. Default 10.
func WithPrefetch(prefetch int) ConsumerOption {
	return func(c *Consumer) {
		if prefetch > 0 {
			c.prefetch = prefetch
		}
	}
}

func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithResubscribeBackoff spaces consume sessions after the channel drops.
func WithResubscribeBackoff(policy backoff.Policy) ConsumerOption {
	return func(c *Consumer) {
		if policy.Base > 0 {
			c.reconnect = policy
		}
	}
}

func NewConsumer(
	provider ConsumeChannelProvider,
	queue string,
	processor Processor,
	handler inbox.Handler,
	opts ...ConsumerOption,
) (*Consumer, error) {
	if provider == nil {
		return nil, ErrChannelProviderRequired
	}

	if queue == "" {
		return nil, ErrQueueRequired
	}

	if nilcheck.IsNil(processor) {
		return nil, ErrProcessorRequired
	}

	if handler == nil {
		return nil, ErrHandlerRequired
	}

	c := &Consumer{
		provider:  provider,
		queue:     queue,
		processor: processor,
		handler:   handler,
		prefetch:  defaultPrefetch,
		reconnect: backoff.Policy{Base: 500 * time.Millisecond, Max: 30 * time.Second},
		logger:    libLog.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c, nil
}

// Run implements courier.App.
func (c *Consumer) Run(launcher *courier.Launcher) error {
	return c.RunContext(launcher.Context())
}

// RunContext consumes until ctx is cancelled, opening a new channel each
// time the broker closes the current one.
func (c *Consumer) RunContext(ctx context.Context) error {
	failures := 0

	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}

		c.logger.Log(ctx, libLog.LevelWarn, "rabbitmq consume session ended",
			libLog.String("queue", c.queue),
			libLog.Err(err),
		)

		if err := backoff.Wait(ctx, c.reconnect.Delay(failures)); err != nil {
			return nil
		}

		failures++
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	ch, err := c.provider(ctx)
	if err != nil {
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}

	defer func() {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Log(ctx, libLog.LevelDebug, "close consume channel", libLog.Err(err))
		}
	}()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, c.queue, c.consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	c.logger.Log(ctx, libLog.LevelInfo, "consuming rabbitmq queue", libLog.String("queue", c.queue))

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}

			c.HandleDelivery(ctx, delivery)
		}
	}
}

// HandleDelivery runs one delivery through the inbox and settles it with the
// broker.
func (c *Consumer) HandleDelivery(ctx context.Context, delivery amqp.Delivery) Disposition {
	ctx = libOpentelemetry.ExtractTraceContextFromQueueHeaders(ctx, delivery.Headers)

	_, tracer, _ := courier.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "rabbitmq.consumer.handle", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	messageType := delivery.Type
	if messageType == "" {
		messageType = delivery.RoutingKey
	}

	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination.name", c.queue),
		attribute.String("messaging.message.id", delivery.MessageId),
	)

	disposition := c.decide(ctx, span, delivery, messageType)

	if err := settle(delivery, disposition); err != nil {
		libOpentelemetry.HandleSpanError(span, "settle delivery", err)

		c.logger.Log(ctx, libLog.LevelError, "settle rabbitmq delivery",
			libLog.String("message_id", delivery.MessageId),
			libLog.String("disposition", disposition.String()),
			libLog.Err(err),
		)
	}

	return disposition
}

func (c *Consumer) decide(ctx context.Context, span trace.Span, delivery amqp.Delivery, messageType string) Disposition {
	if delivery.MessageId == "" {
		c.logger.Log(ctx, libLog.LevelWarn, "rabbitmq delivery without message id",
			libLog.String("queue", c.queue),
			libLog.String("message_type", messageType),
		)

		return DispositionDeadLetter
	}

	result, err := c.processor.Process(ctx, inbox.Message{
		ID:      delivery.MessageId,
		Type:    messageType,
		Content: delivery.Body,
	}, c.handler)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "process delivery", err)

		if isUnusableMessage(err) {
			c.logger.Log(ctx, libLog.LevelWarn, "rejecting unusable rabbitmq delivery",
				libLog.String("message_id", delivery.MessageId),
				libLog.Err(err),
			)

			return DispositionDeadLetter
		}

		c.logger.Log(ctx, libLog.LevelError, "inbox unavailable, requeueing delivery",
			libLog.String("message_id", delivery.MessageId),
			libLog.Err(err),
		)

		return DispositionRequeue
	}

	if result.Stranded() {
		c.logger.Log(ctx, libLog.LevelWarn, "dead-lettering redelivery of a never handled message",
			libLog.String("message_id", delivery.MessageId),
			libLog.String("message_type", messageType),
		)

		return DispositionDeadLetter
	}

	switch result.Outcome {
	case inbox.OutcomeProcessed, inbox.OutcomeDuplicate:
		return DispositionAck
	case inbox.OutcomeFailed:
		return DispositionDeadLetter
	default:
		return DispositionRequeue
	}
}

func isUnusableMessage(err error) bool {
	return errors.Is(err, inbox.ErrIDRequired) ||
		errors.Is(err, inbox.ErrIDTooLong) ||
		errors.Is(err, inbox.ErrMessageTypeRequired)
}

func settle(delivery amqp.Delivery, disposition Disposition) error {
	switch disposition {
	case DispositionAck:
		return delivery.Ack(false)
	case DispositionDeadLetter:
		return delivery.Nack(false, false)
	default:
		return delivery.Nack(false, true)
	}
}
