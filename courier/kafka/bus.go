package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	libOpentelemetry "github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	HeaderMessageID   = "message-id"
	HeaderMessageType = "message-type"
	HeaderAttempt     = "x-courier-attempt"
)

var (
	ErrBrokersRequired  = errors.New("kafka brokers are required")
	ErrTopicRequired    = errors.New("kafka topic is required")
	ErrProducerRequired = errors.New("kafka producer is required")
)

// Config describes the producer client. Brokers is a comma separated list.
type Config struct {
	Brokers         string
	ClientID        string
	Acks            string
	DeliveryTimeout time.Duration
	AutoCreateTopic bool
}

// NewClient builds an idempotent producer client. Acks "0" and "1" select
// no ack and leader ack; anything else waits for all in-sync replicas.
func NewClient(cfg Config) (*kgo.Client, error) {
	brokers := splitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, ErrBrokersRequired
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ProducerLinger(5 * time.Millisecond),
	}

	switch cfg.Acks {
	case "0":
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	case "1":
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	default:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}

	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.DeliveryTimeout > 0 {
		opts = append(opts, kgo.RecordDeliveryTimeout(cfg.DeliveryTimeout))
	}

	if cfg.AutoCreateTopic {
		opts = append(opts, kgo.AllowAutoTopicCreation())
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return client, nil
}

func splitBrokers(raw string) []string {
	var brokers []string

	for _, broker := range strings.Split(raw, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}

	return brokers
}

// Producer is the part of *kgo.Client the bus uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Bus publishes outbox messages to a topic and returns once the broker has
// acknowledged the record. It implements outbox.Bus.
type Bus struct {
	producer Producer
	topic    func(outbox.Message) string
	logger   libLog.Logger
}

var _ outbox.Bus = (*Bus)(nil)

type Option func(*Bus)

func WithLogger(logger libLog.Logger) Option {
	return func(b *Bus) {
		if !nilcheck.IsNil(logger) {
			b.logger = logger
		}
	}
}

// WithTopicFunc routes each message to the topic fn returns, overriding the
// fixed topic.
func WithTopicFunc(fn func(outbox.Message) string) Option {
	return func(b *Bus) {
		if fn != nil {
			b.topic = fn
		}
	}
}

func NewBus(producer Producer, topic string, opts ...Option) (*Bus, error) {
	if nilcheck.IsNil(producer) {
		return nil, ErrProducerRequired
	}

	if topic == "" {
		return nil, ErrTopicRequired
	}

	b := &Bus{
		producer: producer,
		topic:    func(outbox.Message) string { return topic },
		logger:   libLog.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	return b, nil
}

// Publish produces msg synchronously. Encoding failures and records the
// broker can never accept wrap outbox.ErrPermanent; everything else is
// transient.
func (b *Bus) Publish(ctx context.Context, msg outbox.Message) error {
	_, tracer, _ := courier.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "kafka.bus.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	topic := b.topic(msg)

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination.name", topic),
		attribute.String("messaging.message.id", msg.ID.String()),
	)

	value, err := json.Marshal(msg.Payload)
	if err != nil {
		err = fmt.Errorf("encode %s payload: %w: %w", msg.Type, outbox.ErrPermanent, err)
		libOpentelemetry.HandleSpanError(span, "encode payload", err)

		return err
	}

	id := msg.ID.String()

	headers := []kgo.RecordHeader{
		{Key: HeaderMessageID, Value: []byte(id)},
		{Key: HeaderMessageType, Value: []byte(msg.Type)},
		{Key: HeaderAttempt, Value: []byte(strconv.Itoa(msg.Attempt))},
	}

	for key, val := range libOpentelemetry.InjectQueueTraceContext(ctx) {
		headers = append(headers, kgo.RecordHeader{Key: key, Value: []byte(val)})
	}

	record := &kgo.Record{
		Topic:     topic,
		Key:       []byte(id),
		Value:     value,
		Headers:   headers,
		Timestamp: msg.OccurredOnUTC,
	}

	produced, err := b.producer.ProduceSync(ctx, record).First()
	if err != nil {
		if isPermanent(err) {
			err = fmt.Errorf("%w: %w", outbox.ErrPermanent, err)
		}

		libOpentelemetry.HandleSpanError(span, "produce record", err)

		return fmt.Errorf("produce %s to %s: %w", id, topic, err)
	}

	span.SetAttributes(
		attribute.Int("messaging.kafka.destination.partition", int(produced.Partition)),
		attribute.Int64("messaging.kafka.message.offset", produced.Offset),
	)

	return nil
}

func isPermanent(err error) bool {
	return errors.Is(err, kerr.MessageTooLarge) ||
		errors.Is(err, kerr.RecordListTooLarge) ||
		errors.Is(err, kerr.InvalidRecord) ||
		errors.Is(err, kerr.CorruptMessage)
}
