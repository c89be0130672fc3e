package rabbitmq

import (
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange        = "courier.events"
	DefaultDLXExchangeName = "courier.dlx"
	DefaultDLQName         = "courier.dlq"

	topicExchange      = "topic"
	matchAllRoutingKey = "#"
)

var (
	ErrQueueRequired    = errors.New("rabbitmq queue name is required")
	ErrExchangeRequired = errors.New("rabbitmq exchange name is required")
)

// AMQPChannel is the declaring side of *amqp.Channel.
type AMQPChannel interface {
	ExchangeDeclare(
		name, kind string,
		durable, autoDelete, internal, noWait bool,
		args amqp.Table,
	) error
	QueueDeclare(
		name string,
		durable, autoDelete, exclusive, noWait bool,
		args amqp.Table,
	) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology names the exchanges and queues a consumer reads from. Messages a
// consumer rejects without requeue land in DLQName through DLXExchangeName.
type Topology struct {
	Exchange        string
	Queue           string
	BindingKeys     []string
	DLXExchangeName string
	DLQName         string
	DLQMessageTTL   time.Duration
	DLQMaxLength    int64
}

type TopologyOption func(*Topology)

// WithBindingKeys replaces the default "#" binding.
func WithBindingKeys(keys ...string) TopologyOption {
	return func(t *Topology) {
		if len(keys) > 0 {
			t.BindingKeys = keys
		}
	}
}

func WithDLXExchangeName(name string) TopologyOption {
	return func(t *Topology) {
		if name != "" {
			t.DLXExchangeName = name
		}
	}
}

func WithDLQName(name string) TopologyOption {
	return func(t *Topology) {
		if name != "" {
			t.DLQName = name
		}
	}
}

// WithDLQMessageTTL sets x-message-ttl on the dead-letter queue.
func WithDLQMessageTTL(ttl time.Duration) TopologyOption {
	return func(t *Topology) {
		if ttl > 0 {
			t.DLQMessageTTL = ttl
		}
	}
}

// WithDLQMaxLength sets x-max-length on the dead-letter queue.
func WithDLQMaxLength(maxLength int64) TopologyOption {
	return func(t *Topology) {
		if maxLength > 0 {
			t.DLQMaxLength = maxLength
		}
	}
}

// NewTopology fills the defaults around exchange and queue.
func NewTopology(exchange, queue string, opts ...TopologyOption) (Topology, error) {
	if exchange == "" {
		return Topology{}, ErrExchangeRequired
	}

	if queue == "" {
		return Topology{}, ErrQueueRequired
	}

	t := Topology{
		Exchange:        exchange,
		Queue:           queue,
		BindingKeys:     []string{matchAllRoutingKey},
		DLXExchangeName: DefaultDLXExchangeName,
		DLQName:         DefaultDLQName,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&t)
		}
	}

	return t, nil
}

func (t Topology) dlqArgs() amqp.Table {
	args := make(amqp.Table)

	if t.DLQMessageTTL > 0 {
		args["x-message-ttl"] = max(t.DLQMessageTTL.Milliseconds(), 1)
	}

	if t.DLQMaxLength > 0 {
		args["x-max-length"] = t.DLQMaxLength
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

// Declare creates, idempotently, the durable event exchange, the dead-letter
// exchange and queue, and the consumer queue bound to the event exchange
// with dead-lettering pointed at the DLX.
func (t Topology) Declare(ch AMQPChannel) error {
	if nilcheck.IsNil(ch) {
		return fmt.Errorf("declare topology: %w", ErrChannelRequired)
	}

	if err := DeclareExchange(ch, t.Exchange); err != nil {
		return err
	}

	if err := t.declareDeadLetter(ch); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, DeadLetterArgs(t.DLXExchangeName)); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}

	for _, key := range t.BindingKeys {
		if err := ch.QueueBind(t.Queue, key, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s with %q: %w", t.Queue, t.Exchange, key, err)
		}
	}

	return nil
}

func (t Topology) declareDeadLetter(ch AMQPChannel) error {
	if err := ch.ExchangeDeclare(t.DLXExchangeName, topicExchange, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(t.DLQName, true, false, false, false, t.dlqArgs()); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}

	if err := ch.QueueBind(t.DLQName, matchAllRoutingKey, t.DLXExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	return nil
}

// DeclareExchange declares the durable topic exchange the bus publishes to.
func DeclareExchange(ch AMQPChannel, exchange string) error {
	if nilcheck.IsNil(ch) {
		return fmt.Errorf("declare exchange: %w", ErrChannelRequired)
	}

	if exchange == "" {
		return ErrExchangeRequired
	}

	if err := ch.ExchangeDeclare(exchange, topicExchange, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return nil
}

// DeadLetterArgs returns the queue arguments that route rejected messages to
// dlxExchangeName.
func DeadLetterArgs(dlxExchangeName string) amqp.Table {
	if dlxExchangeName == "" {
		dlxExchangeName = DefaultDLXExchangeName
	}

	return amqp.Table{
		"x-dead-letter-exchange": dlxExchangeName,
	}
}
