package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/runtime"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrPublisherRequired      = errors.New("confirmable publisher is required")
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("publisher is closed")
)

const (
	// DefaultConfirmTimeout bounds the wait for one broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	confirmChannelBuffer = 256
)

// ConfirmableChannel is the slice of *amqp.Channel a publisher needs.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Close() error
}

// ConfirmablePublisher owns one channel in confirm mode and publishes one
// message at a time, waiting for the broker ack before returning.
//
// A publisher does not recover. Once the channel closes, or a confirm is
// lost to a timeout, it stays closed and the owner opens a new one.
type ConfirmablePublisher struct {
	ch             ConfirmableChannel
	confirms       chan amqp.Confirmation
	closedCh       chan struct{}
	closeOnce      sync.Once
	logger         libLog.Logger
	confirmTimeout time.Duration

	mu        sync.RWMutex
	publishMu sync.Mutex
	closed    bool
}

type PublisherOption func(*ConfirmablePublisher)

func WithPublisherLogger(logger libLog.Logger) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		if !nilcheck.IsNil(logger) {
			pub.logger = logger
		}
	}
}

// WithConfirmTimeout overrides DefaultConfirmTimeout. Non-positive values are ignored.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

// NewConfirmablePublisher puts ch into confirm mode.
func NewConfirmablePublisher(ch ConfirmableChannel, opts ...PublisherOption) (*ConfirmablePublisher, error) {
	if nilcheck.IsNil(ch) {
		return nil, ErrChannelRequired
	}

	pub := &ConfirmablePublisher{
		ch:             ch,
		closedCh:       make(chan struct{}),
		logger:         libLog.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	pub.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))
	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	go pub.monitorClose(closeNotify)

	return pub, nil
}

func (pub *ConfirmablePublisher) monitorClose(closeNotify <-chan *amqp.Error) {
	defer runtime.RecoverAndLog(context.Background(), pub.logger, "rabbitmq.publisher.monitor_close")

	select {
	case amqpErr, ok := <-closeNotify:
		if ok && amqpErr != nil {
			pub.logger.Log(context.Background(), libLog.LevelWarn, "rabbitmq publisher channel closed",
				libLog.Int("code", amqpErr.Code),
				libLog.String("reason", amqpErr.Reason),
			)
		}

		pub.markClosed()
	case <-pub.closedCh:
	}
}

func (pub *ConfirmablePublisher) markClosed() {
	pub.mu.Lock()
	pub.closed = true
	pub.mu.Unlock()

	pub.closeOnce.Do(func() { close(pub.closedCh) })
}

// IsClosed reports whether the publisher can no longer publish.
func (pub *ConfirmablePublisher) IsClosed() bool {
	if pub == nil {
		return true
	}

	pub.mu.RLock()
	defer pub.mu.RUnlock()

	return pub.closed
}

// PublishAndWaitConfirm sends msg and waits for the broker confirmation.
// Calls are serialized so the next confirm on the stream always belongs to
// the message just sent.
func (pub *ConfirmablePublisher) PublishAndWaitConfirm(
	ctx context.Context,
	exchange, routingKey string,
	msg amqp.Publishing,
) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	if pub.IsClosed() {
		return ErrPublisherClosed
	}

	if err := pub.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err := waitForConfirm(ctx, pub.confirms, pub.closedCh, pub.confirmTimeout)
	if err != nil && isConfirmStreamCorrupted(err) {
		// A confirm may still arrive for this message and would be read as
		// the answer to the next one.
		pub.invalidate()
	}

	return err
}

func isConfirmStreamCorrupted(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (pub *ConfirmablePublisher) invalidate() {
	pub.markClosed()

	if err := pub.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		pub.logger.Log(context.Background(), libLog.LevelWarn, "close invalidated rabbitmq channel", libLog.Err(err))
	}
}

func waitForConfirm(
	ctx context.Context,
	confirms <-chan amqp.Confirmation,
	closedCh <-chan struct{},
	confirmTimeout time.Duration,
) error {
	timeout := time.NewTimer(confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case <-closedCh:
		return ErrPublisherClosed

	case <-timeout.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Close closes the channel. It is safe to call more than once.
func (pub *ConfirmablePublisher) Close() error {
	if pub == nil {
		return ErrPublisherRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()
	alreadyClosed := pub.closed
	pub.closed = true
	pub.mu.Unlock()

	pub.closeOnce.Do(func() { close(pub.closedCh) })

	if alreadyClosed {
		return nil
	}

	if err := pub.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close publisher channel: %w", err)
	}

	return nil
}
