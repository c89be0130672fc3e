//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeConfirmChannel confirms each publish according to reply. A nil reply
// acks everything; returning ok=false leaves the publish unconfirmed.
type fakeConfirmChannel struct {
	mu         sync.Mutex
	confirmErr error
	publishErr error
	reply      func(tag uint64) (ack bool, ok bool)
	confirms   chan amqp.Confirmation
	closeCh    chan *amqp.Error
	published  []publishedMessage
	nextTag    uint64
	closed     bool
	closeCalls int
}

type publishedMessage struct {
	exchange   string
	routingKey string
	msg        amqp.Publishing
}

func (f *fakeConfirmChannel) Confirm(bool) error { return f.confirmErr }

func (f *fakeConfirmChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = confirm

	return confirm
}

func (f *fakeConfirmChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.closeCh = c

	return c
}

func (f *fakeConfirmChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return amqp.ErrClosed
	}

	if f.publishErr != nil {
		return f.publishErr
	}

	f.nextTag++
	f.published = append(f.published, publishedMessage{exchange: exchange, routingKey: key, msg: msg})

	ack, ok := true, true
	if f.reply != nil {
		ack, ok = f.reply(f.nextTag)
	}

	if ok {
		f.confirms <- amqp.Confirmation{DeliveryTag: f.nextTag, Ack: ack}
	}

	return nil
}

func (f *fakeConfirmChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closeCalls++

	if f.closed {
		return amqp.ErrClosed
	}

	f.closed = true

	return nil
}

// dropFromBroker simulates the server closing the channel.
func (f *fakeConfirmChannel) dropFromBroker() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	f.closeCh <- &amqp.Error{Code: amqp.ChannelError, Reason: "channel closed by broker"}
}

func (f *fakeConfirmChannel) messages() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]publishedMessage(nil), f.published...)
}

// fakeAcknowledger records how each delivery was settled.
type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    []uint64
	nacks   []uint64
	requeue []bool
	err     error
}

func (f *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.acks = append(f.acks, tag)

	return f.err
}

func (f *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nacks = append(f.nacks, tag)
	f.requeue = append(f.requeue, requeue)

	return f.err
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func (f *fakeAcknowledger) counts() (acks, nacks int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.acks), len(f.nacks)
}

// fakeConsumeChannel serves deliveries from a channel the test controls.
type fakeConsumeChannel struct {
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	qosErr     error
	consumeErr error
	prefetch   int
	queue      string
	closed     bool
}

func (f *fakeConsumeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.prefetch = prefetchCount

	return f.qosErr
}

func (f *fakeConsumeChannel) ConsumeWithContext(
	_ context.Context,
	queue, _ string,
	autoAck, _, _, _ bool,
	_ amqp.Table,
) (<-chan amqp.Delivery, error) {
	if autoAck {
		return nil, errors.New("consumer must settle deliveries manually")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.queue = queue

	if f.consumeErr != nil {
		return nil, f.consumeErr
	}

	return f.deliveries, nil
}

func (f *fakeConsumeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

func (f *fakeConsumeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}
