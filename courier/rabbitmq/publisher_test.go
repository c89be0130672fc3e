//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfirmablePublisher_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewConfirmablePublisher(nil)
	require.ErrorIs(t, err, ErrChannelRequired)

	var typedNil *fakeConfirmChannel
	_, err = NewConfirmablePublisher(typedNil)
	require.ErrorIs(t, err, ErrChannelRequired)

	_, err = NewConfirmablePublisher(&fakeConfirmChannel{confirmErr: errors.New("not supported")})
	require.ErrorIs(t, err, ErrConfirmModeUnavailable)
}

func TestPublishAndWaitConfirm_Ack(t *testing.T) {
	t.Parallel()

	ch := &fakeConfirmChannel{}
	pub, err := NewConfirmablePublisher(ch)
	require.NoError(t, err)

	err = pub.PublishAndWaitConfirm(context.Background(), "shop.events", "OrderPlaced", amqp.Publishing{MessageId: "m-1"})
	require.NoError(t, err)

	msgs := ch.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "shop.events", msgs[0].exchange)
	assert.Equal(t, "OrderPlaced", msgs[0].routingKey)
	assert.Equal(t, "m-1", msgs[0].msg.MessageId)
	assert.False(t, pub.IsClosed())
}

func TestPublishAndWaitConfirm_NackKeepsPublisherUsable(t *testing.T) {
	t.Parallel()

	ch := &fakeConfirmChannel{reply: func(tag uint64) (bool, bool) { return tag != 1, true }}
	pub, err := NewConfirmablePublisher(ch)
	require.NoError(t, err)

	err = pub.PublishAndWaitConfirm(context.Background(), "x", "k", amqp.Publishing{})
	require.ErrorIs(t, err, ErrPublishNacked)
	assert.False(t, pub.IsClosed())

	require.NoError(t, pub.PublishAndWaitConfirm(context.Background(), "x", "k", amqp.Publishing{}))
}

func TestPublishAndWaitConfirm_TimeoutInvalidatesChannel(t *testing.T) {
	t.Parallel()

	ch := &fakeConfirmChannel{reply: func(uint64) (bool, bool) { return false, false }}
	pub, err := NewConfirmablePublisher(ch, WithConfirmTimeout(20*time.Millisecond))
	require.NoError(t, err)

	err = pub.PublishAndWaitConfirm(context.Background(), "x", "k", amqp.Publishing{})
	require.ErrorIs(t, err, ErrConfirmTimeout)
	assert.True(t, pub.IsClosed())
	assert.Equal(t, 1, ch.closeCalls)

	err = pub.PublishAndWaitConfirm(context.Background(), "x", "k", amqp.Publishing{})
	require.ErrorIs(t, err, ErrPublisherClosed)
	assert.Len(t, ch.messages(), 1)
}

func TestPublishAndWaitConfirm_CancelledContextInvalidatesChannel(t *testing.T) {
	t.Parallel()

	ch := &fakeConfirmChannel{reply: func(uint64) (bool, bool) { return false, false }}
	pub, err := NewConfirmablePublisher(ch)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = pub.PublishAndWaitConfirm(ctx, "x", "k", amqp.Publishing{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, pub.IsClosed())
}

func TestPublishAndWaitConfirm_PublishError(t *testing.T) {
	t.Parallel()

	boom := errors.New("frame error")
	pub, err := NewConfirmablePublisher(&fakeConfirmChannel{publishErr: boom})
	require.NoError(t, err)

	err = pub.PublishAndWaitConfirm(context.Background(), "x", "k", amqp.Publishing{})
	require.ErrorIs(t, err, boom)
}

func TestConfirmablePublisher_BrokerCloseMarksClosed(t *testing.T) {
	t.Parallel()

	ch := &fakeConfirmChannel{}
	pub, err := NewConfirmablePublisher(ch)
	require.NoError(t, err)

	ch.dropFromBroker()

	require.Eventually(t, pub.IsClosed, time.Second, 5*time.Millisecond)

	err = pub.PublishAndWaitConfirm(context.Background(), "x", "k", amqp.Publishing{})
	require.ErrorIs(t, err, ErrPublisherClosed)
}

func TestConfirmablePublisher_Close(t *testing.T) {
	t.Parallel()

	ch := &fakeConfirmChannel{}
	pub, err := NewConfirmablePublisher(ch)
	require.NoError(t, err)

	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())
	assert.Equal(t, 1, ch.closeCalls)
	assert.True(t, pub.IsClosed())

	var nilPub *ConfirmablePublisher
	require.ErrorIs(t, nilPub.Close(), ErrPublisherRequired)
	require.ErrorIs(t, nilPub.PublishAndWaitConfirm(context.Background(), "x", "k", amqp.Publishing{}), ErrPublisherRequired)
	assert.True(t, nilPub.IsClosed())
}
