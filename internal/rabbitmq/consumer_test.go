package rabbitmq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingChannels struct {
	err   error
	calls int
}

func (f *failingChannels) Channel() (*amqp.Channel, error) {
	f.calls++
	return nil, f.err
}

func TestConsumer(t *testing.T) {
	noop := func(context.Context, amqp.Delivery) error { return nil }

	t.Run("defaults to prefetch one", func(t *testing.T) {
		c := NewConsumer(NewConnectionManager("amqp://localhost:5672"))
		assert.Equal(t, 1, c.prefetchCount)
	})

	t.Run("subscribe without connection fails", func(t *testing.T) {
		c := NewConsumer(NewConnectionManager("amqp://localhost:5672"))

		sub, err := c.Subscribe(context.Background(), "lead-evaluation-queue", noop)
		assert.Nil(t, sub)

		var consumerErr *ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "open channel", consumerErr.Op)
		assert.ErrorIs(t, err, ErrConnectionNotReady)
	})

	t.Run("setup failure surfaces", func(t *testing.T) {
		setupErr := errors.New("declare failed")
		var setupQueue string
		c := NewConsumer(NewConnectionManager("amqp://localhost:5672"),
			WithSetup(func(ctx context.Context, queue string) error {
				setupQueue = queue
				return setupErr
			}))

		_, err := c.Subscribe(context.Background(), "lead-storage-queue", noop)
		assert.ErrorIs(t, err, setupErr)
		assert.Equal(t, "lead-storage-queue", setupQueue)
	})

	t.Run("closed consumer rejects subscriptions", func(t *testing.T) {
		c := NewConsumer(NewConnectionManager("amqp://localhost:5672"))
		assert.NoError(t, c.Close())
		assert.NoError(t, c.Close())

		_, err := c.Subscribe(context.Background(), "q", noop)
		assert.ErrorIs(t, err, ErrConsumerClosed)
	})
}

func TestDeliveryCount(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{"no headers", nil, 0},
		{"quorum delivery count", amqp.Table{"x-delivery-count": int64(3)}, 3},
		{"x-death count", amqp.Table{"x-death": []interface{}{amqp.Table{"count": int64(2)}}}, 2},
		{"unexpected type", amqp.Table{"x-delivery-count": "3"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeliveryCount(amqp.Delivery{Headers: tt.headers}))
		})
	}
}

func TestTopologyManager(t *testing.T) {
	t.Run("channel errors are returned", func(t *testing.T) {
		channels := &failingChannels{err: errors.New("no connection")}
		tm := NewTopologyManager(channels, "lead_system_exchange")

		assert.Equal(t, "lead_system_exchange", tm.Exchange())
		assert.Error(t, tm.EnsureQueue(context.Background(), "lead-evaluation-queue"))
		assert.Error(t, tm.EnsureQueues(context.Background(), "a", "b"))
		assert.Equal(t, 2, channels.calls)

		_, err := tm.Inspect(context.Background(), "lead-evaluation-queue")
		assert.Error(t, err)
	})

	t.Run("cancelled context skips the broker", func(t *testing.T) {
		channels := &failingChannels{err: errors.New("no connection")}
		tm := NewTopologyManager(channels, "")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, tm.EnsureQueue(ctx, "q"), context.Canceled)
		assert.Equal(t, 0, channels.calls)
	})

	t.Run("durable queue declaration", func(t *testing.T) {
		q := DurableQueue("lead-storage-queue-result")
		assert.True(t, q.Durable)
		assert.False(t, q.AutoDelete)
		assert.False(t, q.Exclusive)
	})
}

func TestPublisher(t *testing.T) {
	t.Run("channel errors become publish errors", func(t *testing.T) {
		p := NewPublisher(&failingChannels{err: errors.New("no connection")})

		err := p.Publish(context.Background(), "lead_system_exchange", "lead-storage-queue", amqp.Publishing{})

		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "lead-storage-queue", pubErr.RoutingKey)
	})

	t.Run("closed publisher rejects publishes", func(t *testing.T) {
		p := NewPublisher(&failingChannels{})
		assert.NoError(t, p.Close())
		assert.NoError(t, p.Close())

		err := p.Publish(context.Background(), "", "q", amqp.Publishing{})
		assert.ErrorIs(t, err, ErrPublisherClosed)
	})
}
