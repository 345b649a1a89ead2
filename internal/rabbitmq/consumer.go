package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery. A nil return acks the delivery, an
// error nacks it with requeue.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// SetupFunc runs before every consume, including the ones after a reconnect
type SetupFunc func(ctx context.Context, queue string) error

// Consumer opens one channel per subscription so subscriptions never share
// flow control with each other or with the publisher.
type Consumer struct {
	manager        *ConnectionManager
	prefetchCount  int
	handlerTimeout time.Duration
	retryDelay     time.Duration
	setup          SetupFunc
	logger         *slog.Logger

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the unacknowledged message limit per subscription
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithHandlerTimeout bounds each handler invocation
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithResubscribeDelay sets the wait between failed resubscribe attempts
func WithResubscribeDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.retryDelay = delay
	}
}

// WithSetup registers a hook that runs before each consume
func WithSetup(setup SetupFunc) ConsumerOption {
	return func(c *Consumer) {
		c.setup = setup
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:        manager,
		prefetchCount:  1,
		handlerTimeout: 30 * time.Second,
		retryDelay:     time.Second,
		logger:         slog.Default(),
		subs:           make(map[string]*Subscription),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscription is an active consumer on one queue
type Subscription struct {
	Queue       string
	ConsumerTag string

	cancel context.CancelFunc
	done   chan struct{}

	mu sync.Mutex
	ch *amqp.Channel
}

// Done is closed once the subscription goroutine has exited
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) setChannel(ch *amqp.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch = ch
}

func (s *Subscription) closeChannel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil && !s.ch.IsClosed() {
		s.ch.Close()
	}
	s.ch = nil
}

// Subscribe starts consuming from queue. The first consume happens before
// Subscribe returns so configuration errors surface to the caller; later
// channel losses are recovered in the background.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) (*Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &ConsumerError{Queue: queue, Op: "subscribe", Err: ErrConsumerClosed}
	}
	if _, exists := c.subs[queue]; exists {
		c.mu.Unlock()
		return nil, &ConsumerError{Queue: queue, Op: "subscribe", Err: ErrAlreadySubscribed}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		Queue:       queue,
		ConsumerTag: fmt.Sprintf("%s-%s", queue, uuid.New().String()[:8]),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	c.subs[queue] = sub
	c.mu.Unlock()

	deliveries, err := c.consume(subCtx, sub)
	if err != nil {
		cancel()
		c.forget(sub)
		close(sub.done)
		return nil, err
	}

	go c.run(subCtx, sub, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", sub.ConsumerTag,
		"prefetchCount", c.prefetchCount,
	)

	return sub, nil
}

// consume opens a dedicated channel and starts a consumer on it
func (c *Consumer) consume(ctx context.Context, sub *Subscription) (<-chan amqp.Delivery, error) {
	if c.setup != nil {
		if err := c.setup(ctx, sub.Queue); err != nil {
			return nil, &ConsumerError{Queue: sub.Queue, ConsumerTag: sub.ConsumerTag, Op: "setup", Err: err}
		}
	}

	ch, err := c.manager.Channel()
	if err != nil {
		return nil, &ConsumerError{Queue: sub.Queue, ConsumerTag: sub.ConsumerTag, Op: "open channel", Err: err}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, &ConsumerError{Queue: sub.Queue, ConsumerTag: sub.ConsumerTag, Op: "qos", Err: err}
	}

	deliveries, err := ch.Consume(
		sub.Queue,
		sub.ConsumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, &ConsumerError{Queue: sub.Queue, ConsumerTag: sub.ConsumerTag, Op: "consume", Err: err}
	}

	sub.setChannel(ch)
	return deliveries, nil
}

// run processes deliveries until ctx is done, re-consuming after channel loss
func (c *Consumer) run(ctx context.Context, sub *Subscription, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		sub.closeChannel()
		c.forget(sub)
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.Queue)
	}()

	for {
		c.process(ctx, sub, deliveries, handler)
		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("delivery channel closed, resubscribing", "queue", sub.Queue)
		sub.closeChannel()

		var err error
		deliveries, err = c.resubscribe(ctx, sub)
		if err != nil {
			return
		}
	}
}

func (c *Consumer) process(ctx context.Context, sub *Subscription, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			if err := c.handle(ctx, delivery, handler); err != nil {
				c.logger.Error("failed to handle message",
					"error", err,
					"queue", sub.Queue,
					"messageId", delivery.MessageId,
				)
			}
		}
	}
}

// resubscribe waits for the connection and consumes again, retrying until ctx is done
func (c *Consumer) resubscribe(ctx context.Context, sub *Subscription) (<-chan amqp.Delivery, error) {
	for {
		if err := c.manager.WaitConnected(ctx); err != nil {
			return nil, err
		}

		deliveries, err := c.consume(ctx, sub)
		if err == nil {
			c.logger.Info("resubscribed to queue", "queue", sub.Queue)
			return deliveries, nil
		}
		c.logger.Error("resubscribe failed", "queue", sub.Queue, "error", err)

		select {
		case <-time.After(c.retryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// handle runs the handler and settles the delivery
func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) error {
	msgCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	err := handler(msgCtx, delivery)
	if err != nil {
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message",
				"error", nackErr,
				"originalError", err,
			)
		}
		return err
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "error", ackErr)
		return ackErr
	}
	return nil
}

func (c *Consumer) forget(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.subs[sub.Queue]; ok && current == sub {
		delete(c.subs, sub.Queue)
	}
}

// Unsubscribe stops the subscription and waits for its goroutine
func (c *Consumer) Unsubscribe(sub *Subscription) {
	sub.cancel()
	sub.closeChannel()
	<-sub.done
}

// Close stops every subscription; calling it again is a no-op
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			c.Unsubscribe(sub)
		}(sub)
	}
	wg.Wait()
	return nil
}

// DeliveryCount returns how many times the broker delivered this message
// before, from the quorum queue x-delivery-count header or the x-death count
func DeliveryCount(delivery amqp.Delivery) int {
	if n, ok := headerInt(delivery.Headers["x-delivery-count"]); ok {
		return n
	}
	if deaths, ok := delivery.Headers["x-death"].([]interface{}); ok && len(deaths) > 0 {
		if death, ok := deaths[0].(amqp.Table); ok {
			if n, ok := headerInt(death["count"]); ok {
				return n
			}
		}
	}
	return 0
}

func headerInt(v interface{}) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int16:
		return int(val), true
	case int32:
		return int(val), true
	case int64:
		return int(val), true
	}
	return 0, false
}
