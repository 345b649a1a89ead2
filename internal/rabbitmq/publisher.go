package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes on one long-lived channel. The channel is opened lazily
// and replaced when the broker closes it, so a publish after a reconnect does
// not need any caller involvement.
type Publisher struct {
	channels       ChannelProvider
	confirm        bool
	publishTimeout time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	ch     *amqp.Channel
	closed bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirms enables publisher confirms
func WithConfirms(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirm = enabled
	}
}

// WithPublishTimeout bounds a publish when the caller's context has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(channels ChannelProvider, options ...PublisherOption) *Publisher {
	p := &Publisher{
		channels:       channels,
		confirm:        true,
		publishTimeout: 10 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg and, with confirms enabled, waits for the broker ack.
// Any failure drops the channel so the next publish opens a fresh one.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrPublisherClosed}
	}

	ch, err := p.channel()
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	if err := p.publish(ctx, ch, exchange, routingKey, msg); err != nil {
		p.drop()
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, ch *amqp.Channel, exchange, routingKey string, msg amqp.Publishing) error {
	if !p.confirm {
		return ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return err
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrPublishNotConfirmed
	}
	return nil
}

// channel returns the publishing channel, opening one if needed; caller holds p.mu
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	ch, err := p.channels.Channel()
	if err != nil {
		return nil, err
	}

	if p.confirm {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, &ChannelError{Op: "confirm", Err: err}
		}
	}

	p.ch = ch
	p.logger.Debug("publishing channel opened", "confirm", p.confirm)
	return ch, nil
}

// drop closes the current channel; caller holds p.mu
func (p *Publisher) drop() {
	if p.ch != nil {
		if !p.ch.IsClosed() {
			p.ch.Close()
		}
		p.ch = nil
	}
}

// Close closes the publishing channel; calling it again is a no-op
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.ch != nil && !p.ch.IsClosed() {
		err := p.ch.Close()
		p.ch = nil
		return err
	}
	p.ch = nil
	return nil
}
