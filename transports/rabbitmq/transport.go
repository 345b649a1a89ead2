// Package rabbitmq implements messaging.Transport on a RabbitMQ broker.
package rabbitmq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kiarashjv/SaaS-LeadSystem/contracts"
	"github.com/kiarashjv/SaaS-LeadSystem/internal/rabbitmq"
	"github.com/kiarashjv/SaaS-LeadSystem/internal/reliability"
	"github.com/kiarashjv/SaaS-LeadSystem/messaging"
)

// Transport implements messaging.Transport for RabbitMQ. Every queue is
// durable and bound to one direct exchange with its own name as routing key.
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer

	counter    *reliability.DeliveryCounter
	errorStore reliability.ErrorStore
	logger     *slog.Logger

	stopSweep chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Exchange          string
	MaxDeliveries     int
	SweepInterval     time.Duration
	ErrorStore        reliability.ErrorStore
	Logger            *slog.Logger
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithExchange sets the exchange name; "" publishes straight to queues
func WithExchange(name string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Exchange = name
	}
}

// WithMaxDeliveries sets how many failed deliveries a message gets before it
// is moved to its dead-letter queue
func WithMaxDeliveries(n int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.MaxDeliveries = n
	}
}

// WithErrorStore records dead lettered messages
func WithErrorStore(store reliability.ErrorStore) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ErrorStore = store
	}
}

// WithTransportLogger sets the logger for the transport and its components
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// NewTransport connects to the broker at url
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		Exchange:      "lead_system_exchange",
		MaxDeliveries: 5,
		SweepInterval: time.Minute,
		Logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.ErrorStore == nil {
		cfg.ErrorStore = reliability.NewInMemoryErrorStore()
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, &messaging.TransportError{Op: "connect", Err: err}
	}

	return newTransport(manager, cfg), nil
}

func newTransport(manager *rabbitmq.ConnectionManager, cfg *TransportConfig) *Transport {
	topology := rabbitmq.NewTopologyManager(manager, cfg.Exchange)

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	consOpts := append([]rabbitmq.ConsumerOption{
		rabbitmq.WithConsumerLogger(cfg.Logger),
		rabbitmq.WithSetup(topology.EnsureQueue),
	}, cfg.ConsumerOptions...)

	t := &Transport{
		manager:    manager,
		topology:   topology,
		publisher:  rabbitmq.NewPublisher(manager, pubOpts...),
		consumer:   rabbitmq.NewConsumer(manager, consOpts...),
		counter:    reliability.NewDeliveryCounter(cfg.MaxDeliveries, 10*cfg.SweepInterval),
		errorStore: cfg.ErrorStore,
		logger:     cfg.Logger,
		stopSweep:  make(chan struct{}),
	}

	manager.AddStateListener(&topologyReset{topology: topology, logger: cfg.Logger})
	go t.sweep(cfg.SweepInterval)
	return t
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, queue string, env *contracts.Envelope) error {
	if err := t.topology.EnsureQueue(ctx, queue); err != nil {
		return &messaging.TransportError{Op: "declare", Queue: queue, Err: err}
	}

	msg, err := toPublishing(env)
	if err != nil {
		return &messaging.TransportError{Op: "publish", Queue: queue, Err: err}
	}

	if err := t.publisher.Publish(ctx, t.topology.Exchange(), queue, msg); err != nil {
		return &messaging.TransportError{Op: "publish", Queue: queue, Err: err}
	}

	t.logger.Debug("published message",
		"queue", queue,
		"messageId", env.ID,
		"type", env.Type,
		"requestId", env.CorrelationID,
	)
	return nil
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(ctx context.Context, queue string, handler messaging.DeliveryHandler) error {
	_, err := t.consumer.Subscribe(ctx, queue, t.deliveryHandler(queue, handler))
	if err != nil {
		return &messaging.TransportError{Op: "subscribe", Queue: queue, Err: err}
	}
	return nil
}

// Close closes the subscriptions, then the publishing channel, then the
// connection. Calling it again returns the first result.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.stopSweep)
		t.consumer.Close()
		if err := t.publisher.Close(); err != nil {
			t.logger.Warn("failed to close publishing channel", "error", err)
		}
		t.closeErr = t.manager.Close()
	})
	return t.closeErr
}

// Inspect implements messaging.Inspector with a passive declare. A queue
// that was never declared reports zero messages.
func (t *Transport) Inspect(ctx context.Context, queue string) (messaging.QueueStats, error) {
	info, err := t.topology.Inspect(ctx, queue)
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
		return messaging.QueueStats{Name: queue}, nil
	}
	if err != nil {
		return messaging.QueueStats{Name: queue}, &messaging.TransportError{Op: "inspect", Queue: queue, Err: err}
	}
	return messaging.QueueStats{Name: info.Name, Messages: info.Messages, Consumers: info.Consumers}, nil
}

// Ping implements messaging.Pinger
func (t *Transport) Ping(context.Context) error {
	if !t.manager.IsConnected() {
		return rabbitmq.ErrConnectionNotReady
	}
	return nil
}

// ErrorStore returns the store that records dead lettered messages
func (t *Transport) ErrorStore() reliability.ErrorStore {
	return t.errorStore
}

// deliveryHandler decodes the envelope, runs handler and decides between
// ack, requeue and dead lettering
func (t *Transport) deliveryHandler(queue string, handler messaging.DeliveryHandler) rabbitmq.MessageHandler {
	return func(ctx context.Context, d amqp.Delivery) error {
		id := messageID(d)

		env, err := contracts.ParseEnvelope(d.Body)
		if err != nil {
			err = &messaging.DeserializationError{Queue: queue, MessageID: id, Err: err}
		} else {
			err = handler(ctx, env)
		}

		if err == nil {
			t.counter.Forget(id)
			return nil
		}

		failures, exhausted, firstFailed := t.counter.Fail(id, rabbitmq.DeliveryCount(d))
		if !exhausted {
			t.logger.Warn("handler failed, requeueing",
				"queue", queue,
				"messageId", id,
				"deliveries", failures,
				"error", err,
			)
			return err
		}

		if dlqErr := t.deadLetter(ctx, queue, id, d, env, err, failures, firstFailed); dlqErr != nil {
			t.logger.Error("failed to dead letter message, requeueing", "queue", queue, "messageId", id, "error", dlqErr)
			return dlqErr
		}
		return nil
	}
}

func (t *Transport) deadLetter(ctx context.Context, queue, id string, d amqp.Delivery, env *contracts.Envelope, cause error, failures int, firstFailed time.Time) error {
	dlq := messaging.DeadLetterQueue(queue)
	metadata := reliability.DLQMetadata{
		OriginalQueue: queue,
		LastError:     cause.Error(),
		RetryCount:    failures,
		FirstDeathAt:  firstFailed,
	}

	if err := t.topology.EnsureQueue(ctx, dlq); err != nil {
		return &reliability.DLQError{Queue: queue, MessageID: id, Op: "declare", Err: err}
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	for k, v := range metadata.Headers() {
		headers[k] = v
	}

	msg := amqp.Publishing{
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     id,
		CorrelationId: d.CorrelationId,
		Type:          d.Type,
		Timestamp:     time.Now().UTC(),
		Headers:       headers,
		Body:          d.Body,
	}
	if err := t.publisher.Publish(ctx, t.topology.Exchange(), dlq, msg); err != nil {
		return &reliability.DLQError{Queue: queue, MessageID: id, Op: "publish", Err: err}
	}
	t.counter.Forget(id)

	failed := reliability.FailedMessage{
		ID:            id,
		Queue:         queue,
		Type:          d.Type,
		CorrelationID: d.CorrelationId,
		Headers:       metadata.Headers(),
		Body:          d.Body,
		Error:         cause.Error(),
		RetryCount:    failures,
		FirstFailedAt: firstFailed,
		LastFailedAt:  time.Now(),
	}
	if env != nil {
		failed.Type = env.Type
		failed.CorrelationID = env.CorrelationID
	}
	if err := t.errorStore.Store(ctx, failed); err != nil {
		t.logger.Warn("failed to record dead lettered message", "messageId", id, "error", err)
	}

	t.logger.Error("message dead lettered",
		"queue", queue,
		"deadLetterQueue", dlq,
		"messageId", id,
		"deliveries", failures,
		"error", cause,
	)
	return nil
}

func (t *Transport) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := t.counter.Sweep(); n > 0 {
				t.logger.Debug("dropped idle delivery counts", "count", n)
			}
		case <-t.stopSweep:
			return
		}
	}
}

func toPublishing(env *contracts.Envelope) (amqp.Publishing, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.ID,
		CorrelationId: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		Type:          env.Type,
		Timestamp:     env.Timestamp,
		Body:          body,
	}
	if len(env.Headers) > 0 {
		msg.Headers = make(amqp.Table, len(env.Headers))
		for k, v := range env.Headers {
			msg.Headers[k] = v
		}
	}
	return msg, nil
}

// messageID identifies a delivery across redeliveries
func messageID(d amqp.Delivery) string {
	if d.MessageId != "" {
		return d.MessageId
	}
	sum := sha256.Sum256(d.Body)
	return hex.EncodeToString(sum[:16])
}

// topologyReset drops cached declarations after a reconnect so queues deleted
// while the connection was down are declared again
type topologyReset struct {
	topology *rabbitmq.TopologyManager
	logger   *slog.Logger
}

func (r *topologyReset) OnConnected() {
	r.topology.Reset()
}

func (r *topologyReset) OnDisconnected(err error) {
	r.logger.Warn("broker connection lost", "error", err)
}

func (r *topologyReset) OnReconnecting(attempt int) {
	r.logger.Info("reconnecting to broker", "attempt", attempt)
}
