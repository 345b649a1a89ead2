// Package memory provides an in-process messaging.Transport with the same
// delivery semantics as the RabbitMQ transport: one message in flight per
// subscription, requeue on handler failure and dead lettering once a message
// has used its delivery budget.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kiarashjv/SaaS-LeadSystem/contracts"
	"github.com/kiarashjv/SaaS-LeadSystem/internal/reliability"
	"github.com/kiarashjv/SaaS-LeadSystem/messaging"
)

// ErrClosed is returned by operations on a closed transport
var ErrClosed = errors.New("memory transport: closed")

// Message is a stored message as a consumer would receive it
type Message struct {
	ID      string
	Body    []byte
	Headers map[string]string
}

// Transport is an in-process messaging.Transport
type Transport struct {
	counter        *reliability.DeliveryCounter
	errorStore     reliability.ErrorStore
	handlerTimeout time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	queues  map[string]*queue
	cancels []context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// Option configures the transport
type Option func(*Transport)

// WithMaxDeliveries sets how many failed deliveries a message gets before it
// is dead lettered
func WithMaxDeliveries(n int) Option {
	return func(t *Transport) {
		t.counter = reliability.NewDeliveryCounter(n, time.Hour)
	}
}

// WithErrorStore records dead lettered messages in store
func WithErrorStore(store reliability.ErrorStore) Option {
	return func(t *Transport) {
		t.errorStore = store
	}
}

// WithHandlerTimeout bounds each handler invocation
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(t *Transport) {
		t.handlerTimeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New creates an empty in-process transport
func New(options ...Option) *Transport {
	t := &Transport{
		counter:        reliability.NewDeliveryCounter(5, time.Hour),
		errorStore:     reliability.NewInMemoryErrorStore(),
		handlerTimeout: 30 * time.Second,
		logger:         slog.Default(),
		queues:         make(map[string]*queue),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, queueName string, env *contracts.Envelope) error {
	if err := ctx.Err(); err != nil {
		return &messaging.TransportError{Op: "publish", Queue: queueName, Err: err}
	}

	body, err := json.Marshal(env)
	if err != nil {
		return &messaging.TransportError{Op: "publish", Queue: queueName, Err: err}
	}

	q, err := t.queue(queueName)
	if err != nil {
		return &messaging.TransportError{Op: "publish", Queue: queueName, Err: err}
	}
	q.push(Message{ID: env.ID, Body: body})
	return nil
}

// Subscribe implements messaging.Transport. Several subscriptions to one
// queue compete for its messages.
func (t *Transport) Subscribe(ctx context.Context, queueName string, handler messaging.DeliveryHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return &messaging.TransportError{Op: "subscribe", Queue: queueName, Err: ErrClosed}
	}

	q := t.queueLocked(queueName)
	subCtx, cancel := context.WithCancel(ctx)
	t.cancels = append(t.cancels, cancel)

	q.addConsumer(1)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer q.addConsumer(-1)
		t.consume(subCtx, q, handler)
	}()
	return nil
}

// Close stops every subscription and waits for in-flight handlers. Calling it
// again is a no-op.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancels := t.cancels
	t.cancels = nil
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	t.wg.Wait()
	return nil
}

// Inspect implements messaging.Inspector
func (t *Transport) Inspect(_ context.Context, queueName string) (messaging.QueueStats, error) {
	t.mu.Lock()
	q, ok := t.queues[queueName]
	t.mu.Unlock()
	if !ok {
		return messaging.QueueStats{Name: queueName}, nil
	}
	return q.stats(), nil
}

// Ping implements messaging.Pinger
func (t *Transport) Ping(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	return nil
}

// Peek returns a copy of the messages waiting in queueName
func (t *Transport) Peek(queueName string) []Message {
	t.mu.Lock()
	q, ok := t.queues[queueName]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return q.snapshot()
}

// ErrorStore returns the store that records dead lettered messages
func (t *Transport) ErrorStore() reliability.ErrorStore {
	return t.errorStore
}

func (t *Transport) queue(name string) (*queue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	return t.queueLocked(name), nil
}

func (t *Transport) queueLocked(name string) *queue {
	q, ok := t.queues[name]
	if !ok {
		q = newQueue(name)
		t.queues[name] = q
	}
	return q
}

func (t *Transport) consume(ctx context.Context, q *queue, handler messaging.DeliveryHandler) {
	for {
		if ctx.Err() != nil {
			return
		}

		msg, ok := q.pop()
		if !ok {
			select {
			case <-q.ready:
				continue
			case <-ctx.Done():
				return
			}
		}

		t.deliver(ctx, q, msg, handler)
	}
}

// deliver runs the handler and settles the message
func (t *Transport) deliver(ctx context.Context, q *queue, msg Message, handler messaging.DeliveryHandler) {
	env, err := contracts.ParseEnvelope(msg.Body)
	if err != nil {
		err = &messaging.DeserializationError{Queue: q.name, MessageID: msg.ID, Err: err}
	} else {
		handlerCtx, cancel := context.WithTimeout(ctx, t.handlerTimeout)
		err = handler(handlerCtx, env)
		cancel()
	}

	if err == nil {
		t.counter.Forget(msg.ID)
		return
	}

	failures, exhausted, firstFailed := t.counter.Fail(msg.ID, 0)
	if !exhausted {
		t.logger.Warn("handler failed, requeueing",
			"queue", q.name,
			"messageId", msg.ID,
			"deliveries", failures,
			"error", err,
		)
		q.requeue(msg)
		return
	}

	t.deadLetter(ctx, q, msg, env, err, failures, firstFailed)
}

func (t *Transport) deadLetter(ctx context.Context, q *queue, msg Message, env *contracts.Envelope, cause error, failures int, firstFailed time.Time) {
	metadata := reliability.DLQMetadata{
		OriginalQueue: q.name,
		LastError:     cause.Error(),
		RetryCount:    failures,
		FirstDeathAt:  firstFailed,
	}
	dlqName := messaging.DeadLetterQueue(q.name)

	failed := reliability.FailedMessage{
		ID:            msg.ID,
		Queue:         q.name,
		Headers:       metadata.Headers(),
		Body:          msg.Body,
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
		t.logger.Error("failed to record dead lettered message", "messageId", msg.ID, "error", err)
	}

	t.mu.Lock()
	dlq := t.queueLocked(dlqName)
	t.mu.Unlock()
	dlq.push(Message{ID: msg.ID, Body: msg.Body, Headers: metadata.Headers()})
	t.counter.Forget(msg.ID)

	t.logger.Error("message dead lettered",
		"queue", q.name,
		"deadLetterQueue", dlqName,
		"messageId", msg.ID,
		"deliveries", failures,
		"error", cause,
	)
}
