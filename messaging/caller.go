package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiarashjv/SaaS-LeadSystem/contracts"
	"github.com/kiarashjv/SaaS-LeadSystem/internal/reliability"
)

// CallState is a step in the life of one Call
type CallState string

const (
	StateIdle                 CallState = "idle"
	StateAwaitingQueueReply   CallState = "awaiting_queue_reply"
	StateFulfilled            CallState = "fulfilled"
	StateTimedOut             CallState = "timed_out"
	StateTransportFailed      CallState = "transport_failed"
	StateAwaitingHTTPFallback CallState = "awaiting_http_fallback"
	StateFatallyFailed        CallState = "fatally_failed"
)

// StateObserver is told about every state transition of every call
type StateObserver func(requestID string, from, to CallState)

// Fallback performs the operation synchronously when the queue path fails.
// Errors marked with reliability.Permanent are not retried.
type Fallback[Req, Res any] func(ctx context.Context, req Req) (Res, error)

// Caller performs one request/reply operation over a Transport with an HTTP
// fallback. It is safe for concurrent use.
type Caller[Req, Res any] struct {
	transport Transport
	op        Operation
	registry  *Registry[Res]

	timeout     time.Duration
	fallback    Fallback[Req, Res]
	retryPolicy reliability.RetryPolicy
	sleep       reliability.SleepFunc
	breaker     *reliability.CircuitBreaker
	observer    StateObserver
	middleware  []Middleware
	logger      *slog.Logger

	startOnce sync.Once
	startErr  error
}

// CallerOption configures a Caller
type CallerOption func(*callerConfig)

type callerConfig struct {
	timeout     time.Duration
	fallback    any
	retryPolicy reliability.RetryPolicy
	sleep       reliability.SleepFunc
	breaker     *reliability.CircuitBreaker
	observer    StateObserver
	middleware  []Middleware
	logger      *slog.Logger
}

// WithTimeout sets how long a call waits for a queue result
func WithTimeout(timeout time.Duration) CallerOption {
	return func(c *callerConfig) {
		c.timeout = timeout
	}
}

// WithFallback sets the synchronous path used when the queue path fails.
// A fallback whose types differ from the Caller's is ignored with a warning.
func WithFallback[Req, Res any](fn func(ctx context.Context, req Req) (Res, error)) CallerOption {
	return func(c *callerConfig) {
		c.fallback = Fallback[Req, Res](fn)
	}
}

// WithRetryPolicy sets the retry policy for the fallback
func WithRetryPolicy(policy reliability.RetryPolicy) CallerOption {
	return func(c *callerConfig) {
		c.retryPolicy = policy
	}
}

// WithSleep replaces the wait between fallback attempts
func WithSleep(sleep reliability.SleepFunc) CallerOption {
	return func(c *callerConfig) {
		c.sleep = sleep
	}
}

// WithCircuitBreaker guards the queue path. While the breaker is open calls
// go straight to the fallback.
func WithCircuitBreaker(breaker *reliability.CircuitBreaker) CallerOption {
	return func(c *callerConfig) {
		c.breaker = breaker
	}
}

// WithStateObserver registers a callback for call state transitions
func WithStateObserver(observer StateObserver) CallerOption {
	return func(c *callerConfig) {
		c.observer = observer
	}
}

// WithResultMiddleware wraps the result queue handler
func WithResultMiddleware(middleware ...Middleware) CallerOption {
	return func(c *callerConfig) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithCallerLogger sets the logger
func WithCallerLogger(logger *slog.Logger) CallerOption {
	return func(c *callerConfig) {
		c.logger = logger
	}
}

// DefaultFallbackPolicy is 2s, 4s, 8s between four attempts
func DefaultFallbackPolicy() *reliability.ExponentialBackoff {
	policy := reliability.NewExponentialBackoff(2*time.Second, 0, 2, 3)
	policy.Jitter = false
	return policy
}

// NewCaller creates a caller for op. Start must be called before Call so
// results can be received.
func NewCaller[Req, Res any](transport Transport, op Operation, options ...CallerOption) *Caller[Req, Res] {
	cfg := &callerConfig{
		timeout:     10 * time.Second,
		retryPolicy: DefaultFallbackPolicy(),
		sleep:       reliability.Sleep,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	c := &Caller[Req, Res]{
		transport:   transport,
		op:          op,
		registry:    NewRegistry[Res](),
		timeout:     cfg.timeout,
		retryPolicy: cfg.retryPolicy,
		sleep:       cfg.sleep,
		breaker:     cfg.breaker,
		observer:    cfg.observer,
		middleware:  cfg.middleware,
		logger:      cfg.logger.With("operation", op.Name),
	}
	if cfg.fallback != nil {
		fb, ok := cfg.fallback.(Fallback[Req, Res])
		if !ok {
			c.logger.Warn("ignoring fallback with mismatched types", "fallback", fmt.Sprintf("%T", cfg.fallback))
		}
		c.fallback = fb
	}
	return c
}

// Operation returns the operation this caller performs
func (c *Caller[Req, Res]) Operation() Operation {
	return c.op
}

// Pending returns the number of calls waiting for a queue result
func (c *Caller[Req, Res]) Pending() int {
	return c.registry.Len()
}

// Registry exposes the correlation registry for health reporting
func (c *Caller[Req, Res]) Registry() *Registry[Res] {
	return c.registry
}

// Start subscribes to the operation's result queue. Calling it again returns
// the first outcome.
func (c *Caller[Req, Res]) Start(ctx context.Context) error {
	c.startOnce.Do(func() {
		handler := Chain(c.handleResult, c.middleware...)
		c.startErr = c.transport.Subscribe(ctx, c.op.ResultQueue(), handler)
		if c.startErr == nil {
			c.logger.Info("listening for results", "queue", c.op.ResultQueue())
		}
	})
	return c.startErr
}

// handleResult resolves the waiting call for a result envelope. Results for
// calls that already finished are dropped.
func (c *Caller[Req, Res]) handleResult(ctx context.Context, env *contracts.Envelope) error {
	if env.CorrelationID == "" {
		c.logger.Warn("dropping result without correlation id", "messageId", env.ID)
		return nil
	}

	var result Res
	if err := env.Decode(&result); err != nil {
		decodeErr := &DeserializationError{Queue: c.op.ResultQueue(), MessageID: env.ID, Err: err}
		c.registry.Fail(env.CorrelationID, decodeErr)
		return decodeErr
	}

	if !c.registry.Resolve(env.CorrelationID, result) {
		c.logger.Info("no pending request for result, dropping",
			"requestId", env.CorrelationID,
			"messageId", env.ID,
		)
	}
	return nil
}

// Call performs the operation. It tries the queue path first and falls back
// to the synchronous path when the broker is unavailable or no result arrives
// in time. Cancelling ctx abandons the call without a fallback.
func (c *Caller[Req, Res]) Call(ctx context.Context, req Req) (Res, error) {
	requestID := uuid.New().String()
	tracker := &callTracker{requestID: requestID, state: StateIdle, observer: c.observer}
	log := c.logger.With("requestId", requestID)

	res, queueErr := c.viaQueue(ctx, requestID, req, tracker)
	if queueErr == nil {
		tracker.move(StateFulfilled)
		return res, nil
	}

	var zero Res
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}

	log.Warn("queue path failed, using fallback", "error", queueErr, "state", tracker.current())
	return c.viaFallback(ctx, req, tracker, queueErr, log)
}

func (c *Caller[Req, Res]) viaQueue(ctx context.Context, requestID string, req Req, tracker *callTracker) (Res, error) {
	if c.breaker == nil {
		return c.awaitQueue(ctx, requestID, req, tracker)
	}

	var res Res
	err := c.breaker.Execute(ctx, func() error {
		var err error
		res, err = c.awaitQueue(ctx, requestID, req, tracker)
		return err
	})
	if errors.Is(err, reliability.ErrCircuitOpen) {
		tracker.move(StateTransportFailed)
	}
	return res, err
}

func (c *Caller[Req, Res]) awaitQueue(ctx context.Context, requestID string, req Req, tracker *callTracker) (Res, error) {
	var zero Res

	env, err := contracts.NewEnvelope(c.op.RequestType, req)
	if err != nil {
		tracker.move(StateTransportFailed)
		return zero, err
	}
	env.CorrelationID = requestID
	env.ReplyTo = c.op.ResultQueue()

	// The slot must exist before the request can be answered.
	pending := c.registry.Register(requestID)
	defer pending.Cancel()
	tracker.move(StateAwaitingQueueReply)

	if err := c.transport.Publish(ctx, c.op.RequestQueue(), env); err != nil {
		tracker.move(StateTransportFailed)
		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			return zero, err
		}
		return zero, &TransportError{Op: "publish", Queue: c.op.RequestQueue(), Err: err}
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-pending.Done():
		res, err := pending.Result()
		if err != nil {
			tracker.move(StateTransportFailed)
		}
		return res, err

	case <-timer.C:
		if !pending.Cancel() {
			// resolved while the timer fired
			<-pending.Done()
			res, err := pending.Result()
			if err == nil {
				return res, nil
			}
		}
		tracker.move(StateTimedOut)
		return zero, &TimeoutError{Op: c.op.Name, RequestID: requestID, After: c.timeout}

	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (c *Caller[Req, Res]) viaFallback(ctx context.Context, req Req, tracker *callTracker, cause error, log *slog.Logger) (Res, error) {
	var zero Res
	tracker.move(StateAwaitingHTTPFallback)

	if c.fallback == nil {
		tracker.move(StateFatallyFailed)
		return zero, &FallbackExhaustedError{Op: c.op.Name, Err: fmt.Errorf("%w: %w", ErrNoFallback, cause)}
	}

	var res Res
	attempts := 0
	err := reliability.Retry(ctx, c.retryPolicy, func(ctx context.Context, attempt int) error {
		attempts = attempt + 1
		var err error
		res, err = c.fallback(ctx, req)
		return err
	},
		reliability.WithOperation(c.op.Name+" fallback"),
		reliability.WithSleep(c.sleep),
		reliability.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			log.Warn("fallback attempt failed, retrying",
				"attempt", attempt+1,
				"delay", delay,
				"error", err,
			)
		}),
	)
	if err == nil {
		tracker.move(StateFulfilled)
		log.Info("fallback succeeded", "attempts", attempts)
		return res, nil
	}

	if ctx.Err() != nil {
		return zero, ctx.Err()
	}

	tracker.move(StateFatallyFailed)
	var retryErr *reliability.RetryError
	if errors.As(err, &retryErr) {
		err = retryErr.LastError
	}
	log.Error("fallback exhausted", "attempts", attempts, "error", err)
	return zero, &FallbackExhaustedError{Op: c.op.Name, Attempts: attempts, Err: err}
}

// callTracker records the state of one call and reports transitions
type callTracker struct {
	requestID string
	observer  StateObserver

	mu    sync.Mutex
	state CallState
}

func (t *callTracker) move(to CallState) {
	t.mu.Lock()
	from := t.state
	t.state = to
	t.mu.Unlock()

	if t.observer != nil && from != to {
		t.observer(t.requestID, from, to)
	}
}

func (t *callTracker) current() CallState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
