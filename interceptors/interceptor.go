package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/kiarashjv/SaaS-LeadSystem/contracts"
	"github.com/kiarashjv/SaaS-LeadSystem/messaging"
)

// ErrPanic is wrapped by errors produced from a recovered handler panic
var ErrPanic = errors.New("interceptors: handler panicked")

// Interceptor processes a delivery before it reaches the final handler
type Interceptor interface {
	// Intercept processes env and calls next to continue the chain
	Intercept(ctx context.Context, env *contracts.Envelope, next messaging.DeliveryHandler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, env *contracts.Envelope, next messaging.DeliveryHandler) error
}

// NewInterceptorFunc creates a function based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, env *contracts.Envelope, next messaging.DeliveryHandler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, env *contracts.Envelope, next messaging.DeliveryHandler) error {
	return i.fn(ctx, env, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain runs interceptors in the order they were added
type Chain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewChain creates an empty chain
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}

	return &Chain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Names returns interceptor names in execution order
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Execute runs env through the chain and then final
func (c *Chain) Execute(ctx context.Context, env *contracts.Envelope, final messaging.DeliveryHandler) error {
	return c.Wrap(final)(ctx, env)
}

// Wrap returns final wrapped by every interceptor in the chain
func (c *Chain) Wrap(final messaging.DeliveryHandler) messaging.DeliveryHandler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, env *contracts.Envelope) error {
			return interceptor.Intercept(ctx, env, next)
		}
	}
	return handler
}

// Middleware adapts the chain for messaging.WithRequestMiddleware and
// messaging.WithResultMiddleware
func (c *Chain) Middleware() messaging.Middleware {
	return c.Wrap
}

// Built-in interceptors

// LoggingInterceptor logs each delivery with timing information
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next messaging.DeliveryHandler) error {
	start := time.Now()

	i.logger.Debug("processing message",
		"messageId", env.ID,
		"messageType", env.Type,
		"requestId", env.CorrelationID,
	)

	err := next(ctx, env)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"messageId", env.ID,
			"messageType", env.Type,
			"requestId", env.CorrelationID,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("message processed",
			"messageId", env.ID,
			"messageType", env.Type,
			"requestId", env.CorrelationID,
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector receives per delivery measurements
type MetricsCollector interface {
	IncrementMessageCount(messageType string)
	RecordProcessingTime(messageType string, duration time.Duration)
	IncrementErrorCount(messageType string, errorType string)
}

// MetricsInterceptor reports deliveries to a MetricsCollector
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next messaging.DeliveryHandler) error {
	start := time.Now()
	i.collector.IncrementMessageCount(env.Type)

	err := next(ctx, env)

	i.collector.RecordProcessingTime(env.Type, time.Since(start))
	if err != nil {
		i.collector.IncrementErrorCount(env.Type, errorType(err))
	}
	return err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

func errorType(err error) string {
	var deserialization *messaging.DeserializationError
	switch {
	case errors.Is(err, ErrPanic):
		return "panic"
	case errors.As(err, &deserialization):
		return "deserialization"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "handler"
	}
}

// TimeoutInterceptor bounds the time a handler may spend on one delivery
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor. When the timeout fires the handler sees a
// cancelled context, and Intercept still waits for it to return so the
// delivery is never settled while its handler runs. A handler that finishes
// cleanly after the deadline is not reported as failed. A panic in the
// handler goroutine is returned as an ErrPanic error.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next messaging.DeliveryHandler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrPanic, r)
			}
		}()
		done <- next(timeoutCtx, env)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
	}

	err := <-done
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("message processing timeout after %v for message %s: %w", i.timeout, env.ID, err)
	}
	return fmt.Errorf("message processing timeout after %v for message %s: %w: %w", i.timeout, env.ID, timeoutCtx.Err(), err)
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// RecoveryInterceptor turns a handler panic into an error so the transport
// nacks the delivery instead of the consumer goroutine dying
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next messaging.DeliveryHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("recovered handler panic",
				"messageId", env.ID,
				"messageType", env.Type,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	return next(ctx, env)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// DefaultChainBuilder builds the chain installed on consumers
type DefaultChainBuilder struct {
	chain  *Chain
	logger *slog.Logger
}

// NewDefaultChainBuilder creates a builder
func NewDefaultChainBuilder(logger *slog.Logger) *DefaultChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	return &DefaultChainBuilder{
		chain:  NewChain(logger),
		logger: logger,
	}
}

// WithRecovery adds the recovery interceptor
func (b *DefaultChainBuilder) WithRecovery() *DefaultChainBuilder {
	b.chain.Add(NewRecoveryInterceptor(b.logger))
	return b
}

// WithLogging adds the logging interceptor
func (b *DefaultChainBuilder) WithLogging() *DefaultChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithMetrics adds the metrics interceptor
func (b *DefaultChainBuilder) WithMetrics(collector MetricsCollector) *DefaultChainBuilder {
	b.chain.Add(NewMetricsInterceptor(collector))
	return b
}

// WithTimeout adds the timeout interceptor; a non-positive timeout is ignored
func (b *DefaultChainBuilder) WithTimeout(timeout time.Duration) *DefaultChainBuilder {
	if timeout > 0 {
		b.chain.Add(NewTimeoutInterceptor(timeout))
	}
	return b
}

// WithCustom adds a custom interceptor
func (b *DefaultChainBuilder) WithCustom(interceptor Interceptor) *DefaultChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the built chain
func (b *DefaultChainBuilder) Build() *Chain {
	return b.chain
}
