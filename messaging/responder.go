package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kiarashjv/SaaS-LeadSystem/contracts"
)

// RequestHandler turns a request envelope into a reply payload
type RequestHandler func(ctx context.Context, req *contracts.Envelope) (any, error)

// HandleTyped adapts a typed function to a RequestHandler. Body decode
// failures are returned as *DeserializationError.
func HandleTyped[Req, Res any](fn func(ctx context.Context, req Req) (Res, error)) RequestHandler {
	return func(ctx context.Context, env *contracts.Envelope) (any, error) {
		var req Req
		if err := env.Decode(&req); err != nil {
			return nil, &DeserializationError{MessageID: env.ID, Err: err}
		}
		return fn(ctx, req)
	}
}

type route struct {
	op      Operation
	handler RequestHandler
}

// Responder serves operations: it consumes each registered operation's
// request queue and publishes one result per request to the result queue.
// Handler errors are returned to the transport so the request is redelivered.
type Responder struct {
	transport  Transport
	logger     *slog.Logger
	middleware []Middleware

	mu      sync.RWMutex
	routes  map[string]route
	running bool
	cancel  context.CancelFunc
}

// ResponderOption configures a Responder
type ResponderOption func(*Responder)

// WithResponderLogger sets the logger
func WithResponderLogger(logger *slog.Logger) ResponderOption {
	return func(r *Responder) {
		r.logger = logger
	}
}

// WithRequestMiddleware wraps every request queue handler
func WithRequestMiddleware(middleware ...Middleware) ResponderOption {
	return func(r *Responder) {
		r.middleware = append(r.middleware, middleware...)
	}
}

// NewResponder creates a responder with an empty handler table
func NewResponder(transport Transport, options ...ResponderOption) *Responder {
	r := &Responder{
		transport: transport,
		logger:    slog.Default(),
		routes:    make(map[string]route),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register adds the handler for op. It fails after Start or when op or its
// request type is already registered.
func (r *Responder) Register(op Operation, handler RequestHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrResponderRunning
	}
	for _, existing := range r.routes {
		if existing.op.Name == op.Name {
			return fmt.Errorf("%w: %s", ErrAlreadyRegistered, op.Name)
		}
	}
	if _, exists := r.routes[op.RequestType]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, op.RequestType)
	}

	r.routes[op.RequestType] = route{op: op, handler: handler}
	return nil
}

// Operations returns the registered operations
func (r *Responder) Operations() []Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ops := make([]Operation, 0, len(r.routes))
	for _, rt := range r.routes {
		ops = append(ops, rt.op)
	}
	return ops
}

// Handle runs the handler registered for the envelope's type and returns the
// reply envelope, correlated with the request.
func (r *Responder) Handle(ctx context.Context, req *contracts.Envelope) (*contracts.Envelope, error) {
	r.mu.RLock()
	rt, ok := r.routes[req.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, req.Type)
	}

	payload, err := rt.handler(ctx, req)
	if err != nil {
		var decodeErr *DeserializationError
		if errors.As(err, &decodeErr) && decodeErr.Queue == "" {
			decodeErr.Queue = rt.op.RequestQueue()
		}
		return nil, fmt.Errorf("%s handler failed: %w", rt.op.Name, err)
	}

	reply, err := req.NewReply(rt.op.ResultType, payload)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// Start subscribes to the request queue of every registered operation.
// Subscriptions end when ctx is cancelled or Stop is called.
func (r *Responder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrResponderRunning
	}
	r.running = true
	ctx, r.cancel = context.WithCancel(ctx)
	routes := make([]route, 0, len(r.routes))
	for _, rt := range r.routes {
		routes = append(routes, rt)
	}
	r.mu.Unlock()

	for _, rt := range routes {
		handler := Chain(r.serve(rt.op), r.middleware...)
		if err := r.transport.Subscribe(ctx, rt.op.RequestQueue(), handler); err != nil {
			r.Stop()
			return err
		}
		r.logger.Info("serving operation",
			"operation", rt.op.Name,
			"queue", rt.op.RequestQueue(),
		)
	}
	return nil
}

// Stop cancels every subscription started by Start
func (r *Responder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Responder) serve(op Operation) DeliveryHandler {
	return func(ctx context.Context, req *contracts.Envelope) error {
		reply, err := r.Handle(ctx, req)
		if err != nil {
			return err
		}

		queue := req.ReplyTo
		if queue == "" {
			queue = op.ResultQueue()
		}
		if err := r.transport.Publish(ctx, queue, reply); err != nil {
			return err
		}

		r.logger.Debug("published result",
			"operation", op.Name,
			"requestId", req.CorrelationID,
			"queue", queue,
		)
		return nil
	}
}
