package messaging

import (
	"context"

	"github.com/kiarashjv/SaaS-LeadSystem/contracts"
)

// DeliveryHandler processes one decoded envelope. Returning nil acknowledges
// the delivery; returning an error asks the transport to redeliver it.
type DeliveryHandler func(ctx context.Context, env *contracts.Envelope) error

// Middleware wraps a DeliveryHandler
type Middleware func(next DeliveryHandler) DeliveryHandler

// Chain applies middleware so that the first one listed runs outermost
func Chain(handler DeliveryHandler, middleware ...Middleware) DeliveryHandler {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}

// Transport moves envelopes between named queues.
//
// Publish and Subscribe declare the queue before use. Publish returns only
// after the broker accepted the message. Subscribe delivers one message at a
// time per subscription until ctx is cancelled or the transport is closed.
type Transport interface {
	Publish(ctx context.Context, queue string, env *contracts.Envelope) error
	Subscribe(ctx context.Context, queue string, handler DeliveryHandler) error
	Close() error
}

// QueueStats is a point in time view of a queue
type QueueStats struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// Inspector is implemented by transports that can report queue depth
type Inspector interface {
	Inspect(ctx context.Context, queue string) (QueueStats, error)
}

// Pinger is implemented by transports that can report connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}
