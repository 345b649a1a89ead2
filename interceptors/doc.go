// Package interceptors wraps delivery handlers with cross-cutting concerns.
//
// A Chain converts to a messaging.Middleware, so the same interceptors serve
// a Responder's request subscriptions and a Caller's result subscription:
//
//	stats := interceptors.NewStats()
//	chain := interceptors.NewDefaultChainBuilder(logger).
//		WithRecovery().
//		WithLogging().
//		WithMetrics(stats).
//		WithTimeout(30 * time.Second).
//		Build()
//
//	responder := messaging.NewResponder(transport,
//		messaging.WithRequestMiddleware(chain.Middleware()))
//
// Interceptors run in the order they are added. An error returned from the
// chain reaches the transport, which nacks the delivery.
package interceptors
