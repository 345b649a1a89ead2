// Package reliability provides the failure-handling building blocks used by the
// lead services.
//
//   - Retry policies: exponential backoff with an injectable sleep, used by the
//     HTTP fallback path of every remote call
//   - Circuit breaker: optional short-circuit of the broker path after repeated
//     queue failures
//   - Dead lettering: per-message delivery counting and an error store for
//     messages that exhausted their redelivery budget
//
// Example usage:
//
//	policy := NewExponentialBackoff(2*time.Second, time.Minute, 2, 3)
//	policy.Jitter = false
//
//	err := Retry(ctx, policy, func(ctx context.Context, attempt int) error {
//	    return callDownstream(ctx)
//	}, WithOperation("lead-evaluation"))
package reliability
