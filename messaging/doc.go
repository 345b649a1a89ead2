/*
Package messaging correlates asynchronous replies with the requests that caused
them.

A Caller publishes a request envelope to an operation's request queue and
parks the calling goroutine on a Pending slot in its Registry. The Caller's
subscription to the result queue resolves the slot by correlation id. If no
result arrives before the deadline, or the broker cannot take the request, the
Caller falls back to a synchronous HTTP call retried with exponential backoff.

	caller := messaging.NewCaller[contracts.Lead, contracts.LeadEvaluation](
		transport, leads.EvaluationOperation,
		messaging.WithTimeout(10*time.Second),
		messaging.WithFallback(httpClient.EvaluateLead),
	)
	if err := caller.Start(ctx); err != nil {
		return err
	}
	evaluation, err := caller.Call(ctx, lead)

A Responder consumes request queues and publishes one result per request to
the result queue, echoing the correlation id:

	responder := messaging.NewResponder(transport)
	responder.Register(leads.EvaluationOperation, messaging.HandleTyped(evaluator.Evaluate))
	responder.Start(ctx)

Transports settle deliveries from the handler's return value: nil acks, an
error nacks with requeue until the delivery budget runs out, after which the
message is moved to the dead-letter queue.
*/
package messaging
