package messaging

import "strings"

const (
	requestQueueSuffix    = "-queue"
	resultQueueSuffix     = "-queue-result"
	deadLetterQueueSuffix = "-dlq"
)

// Operation names a request/reply exchange and the message types that flow
// through it. Queue names derive from Name.
type Operation struct {
	Name        string
	RequestType string
	ResultType  string
}

// RequestQueue is where requests for the operation are published
func (o Operation) RequestQueue() string {
	return o.Name + requestQueueSuffix
}

// ResultQueue is where responders publish results
func (o Operation) ResultQueue() string {
	return o.Name + resultQueueSuffix
}

// Queues returns the request and result queues
func (o Operation) Queues() []string {
	return []string{o.RequestQueue(), o.ResultQueue()}
}

// DeadLetterQueue returns the queue that receives messages from queue once
// their delivery budget is spent
func DeadLetterQueue(queue string) string {
	return queue + deadLetterQueueSuffix
}

// IsDeadLetterQueue reports whether queue is a dead-letter queue
func IsDeadLetterQueue(queue string) bool {
	return strings.HasSuffix(queue, deadLetterQueueSuffix)
}
