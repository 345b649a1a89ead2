package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Circuit breaker errors
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

	// Retry errors
	ErrNonRetryable = errors.New("retry: error is not retryable")

	// Dead letter errors
	ErrFailedMessageNotFound = errors.New("dlq: failed message not found")
)

// CircuitBreakerError is returned when the breaker rejects a call
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateOpen {
		retryIn := time.Until(e.NextRetry).Round(time.Second)
		return fmt.Sprintf("circuit breaker %s open: failures=%d/%d, retry in %v",
			e.Name, e.Failures, e.FailureThreshold, retryIn)
	}
	return fmt.Sprintf("circuit breaker %s %s: probe limit reached", e.Name, e.State)
}

func (e *CircuitBreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// RetryError represents a retry operation error
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// Exhausted reports whether every allowed attempt was used
func (e *RetryError) Exhausted() bool {
	return e.Attempts >= e.MaxAttempts
}

// DLQError represents a dead letter routing error
type DLQError struct {
	Queue     string
	MessageID string
	Op        string
	Err       error
}

func (e *DLQError) Error() string {
	return fmt.Sprintf("dlq error: %s failed for message %s in queue %s: %v",
		e.Op, e.MessageID, e.Queue, e.Err)
}

func (e *DLQError) Unwrap() error {
	return e.Err
}
