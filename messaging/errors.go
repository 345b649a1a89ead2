package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSuperseded is delivered to a waiter whose key was registered again
	ErrSuperseded = errors.New("messaging: pending request superseded")
	// ErrNoHandler is returned when no handler is registered for a message type
	ErrNoHandler = errors.New("messaging: no handler registered")
	// ErrAlreadyRegistered is returned when an operation is registered twice
	ErrAlreadyRegistered = errors.New("messaging: operation already registered")
	// ErrResponderRunning is returned when the handler table changes after Start
	ErrResponderRunning = errors.New("messaging: responder already started")
	// ErrNoFallback is wrapped when the queue path failed and no fallback is configured
	ErrNoFallback = errors.New("messaging: no fallback configured")
)

// TransportError is a connect, channel, publish or subscribe failure
type TransportError struct {
	Op    string
	Queue string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s on queue %s failed: %v", e.Op, e.Queue, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DeserializationError is an envelope or payload that could not be decoded
type DeserializationError struct {
	Queue     string
	MessageID string
	Err       error
}

func (e *DeserializationError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("failed to decode message from %s: %v", e.Queue, e.Err)
	}
	return fmt.Sprintf("failed to decode message %s from %s: %v", e.MessageID, e.Queue, e.Err)
}

func (e *DeserializationError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when no result arrived before the call deadline
type TimeoutError struct {
	Op        string
	RequestID string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s request %s timed out after %v", e.Op, e.RequestID, e.After)
}

// Unwrap lets errors.Is match context.DeadlineExceeded
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// Timeout reports true so the error satisfies net.Error style checks
func (e *TimeoutError) Timeout() bool {
	return true
}

// FallbackExhaustedError is returned when both the queue path and every
// fallback attempt failed
type FallbackExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *FallbackExhaustedError) Error() string {
	return fmt.Sprintf("%s fallback failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *FallbackExhaustedError) Unwrap() error {
	return e.Err
}
