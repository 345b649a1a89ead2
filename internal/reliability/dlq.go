package reliability

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Dead letter headers written on messages routed to a dead letter queue
const (
	HeaderOriginalQueue  = "x-original-queue"
	HeaderLastError      = "x-last-error"
	HeaderRetryCount     = "x-retry-count"
	HeaderFirstDeathTime = "x-first-death-time"
)

// DeliveryCounter tracks failed deliveries per message id so a poison message
// can be routed away after a fixed number of attempts. Counts are kept in
// process memory; a broker supplied count takes precedence when it is higher.
type DeliveryCounter struct {
	mu      sync.Mutex
	entries map[string]*deliveryEntry
	max     int
	ttl     time.Duration
	now     func() time.Time
}

type deliveryEntry struct {
	failures    int
	firstFailed time.Time
	lastSeen    time.Time
}

// NewDeliveryCounter creates a counter that dead letters at maxDeliveries.
// Entries untouched for ttl are dropped by Sweep.
func NewDeliveryCounter(maxDeliveries int, ttl time.Duration) *DeliveryCounter {
	if maxDeliveries < 1 {
		maxDeliveries = 1
	}
	return &DeliveryCounter{
		entries: make(map[string]*deliveryEntry),
		max:     maxDeliveries,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Fail records a failed delivery and reports whether the message has used its
// delivery budget. brokerDeliveries is the broker's count of earlier deliveries,
// or 0 when unknown.
func (c *DeliveryCounter) Fail(messageID string, brokerDeliveries int) (failures int, exhausted bool, firstFailed time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, ok := c.entries[messageID]
	if !ok {
		entry = &deliveryEntry{firstFailed: now}
		c.entries[messageID] = entry
	}
	entry.failures++
	entry.lastSeen = now
	if brokerDeliveries+1 > entry.failures {
		entry.failures = brokerDeliveries + 1
	}

	return entry.failures, entry.failures >= c.max, entry.firstFailed
}

// Forget drops the count for a message that was processed or dead lettered
func (c *DeliveryCounter) Forget(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, messageID)
}

// Sweep removes entries idle for longer than the ttl and returns how many
func (c *DeliveryCounter) Sweep() int {
	if c.ttl <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.ttl)
	removed := 0
	for id, entry := range c.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked messages
func (c *DeliveryCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// MaxDeliveries returns the configured budget
func (c *DeliveryCounter) MaxDeliveries() int {
	return c.max
}

// DLQMetadata contains metadata about a dead lettered message
type DLQMetadata struct {
	OriginalQueue string
	LastError     string
	RetryCount    int
	FirstDeathAt  time.Time
}

// Headers renders the metadata as message headers
func (m DLQMetadata) Headers() map[string]string {
	headers := map[string]string{
		HeaderOriginalQueue: m.OriginalQueue,
		HeaderLastError:     m.LastError,
		HeaderRetryCount:    strconv.Itoa(m.RetryCount),
	}
	if !m.FirstDeathAt.IsZero() {
		headers[HeaderFirstDeathTime] = strconv.FormatInt(m.FirstDeathAt.Unix(), 10)
	}
	return headers
}

// ParseDLQMetadata reads the metadata written by Headers
func ParseDLQMetadata(headers map[string]string) DLQMetadata {
	metadata := DLQMetadata{
		OriginalQueue: headers[HeaderOriginalQueue],
		LastError:     headers[HeaderLastError],
	}
	if n, err := strconv.Atoi(headers[HeaderRetryCount]); err == nil {
		metadata.RetryCount = n
	}
	if ts, err := strconv.ParseInt(headers[HeaderFirstDeathTime], 10, 64); err == nil {
		metadata.FirstDeathAt = time.Unix(ts, 0)
	}
	return metadata
}

// FailedMessage represents a message that exhausted its deliveries
type FailedMessage struct {
	ID            string            `json:"id"`
	Queue         string            `json:"queue"`
	Type          string            `json:"type"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          []byte            `json:"-"`
	Error         string            `json:"error"`
	RetryCount    int               `json:"retryCount"`
	FirstFailedAt time.Time         `json:"firstFailedAt"`
	LastFailedAt  time.Time         `json:"lastFailedAt"`
}

// MarshalJSON renders the body as text
func (f FailedMessage) MarshalJSON() ([]byte, error) {
	type alias FailedMessage
	return json.Marshal(&struct {
		alias
		Body string `json:"body"`
	}{
		alias: alias(f),
		Body:  string(f.Body),
	})
}

// ErrorFilter filters failed messages
type ErrorFilter struct {
	Queue      string
	Since      time.Time
	MaxResults int
}

// ErrorStore persists dead lettered messages for inspection
type ErrorStore interface {
	Store(ctx context.Context, message FailedMessage) error
	Get(ctx context.Context, id string) (*FailedMessage, error)
	List(ctx context.Context, filter ErrorFilter) ([]FailedMessage, error)
	Delete(ctx context.Context, id string) error
}

// InMemoryErrorStore is an ErrorStore backed by a map
type InMemoryErrorStore struct {
	mu       sync.RWMutex
	messages map[string]FailedMessage
}

// NewInMemoryErrorStore creates a new in-memory error store
func NewInMemoryErrorStore() *InMemoryErrorStore {
	return &InMemoryErrorStore{
		messages: make(map[string]FailedMessage),
	}
}

// Store implements ErrorStore
func (s *InMemoryErrorStore) Store(_ context.Context, message FailedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[message.ID] = message
	return nil
}

// Get implements ErrorStore
func (s *InMemoryErrorStore) Get(_ context.Context, id string) (*FailedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, &DLQError{Op: "get", MessageID: id, Err: ErrFailedMessageNotFound}
	}
	return &msg, nil
}

// List implements ErrorStore, newest failures first
func (s *InMemoryErrorStore) List(_ context.Context, filter ErrorFilter) ([]FailedMessage, error) {
	s.mu.RLock()
	results := make([]FailedMessage, 0, len(s.messages))
	for _, msg := range s.messages {
		if filter.Queue != "" && msg.Queue != filter.Queue {
			continue
		}
		if !filter.Since.IsZero() && msg.LastFailedAt.Before(filter.Since) {
			continue
		}
		results = append(results, msg)
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		return results[i].LastFailedAt.After(results[j].LastFailedAt)
	})

	if filter.MaxResults > 0 && len(results) > filter.MaxResults {
		results = results[:filter.MaxResults]
	}
	return results, nil
}

// Delete implements ErrorStore
func (s *InMemoryErrorStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	return nil
}

// Count returns the number of stored messages
func (s *InMemoryErrorStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
