package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the envelope layout version written by this module.
const SchemaVersion = 1

var (
	// ErrUnsupportedSchema is returned when an envelope has a schema version we cannot read
	ErrUnsupportedSchema = errors.New("contracts: unsupported envelope schema version")
	// ErrMissingType is returned when an envelope has no message type
	ErrMissingType = errors.New("contracts: envelope has no type")
	// ErrEmptyBody is returned when decoding an envelope without a body
	ErrEmptyBody = errors.New("contracts: envelope has no body")
)

// Envelope wraps messages for transport
type Envelope struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	SchemaVersion int               `json:"schemaVersion"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlationId,omitempty"`
	ReplyTo       string            `json:"replyTo,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          json.RawMessage   `json:"body"`
}

// NewEnvelope marshals payload into a fresh envelope of the given type
func NewEnvelope(messageType string, payload any) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", messageType, err)
	}

	return &Envelope{
		ID:            uuid.New().String(),
		Type:          messageType,
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	}, nil
}

// NewReply builds the reply to e, carrying e's correlation id
func (e *Envelope) NewReply(messageType string, payload any) (*Envelope, error) {
	reply, err := NewEnvelope(messageType, payload)
	if err != nil {
		return nil, err
	}
	reply.CorrelationID = e.CorrelationID
	return reply, nil
}

// ParseEnvelope decodes and validates a wire envelope
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the fields every reader relies on
func (e *Envelope) Validate() error {
	if e.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedSchema, e.SchemaVersion)
	}
	if e.Type == "" {
		return ErrMissingType
	}
	return nil
}

// Decode unmarshals the body into v
func (e *Envelope) Decode(v any) error {
	if len(e.Body) == 0 {
		return ErrEmptyBody
	}
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("failed to decode %s body: %w", e.Type, err)
	}
	return nil
}

// Header returns a header value or ""
func (e *Envelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// SetHeader sets a header, allocating the map on first use
func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}
