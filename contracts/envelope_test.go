package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var janeDoe = Lead{
	Name:        "Jane Doe",
	Email:       "jane@co.com",
	PhoneNumber: "5551234567",
	CompanyName: "Acme",
}

func TestNewEnvelope(t *testing.T) {
	t.Run("fills identity and version", func(t *testing.T) {
		env, err := NewEnvelope(TypeEvaluateLead, janeDoe)
		require.NoError(t, err)

		_, err = uuid.Parse(env.ID)
		assert.NoError(t, err)
		assert.Equal(t, TypeEvaluateLead, env.Type)
		assert.Equal(t, SchemaVersion, env.SchemaVersion)
		assert.False(t, env.Timestamp.IsZero())
		assert.Empty(t, env.CorrelationID)

		var decoded Lead
		require.NoError(t, env.Decode(&decoded))
		assert.Equal(t, janeDoe, decoded)
	})

	t.Run("rejects unmarshalable payload", func(t *testing.T) {
		_, err := NewEnvelope(TypeEvaluateLead, make(chan int))
		assert.Error(t, err)
	})

	t.Run("reply echoes correlation id", func(t *testing.T) {
		req, err := NewEnvelope(TypeEvaluateLead, janeDoe)
		require.NoError(t, err)
		req.CorrelationID = uuid.New().String()

		reply, err := req.NewReply(TypeLeadEvaluation, LeadEvaluation{Lead: janeDoe, IsQualified: true})
		require.NoError(t, err)
		assert.Equal(t, req.CorrelationID, reply.CorrelationID)
		assert.NotEqual(t, req.ID, reply.ID)
	})
}

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{
			name: "valid",
			data: `{"id":"1","type":"lead.evaluate","schemaVersion":1,"body":{}}`,
		},
		{
			name:    "missing schema version",
			data:    `{"id":"1","type":"lead.evaluate","body":{}}`,
			wantErr: ErrUnsupportedSchema,
		},
		{
			name:    "future schema version",
			data:    `{"id":"1","type":"lead.evaluate","schemaVersion":2,"body":{}}`,
			wantErr: ErrUnsupportedSchema,
		},
		{
			name:    "missing type",
			data:    `{"id":"1","schemaVersion":1,"body":{}}`,
			wantErr: ErrMissingType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tt.data))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, env)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "1", env.ID)
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		_, err := ParseEnvelope([]byte(`{"id":`))
		assert.Error(t, err)
	})
}

func TestEnvelopeDecode(t *testing.T) {
	t.Run("empty body", func(t *testing.T) {
		env := &Envelope{Type: TypeEvaluateLead, SchemaVersion: SchemaVersion}
		var lead Lead
		assert.ErrorIs(t, env.Decode(&lead), ErrEmptyBody)
	})

	t.Run("wrong shape", func(t *testing.T) {
		env := &Envelope{Type: TypeEvaluateLead, SchemaVersion: SchemaVersion, Body: json.RawMessage(`[1,2]`)}
		var lead Lead
		assert.Error(t, env.Decode(&lead))
	})
}

func TestEnvelopeHeaders(t *testing.T) {
	env := &Envelope{}
	assert.Equal(t, "", env.Header("x-retry-count"))

	env.SetHeader("x-retry-count", "2")
	assert.Equal(t, "2", env.Header("x-retry-count"))
}

func TestEnvelopeWireFormat(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	correlationID := "0b6e3c9e-1d2f-4a8b-9c7d-5e6f7a8b9c0d"
	body, err := json.Marshal(janeDoe)
	require.NoError(t, err)

	request := &Envelope{
		ID:            "7f0c9a52-5c1e-4d0b-9a57-2f4c3b1e8d10",
		Type:          TypeEvaluateLead,
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		CorrelationID: correlationID,
		ReplyTo:       "lead-evaluation-queue-result",
		Body:          body,
	}
	data, err := json.Marshal(request)
	require.NoError(t, err)
	g.Assert(t, "evaluate_request", append(data, '\n'))

	body, err = json.Marshal(LeadEvaluation{
		Lead:        janeDoe,
		IsQualified: true,
		Reason:      "Lead matches all qualification criteria",
	})
	require.NoError(t, err)

	reply := &Envelope{
		ID:            "3c2d1e0f-9a8b-4c7d-8e6f-5a4b3c2d1e0f",
		Type:          TypeLeadEvaluation,
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
		CorrelationID: correlationID,
		Body:          body,
	}
	data, err = json.Marshal(reply)
	require.NoError(t, err)
	g.Assert(t, "evaluation_reply", append(data, '\n'))
}
