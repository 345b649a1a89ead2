package leads

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kiarashjv/SaaS-LeadSystem/contracts"
	"github.com/kiarashjv/SaaS-LeadSystem/messaging"
	"github.com/kiarashjv/SaaS-LeadSystem/transports/memory"
)

type mockEvaluation struct {
	mock.Mock
}

func (m *mockEvaluation) Call(ctx context.Context, lead contracts.Lead) (contracts.LeadEvaluation, error) {
	args := m.Called(ctx, lead)
	return args.Get(0).(contracts.LeadEvaluation), args.Error(1)
}

type mockStorage struct {
	mock.Mock
}

func (m *mockStorage) Call(ctx context.Context, lead contracts.Lead) (contracts.Lead, error) {
	args := m.Called(ctx, lead)
	return args.Get(0).(contracts.Lead), args.Error(1)
}

func TestIntakeSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("qualified lead is stored", func(t *testing.T) {
		evaluation := contracts.LeadEvaluation{Lead: janeDoe, IsQualified: true, Reason: ReasonQualified}
		ev := &mockEvaluation{}
		ev.On("Call", mock.Anything, janeDoe).Return(evaluation, nil)
		st := &mockStorage{}
		st.On("Call", mock.Anything, janeDoe).Return(janeDoe, nil)

		got, err := NewIntake(ev, st, nil).Submit(ctx, janeDoe)
		require.NoError(t, err)
		assert.Equal(t, evaluation, got)
		ev.AssertExpectations(t)
		st.AssertExpectations(t)
	})

	t.Run("unqualified lead is not stored", func(t *testing.T) {
		evaluation := contracts.LeadEvaluation{Lead: janeDoe, Reason: ReasonPhoneTooShort}
		ev := &mockEvaluation{}
		ev.On("Call", mock.Anything, janeDoe).Return(evaluation, nil)
		st := &mockStorage{}

		got, err := NewIntake(ev, st, nil).Submit(ctx, janeDoe)
		require.NoError(t, err)
		assert.False(t, got.IsQualified)
		st.AssertNotCalled(t, "Call", mock.Anything, mock.Anything)
	})

	t.Run("name and email are required", func(t *testing.T) {
		ev := &mockEvaluation{}
		st := &mockStorage{}
		intake := NewIntake(ev, st, nil)

		_, err := intake.Submit(ctx, contracts.Lead{Email: "jane@co.com"})
		assert.ErrorIs(t, err, ErrInvalidLead)
		_, err = intake.Submit(ctx, contracts.Lead{Name: "Jane Doe", Email: "  "})
		assert.ErrorIs(t, err, ErrInvalidLead)
		ev.AssertNotCalled(t, "Call", mock.Anything, mock.Anything)
	})

	t.Run("evaluation failure surfaces", func(t *testing.T) {
		cause := &messaging.FallbackExhaustedError{Op: "lead-evaluation", Attempts: 4, Err: errors.New("connection refused")}
		ev := &mockEvaluation{}
		ev.On("Call", mock.Anything, janeDoe).Return(contracts.LeadEvaluation{}, cause)

		_, err := NewIntake(ev, &mockStorage{}, nil).Submit(ctx, janeDoe)
		var exhausted *messaging.FallbackExhaustedError
		assert.ErrorAs(t, err, &exhausted)
	})

	t.Run("storage failure surfaces", func(t *testing.T) {
		ev := &mockEvaluation{}
		ev.On("Call", mock.Anything, janeDoe).Return(contracts.LeadEvaluation{Lead: janeDoe, IsQualified: true}, nil)
		cause := errors.New("storage down")
		st := &mockStorage{}
		st.On("Call", mock.Anything, janeDoe).Return(contracts.Lead{}, cause)

		_, err := NewIntake(ev, st, nil).Submit(ctx, janeDoe)
		assert.ErrorIs(t, err, cause)
	})
}

// TestIntakeOverQueues runs the whole flow over the in-process transport:
// evaluation and storage both answer on their result queues and no fallback
// is used.
func TestIntakeOverQueues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := memory.New()
	defer tr.Close()

	store := NewMemoryStore(nil)
	responder := messaging.NewResponder(tr)
	require.NoError(t, RegisterEvaluation(responder, NewRuleEvaluator()))
	require.NoError(t, RegisterStorage(responder, store))
	require.NoError(t, responder.Start(ctx))
	defer responder.Stop()

	var fallbacks atomic.Int32
	evaluation := messaging.NewCaller[contracts.Lead, contracts.LeadEvaluation](tr, EvaluationOperation,
		messaging.WithTimeout(10*time.Second),
		messaging.WithFallback(func(context.Context, contracts.Lead) (contracts.LeadEvaluation, error) {
			fallbacks.Add(1)
			return contracts.LeadEvaluation{}, errors.New("unexpected fallback")
		}),
	)
	storage := messaging.NewCaller[contracts.Lead, contracts.Lead](tr, StorageOperation,
		messaging.WithTimeout(5*time.Second),
		messaging.WithFallback(func(context.Context, contracts.Lead) (contracts.Lead, error) {
			fallbacks.Add(1)
			return contracts.Lead{}, errors.New("unexpected fallback")
		}),
	)
	require.NoError(t, evaluation.Start(ctx))
	require.NoError(t, storage.Start(ctx))

	var lead contracts.Lead
	require.NoError(t, lead.UnmarshalJSON([]byte(`{"name":"Jane Doe","email":"jane@co.com","phone":"5551234567","companyName":"Acme"}`)))

	got, err := NewIntake(evaluation, storage, nil).Submit(ctx, lead)
	require.NoError(t, err)
	assert.True(t, got.IsQualified)
	assert.Equal(t, ReasonQualified, got.Reason)
	assert.Equal(t, int32(0), fallbacks.Load())
	assert.Equal(t, 0, evaluation.Pending())
	assert.Equal(t, 0, storage.Pending())

	stored, err := store.Get(ctx, "jane@co.com")
	require.NoError(t, err)
	assert.Equal(t, "5551234567", stored.PhoneNumber)
}

func TestQueues(t *testing.T) {
	assert.Equal(t, []string{
		"lead-evaluation-queue", "lead-evaluation-queue-dlq",
		"lead-evaluation-queue-result", "lead-evaluation-queue-result-dlq",
		"lead-storage-queue", "lead-storage-queue-dlq",
		"lead-storage-queue-result", "lead-storage-queue-result-dlq",
	}, Queues())
}
