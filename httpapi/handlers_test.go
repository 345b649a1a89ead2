package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kiarashjv/SaaS-LeadSystem/contracts"
	"github.com/kiarashjv/SaaS-LeadSystem/leads"
)

var janeDoe = contracts.Lead{
	Name:        "Jane Doe",
	Email:       "jane@co.com",
	PhoneNumber: "5551234567",
	CompanyName: "Acme",
}

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

func do(t *testing.T, mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	mux.ServeHTTP(rec, req)
	return rec
}

func errorReply(t *testing.T, rec *httptest.ResponseRecorder) contracts.ErrorReply {
	t.Helper()
	var reply contracts.ErrorReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	return reply
}

func TestGateway(t *testing.T) {
	const body = `{"name":"Jane Doe","email":"jane@co.com","phone":"5551234567","companyName":"Acme"}`

	t.Run("qualified lead", func(t *testing.T) {
		evaluation := contracts.LeadEvaluation{Lead: janeDoe, IsQualified: true, Reason: leads.ReasonQualified}
		ev := &mockEvaluation{}
		ev.On("Call", mock.Anything, janeDoe).Return(evaluation, nil)
		st := &mockStorage{}
		st.On("Call", mock.Anything, janeDoe).Return(janeDoe, nil)

		mux := http.NewServeMux()
		MountGateway(mux, leads.NewIntake(ev, st, nil), nil)

		rec := do(t, mux, http.MethodPost, "/api/leads/evaluate", body)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var got contracts.LeadEvaluation
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, evaluation, got)
		st.AssertExpectations(t)
	})

	t.Run("missing name or email", func(t *testing.T) {
		mux := http.NewServeMux()
		MountGateway(mux, leads.NewIntake(&mockEvaluation{}, &mockStorage{}, nil), nil)

		for _, payload := range []string{`{"email":"jane@co.com"}`, `{"name":"Jane Doe"}`, `{}`} {
			rec := do(t, mux, http.MethodPost, "/api/leads/evaluate", payload)
			assert.Equal(t, http.StatusBadRequest, rec.Code, payload)
			assert.Equal(t, MsgNameEmailRequired, errorReply(t, rec).ErrorMessage)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		mux := http.NewServeMux()
		MountGateway(mux, leads.NewIntake(&mockEvaluation{}, &mockStorage{}, nil), nil)

		rec := do(t, mux, http.MethodPost, "/api/leads/evaluate", `{"name":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, contracts.ErrorCodeBadRequest, errorReply(t, rec).ErrorCode)
	})

	t.Run("fatal failure is 500", func(t *testing.T) {
		ev := &mockEvaluation{}
		ev.On("Call", mock.Anything, janeDoe).Return(contracts.LeadEvaluation{}, errors.New("fallback exhausted"))

		mux := http.NewServeMux()
		MountGateway(mux, leads.NewIntake(ev, &mockStorage{}, nil), nil)

		rec := do(t, mux, http.MethodPost, "/api/leads/evaluate", body)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		reply := errorReply(t, rec)
		assert.Equal(t, contracts.ErrorCodeInternal, reply.ErrorCode)
		assert.Equal(t, MsgProcessingFailed, reply.ErrorMessage)
	})

	t.Run("wrong method", func(t *testing.T) {
		mux := http.NewServeMux()
		MountGateway(mux, leads.NewIntake(&mockEvaluation{}, &mockStorage{}, nil), nil)
		assert.Equal(t, http.StatusMethodNotAllowed, do(t, mux, http.MethodGet, "/api/leads/evaluate", "").Code)
	})
}

type failingEvaluator struct{}

func (failingEvaluator) Evaluate(context.Context, contracts.Lead) (contracts.LeadEvaluation, error) {
	return contracts.LeadEvaluation{}, errors.New("model offline")
}

func TestEvaluator(t *testing.T) {
	t.Run("evaluates", func(t *testing.T) {
		mux := http.NewServeMux()
		MountEvaluator(mux, leads.NewRuleEvaluator(), nil)

		rec := do(t, mux, http.MethodPost, "/api/leads/evaluate", `{"name":"Jane","email":"jane@co.com","phoneNumber":"5551234567","companyName":"Acme"}`)
		require.Equal(t, http.StatusOK, rec.Code)

		var got contracts.LeadEvaluation
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.False(t, got.IsQualified)
		assert.Equal(t, leads.ReasonNameIncomplete, got.Reason)
	})

	t.Run("evaluator error", func(t *testing.T) {
		mux := http.NewServeMux()
		MountEvaluator(mux, failingEvaluator{}, nil)

		rec := do(t, mux, http.MethodPost, "/api/leads/evaluate", `{"name":"Jane Doe","email":"jane@co.com"}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestStorage(t *testing.T) {
	store := leads.NewMemoryStore(nil)
	mux := http.NewServeMux()
	MountStorage(mux, store, nil)

	rec := do(t, mux, http.MethodPost, "/api/leads", `{"name":"Jane Doe","email":"jane@co.com","phoneNumber":"5551234567","companyName":"Acme"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var stored contracts.Lead
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.Equal(t, janeDoe, stored)

	rec = do(t, mux, http.MethodPost, "/api/leads", `{"name":"Ann Lee","email":"ann@co.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("list", func(t *testing.T) {
		rec := do(t, mux, http.MethodGet, "/api/leads", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var all []contracts.Lead
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
		require.Len(t, all, 2)
		assert.Equal(t, "jane@co.com", all[0].Email)
	})

	t.Run("get", func(t *testing.T) {
		rec := do(t, mux, http.MethodGet, "/api/leads/jane@co.com", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var got contracts.Lead
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, janeDoe, got)
	})

	t.Run("get missing", func(t *testing.T) {
		rec := do(t, mux, http.MethodGet, "/api/leads/nobody@co.com", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		reply := errorReply(t, rec)
		assert.Equal(t, contracts.ErrorCodeNotFound, reply.ErrorCode)
		assert.Contains(t, reply.ErrorMessage, "nobody@co.com")
	})
}
