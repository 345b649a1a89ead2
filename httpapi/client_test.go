package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiarashjv/SaaS-LeadSystem/contracts"
	"github.com/kiarashjv/SaaS-LeadSystem/internal/reliability"
	"github.com/kiarashjv/SaaS-LeadSystem/leads"
	"github.com/kiarashjv/SaaS-LeadSystem/messaging"
	"github.com/kiarashjv/SaaS-LeadSystem/transports/memory"
)

func storageServer(t *testing.T) (*httptest.Server, *leads.MemoryStore) {
	t.Helper()
	store := leads.NewMemoryStore(nil)
	mux := http.NewServeMux()
	MountStorage(mux, store, nil)
	MountEvaluator(mux, leads.NewRuleEvaluator(), nil)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	srv, store := storageServer(t)
	client := NewClient(srv.URL + "/")
	assert.Equal(t, srv.URL, client.BaseURL())

	t.Run("evaluate", func(t *testing.T) {
		evaluation, err := client.EvaluateLead(ctx, janeDoe)
		require.NoError(t, err)
		assert.True(t, evaluation.IsQualified)
		assert.Equal(t, janeDoe, evaluation.Lead)
	})

	t.Run("store list get", func(t *testing.T) {
		stored, err := client.StoreLead(ctx, janeDoe)
		require.NoError(t, err)
		assert.Equal(t, janeDoe, stored)
		assert.Equal(t, 1, store.Len())

		all, err := client.ListLeads(ctx)
		require.NoError(t, err)
		assert.Equal(t, []contracts.Lead{janeDoe}, all)

		got, err := client.GetLead(ctx, "jane@co.com")
		require.NoError(t, err)
		assert.Equal(t, janeDoe, got)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := client.GetLead(ctx, "nobody@co.com")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
		assert.False(t, reliability.IsRetryable(err))

		var serr *StatusError
		require.ErrorAs(t, err, &serr)
		require.NotNil(t, serr.Reply)
		assert.Equal(t, contracts.ErrorCodeNotFound, serr.Reply.ErrorCode)
	})
}

func TestClientErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"internal error", http.StatusInternalServerError, "", true},
		{"bad gateway", http.StatusBadGateway, "", true},
		{"unavailable", http.StatusServiceUnavailable, "", true},
		{"request timeout", http.StatusRequestTimeout, "", true},
		{"too many requests", http.StatusTooManyRequests, "", true},
		{"bad request", http.StatusBadRequest, `{"errorCode":"INVALID_LEAD","errorMessage":"Name and Email are required"}`, false},
		{"unauthorized", http.StatusUnauthorized, "", false},
		{"undecodable success", http.StatusOK, `not json`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL).EvaluateLead(context.Background(), janeDoe)
			require.Error(t, err)
			assert.Equal(t, tt.retryable, reliability.IsRetryable(err))
		})
	}

	t.Run("connection refused is retryable", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		_, err = NewClient("http://" + addr).EvaluateLead(context.Background(), janeDoe)
		require.Error(t, err)
		assert.True(t, reliability.IsRetryable(err))
	})
}

// TestCallerFallsBackToHTTP runs the evaluation caller with no responder on
// the queue, so every call times out and is answered over HTTP.
func TestCallerFallsBackToHTTP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := memory.New()
	defer tr.Close()

	var attempts atomic.Int32
	flaky := http.NewServeMux()
	MountEvaluator(flaky, leads.NewRuleEvaluator(), nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		flaky.ServeHTTP(w, r)
	}))
	defer srv.Close()

	var sleeps []time.Duration
	client := NewClient(srv.URL)
	caller := messaging.NewCaller[contracts.Lead, contracts.LeadEvaluation](tr, leads.EvaluationOperation,
		messaging.WithTimeout(20*time.Millisecond),
		messaging.WithFallback(client.EvaluateLead),
		messaging.WithSleep(func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		}),
	)
	require.NoError(t, caller.Start(ctx))

	evaluation, err := caller.Call(ctx, janeDoe)
	require.NoError(t, err)
	assert.True(t, evaluation.IsQualified)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeps)
	assert.Equal(t, 0, caller.Pending())
}

func TestCallerStopsOnPermanentHTTPError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := memory.New()
	defer tr.Close()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		writeError(w, http.StatusBadRequest, contracts.ErrorCodeInvalidLead, MsgNameEmailRequired)
	}))
	defer srv.Close()

	caller := messaging.NewCaller[contracts.Lead, contracts.LeadEvaluation](tr, leads.EvaluationOperation,
		messaging.WithTimeout(20*time.Millisecond),
		messaging.WithFallback(NewClient(srv.URL).EvaluateLead),
		messaging.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	require.NoError(t, caller.Start(ctx))

	_, err := caller.Call(ctx, janeDoe)
	var exhausted *messaging.FallbackExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, exhausted.Attempts)
	assert.Equal(t, int32(1), attempts.Load())

	var serr *StatusError
	assert.True(t, errors.As(err, &serr))
}
