package messaging_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiarashjv/SaaS-LeadSystem/contracts"
	"github.com/kiarashjv/SaaS-LeadSystem/messaging"
	"github.com/kiarashjv/SaaS-LeadSystem/transports/memory"
)

func requestEnvelope(t *testing.T, payload any) *contracts.Envelope {
	t.Helper()
	env, err := contracts.NewEnvelope(checkOp.RequestType, payload)
	require.NoError(t, err)
	env.CorrelationID = "req-1"
	return env
}

func TestResponderRegistration(t *testing.T) {
	handler := messaging.HandleTyped(qualify)

	t.Run("operation registered twice", func(t *testing.T) {
		r := messaging.NewResponder(memory.New())
		require.NoError(t, r.Register(checkOp, handler))
		assert.ErrorIs(t, r.Register(checkOp, handler), messaging.ErrAlreadyRegistered)

		other := checkOp
		other.Name = "lead-scoring"
		assert.ErrorIs(t, r.Register(other, handler), messaging.ErrAlreadyRegistered)
		assert.Equal(t, []messaging.Operation{checkOp}, r.Operations())
	})

	t.Run("registration closes at start", func(t *testing.T) {
		tr := memory.New()
		defer tr.Close()

		r := messaging.NewResponder(tr)
		require.NoError(t, r.Register(checkOp, handler))
		require.NoError(t, r.Start(context.Background()))
		defer r.Stop()

		storage := messaging.Operation{Name: "lead-storage", RequestType: contracts.TypeStoreLead, ResultType: contracts.TypeLeadStored}
		assert.ErrorIs(t, r.Register(storage, handler), messaging.ErrResponderRunning)
		assert.ErrorIs(t, r.Start(context.Background()), messaging.ErrResponderRunning)
	})
}

func TestResponderHandle(t *testing.T) {
	r := messaging.NewResponder(memory.New())
	require.NoError(t, r.Register(checkOp, messaging.HandleTyped(qualify)))

	t.Run("reply carries the correlation id", func(t *testing.T) {
		req := requestEnvelope(t, checkRequest{Email: "jane@example.com"})

		reply, err := r.Handle(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, checkOp.ResultType, reply.Type)
		assert.Equal(t, "req-1", reply.CorrelationID)
		assert.NotEqual(t, req.ID, reply.ID)

		var res checkResult
		require.NoError(t, reply.Decode(&res))
		assert.Equal(t, checkResult{Email: "jane@example.com", Qualified: true, Source: "queue"}, res)
	})

	t.Run("handling the same request twice gives the same result", func(t *testing.T) {
		req := requestEnvelope(t, checkRequest{Email: "jane@example.com"})

		first, err := r.Handle(context.Background(), req)
		require.NoError(t, err)
		second, err := r.Handle(context.Background(), req)
		require.NoError(t, err)

		assert.JSONEq(t, string(first.Body), string(second.Body))
		assert.Equal(t, first.CorrelationID, second.CorrelationID)
	})

	t.Run("unknown type", func(t *testing.T) {
		req, err := contracts.NewEnvelope("lead.unknown", struct{}{})
		require.NoError(t, err)

		_, err = r.Handle(context.Background(), req)
		assert.ErrorIs(t, err, messaging.ErrNoHandler)
	})

	t.Run("bad body is a deserialization error", func(t *testing.T) {
		req := requestEnvelope(t, []int{1, 2})

		_, err := r.Handle(context.Background(), req)
		var decodeErr *messaging.DeserializationError
		require.ErrorAs(t, err, &decodeErr)
		assert.Equal(t, checkOp.RequestQueue(), decodeErr.Queue)
		assert.Equal(t, req.ID, decodeErr.MessageID)
	})
}

func TestResponderServe(t *testing.T) {
	t.Run("handler failure is redelivered and then answered", func(t *testing.T) {
		tr := memory.New()
		defer tr.Close()

		var attempts atomic.Int32
		r := messaging.NewResponder(tr)
		require.NoError(t, r.Register(checkOp, messaging.HandleTyped(func(ctx context.Context, req checkRequest) (checkResult, error) {
			if attempts.Add(1) == 1 {
				return checkResult{}, errors.New("evaluator warming up")
			}
			return qualify(ctx, req)
		})))
		require.NoError(t, r.Start(context.Background()))
		defer r.Stop()

		require.NoError(t, tr.Publish(context.Background(), checkOp.RequestQueue(), requestEnvelope(t, checkRequest{Email: "jane@example.com"})))

		require.Eventually(t, func() bool {
			return len(tr.Peek(checkOp.ResultQueue())) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(2), attempts.Load())

		reply, err := contracts.ParseEnvelope(tr.Peek(checkOp.ResultQueue())[0].Body)
		require.NoError(t, err)
		assert.Equal(t, "req-1", reply.CorrelationID)
	})

	t.Run("reply goes to the requested queue", func(t *testing.T) {
		tr := memory.New()
		defer tr.Close()

		r := messaging.NewResponder(tr)
		require.NoError(t, r.Register(checkOp, messaging.HandleTyped(qualify)))
		require.NoError(t, r.Start(context.Background()))
		defer r.Stop()

		req := requestEnvelope(t, checkRequest{Email: "jane@example.com"})
		req.ReplyTo = "gateway-2-results"
		require.NoError(t, tr.Publish(context.Background(), checkOp.RequestQueue(), req))

		require.Eventually(t, func() bool {
			return len(tr.Peek("gateway-2-results")) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Empty(t, tr.Peek(checkOp.ResultQueue()))
	})

	t.Run("middleware wraps every request", func(t *testing.T) {
		tr := memory.New()
		defer tr.Close()

		var seen atomic.Int32
		count := func(next messaging.DeliveryHandler) messaging.DeliveryHandler {
			return func(ctx context.Context, env *contracts.Envelope) error {
				seen.Add(1)
				return next(ctx, env)
			}
		}

		r := messaging.NewResponder(tr, messaging.WithRequestMiddleware(count))
		require.NoError(t, r.Register(checkOp, messaging.HandleTyped(qualify)))
		require.NoError(t, r.Start(context.Background()))
		defer r.Stop()

		require.NoError(t, tr.Publish(context.Background(), checkOp.RequestQueue(), requestEnvelope(t, checkRequest{})))
		require.Eventually(t, func() bool { return seen.Load() == 1 }, time.Second, 5*time.Millisecond)
	})
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) messaging.Middleware {
		return func(next messaging.DeliveryHandler) messaging.DeliveryHandler {
			return func(ctx context.Context, env *contracts.Envelope) error {
				order = append(order, name)
				return next(ctx, env)
			}
		}
	}

	h := messaging.Chain(func(context.Context, *contracts.Envelope) error {
		order = append(order, "handler")
		return nil
	}, mw("outer"), mw("inner"))

	require.NoError(t, h(context.Background(), &contracts.Envelope{}))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestOperationQueues(t *testing.T) {
	assert.Equal(t, "lead-evaluation-queue", checkOp.RequestQueue())
	assert.Equal(t, "lead-evaluation-queue-result", checkOp.ResultQueue())
	assert.Equal(t, "lead-evaluation-queue-dlq", messaging.DeadLetterQueue(checkOp.RequestQueue()))
	assert.Equal(t, []string{"lead-evaluation-queue", "lead-evaluation-queue-result"}, checkOp.Queues())
	assert.True(t, messaging.IsDeadLetterQueue("lead-evaluation-queue-dlq"))
	assert.False(t, messaging.IsDeadLetterQueue(checkOp.ResultQueue()))
}
