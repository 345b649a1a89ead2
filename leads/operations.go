package leads

import (
	"github.com/kiarashjv/SaaS-LeadSystem/contracts"
	"github.com/kiarashjv/SaaS-LeadSystem/messaging"
)

var (
	// EvaluationOperation qualifies a lead: lead-evaluation-queue and lead-evaluation-queue-result
	EvaluationOperation = messaging.Operation{
		Name:        "lead-evaluation",
		RequestType: contracts.TypeEvaluateLead,
		ResultType:  contracts.TypeLeadEvaluation,
	}

	// StorageOperation stores a qualified lead: lead-storage-queue and lead-storage-queue-result
	StorageOperation = messaging.Operation{
		Name:        "lead-storage",
		RequestType: contracts.TypeStoreLead,
		ResultType:  contracts.TypeLeadStored,
	}
)

// Operations lists every operation of the lead system
func Operations() []messaging.Operation {
	return []messaging.Operation{EvaluationOperation, StorageOperation}
}

// Queues lists every work queue of the lead system with its dead-letter queue
func Queues() []string {
	var queues []string
	for _, op := range Operations() {
		for _, q := range op.Queues() {
			queues = append(queues, q, messaging.DeadLetterQueue(q))
		}
	}
	return queues
}

// EvaluationCaller performs lead evaluation with an HTTP fallback
type EvaluationCaller = messaging.Caller[contracts.Lead, contracts.LeadEvaluation]

// StorageCaller performs lead storage with an HTTP fallback
type StorageCaller = messaging.Caller[contracts.Lead, contracts.Lead]

// RegisterEvaluation serves EvaluationOperation with evaluator
func RegisterEvaluation(responder *messaging.Responder, evaluator Evaluator) error {
	return responder.Register(EvaluationOperation, messaging.HandleTyped(evaluator.Evaluate))
}

// RegisterStorage serves StorageOperation with store. The reply is the stored lead.
func RegisterStorage(responder *messaging.Responder, store Store) error {
	return responder.Register(StorageOperation, messaging.HandleTyped(store.Put))
}
