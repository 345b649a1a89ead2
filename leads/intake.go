package leads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kiarashjv/SaaS-LeadSystem/contracts"
)

// ErrInvalidLead is returned for leads missing a name or email
var ErrInvalidLead = errors.New("leads: name and email are required")

// EvaluationClient evaluates a lead remotely. *EvaluationCaller satisfies it.
type EvaluationClient interface {
	Call(ctx context.Context, lead contracts.Lead) (contracts.LeadEvaluation, error)
}

// StorageClient stores a lead remotely. *StorageCaller satisfies it.
type StorageClient interface {
	Call(ctx context.Context, lead contracts.Lead) (contracts.Lead, error)
}

// Intake evaluates submitted leads and stores the qualified ones
type Intake struct {
	evaluation EvaluationClient
	storage    StorageClient
	logger     *slog.Logger
}

// NewIntake creates the intake flow
func NewIntake(evaluation EvaluationClient, storage StorageClient, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		evaluation: evaluation,
		storage:    storage,
		logger:     logger,
	}
}

// Validate checks the fields the intake flow requires
func Validate(lead contracts.Lead) error {
	if strings.TrimSpace(lead.Name) == "" || strings.TrimSpace(lead.Email) == "" {
		return ErrInvalidLead
	}
	return nil
}

// Submit evaluates lead and, when it qualifies, stores it
func (i *Intake) Submit(ctx context.Context, lead contracts.Lead) (contracts.LeadEvaluation, error) {
	if err := Validate(lead); err != nil {
		return contracts.LeadEvaluation{}, err
	}

	i.logger.Info("evaluating lead", "email", lead.Email)
	evaluation, err := i.evaluation.Call(ctx, lead)
	if err != nil {
		return contracts.LeadEvaluation{}, fmt.Errorf("evaluate lead %s: %w", lead.Email, err)
	}

	if !evaluation.IsQualified {
		i.logger.Info("lead not qualified", "email", lead.Email, "reason", evaluation.Reason)
		return evaluation, nil
	}

	i.logger.Info("lead qualified, storing", "email", lead.Email)
	if _, err := i.storage.Call(ctx, evaluation.Lead); err != nil {
		return contracts.LeadEvaluation{}, fmt.Errorf("store lead %s: %w", lead.Email, err)
	}
	return evaluation, nil
}
