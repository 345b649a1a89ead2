package leads

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/kiarashjv/SaaS-LeadSystem/contracts"
)

// Qualification reasons
const (
	ReasonCompanyTooShort = "Company name is too short"
	ReasonInvalidEmail    = "Invalid email format"
	ReasonPhoneTooShort   = "Phone number must have at least 10 digits"
	ReasonNameIncomplete  = "Full name is required (first and last name)"
	ReasonQualified       = "Lead matches all qualification criteria"
)

// Evaluator decides whether a lead is qualified
type Evaluator interface {
	Evaluate(ctx context.Context, lead contracts.Lead) (contracts.LeadEvaluation, error)
}

// Rule returns a rejection reason, or "" when the lead passes
type Rule func(lead contracts.Lead) string

// CompanyNameRule rejects company names shorter than min characters
func CompanyNameRule(min int) Rule {
	return func(lead contracts.Lead) string {
		if len([]rune(lead.CompanyName)) < min {
			return ReasonCompanyTooShort
		}
		return ""
	}
}

// EmailRule rejects addresses without "@" or "."
func EmailRule(lead contracts.Lead) string {
	if !strings.Contains(lead.Email, "@") || !strings.Contains(lead.Email, ".") {
		return ReasonInvalidEmail
	}
	return ""
}

// PhoneRule rejects phone numbers with fewer than min digits
func PhoneRule(min int) Rule {
	return func(lead contracts.Lead) string {
		digits := 0
		for _, r := range lead.PhoneNumber {
			if unicode.IsDigit(r) {
				digits++
			}
		}
		if digits < min {
			return ReasonPhoneTooShort
		}
		return ""
	}
}

// FullNameRule rejects names with fewer than two words
func FullNameRule(lead contracts.Lead) string {
	if len(strings.Fields(lead.Name)) < 2 {
		return ReasonNameIncomplete
	}
	return ""
}

// DefaultRules is the qualification policy, checked in order
func DefaultRules() []Rule {
	return []Rule{
		CompanyNameRule(3),
		EmailRule,
		PhoneRule(10),
		FullNameRule,
	}
}

// RuleEvaluator applies rules in order; the first rejection wins
type RuleEvaluator struct {
	rules  []Rule
	delay  time.Duration
	logger *slog.Logger
}

// EvaluatorOption configures a RuleEvaluator
type EvaluatorOption func(*RuleEvaluator)

// WithRules replaces the default policy
func WithRules(rules ...Rule) EvaluatorOption {
	return func(e *RuleEvaluator) {
		e.rules = rules
	}
}

// WithProcessingDelay simulates a slow evaluation
func WithProcessingDelay(delay time.Duration) EvaluatorOption {
	return func(e *RuleEvaluator) {
		e.delay = delay
	}
}

// WithEvaluatorLogger sets the logger
func WithEvaluatorLogger(logger *slog.Logger) EvaluatorOption {
	return func(e *RuleEvaluator) {
		e.logger = logger
	}
}

// NewRuleEvaluator creates an evaluator with the default policy
func NewRuleEvaluator(options ...EvaluatorOption) *RuleEvaluator {
	e := &RuleEvaluator{
		rules:  DefaultRules(),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Evaluate implements Evaluator
func (e *RuleEvaluator) Evaluate(ctx context.Context, lead contracts.Lead) (contracts.LeadEvaluation, error) {
	if e.delay > 0 {
		timer := time.NewTimer(e.delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return contracts.LeadEvaluation{}, ctx.Err()
		}
	}

	evaluation := contracts.LeadEvaluation{Lead: lead, IsQualified: true, Reason: ReasonQualified}
	for _, rule := range e.rules {
		if reason := rule(lead); reason != "" {
			evaluation.IsQualified = false
			evaluation.Reason = reason
			break
		}
	}

	e.logger.Info("lead evaluated",
		"email", lead.Email,
		"qualified", evaluation.IsQualified,
		"reason", evaluation.Reason,
	)
	return evaluation, nil
}
