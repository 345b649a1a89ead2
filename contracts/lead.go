package contracts

import (
	"encoding/json"
	"strings"
)

// Message types carried in Envelope.Type
const (
	TypeEvaluateLead   = "lead.evaluate"
	TypeLeadEvaluation = "lead.evaluation"
	TypeStoreLead      = "lead.store"
	TypeLeadStored     = "lead.stored"
)

// Lead is a prospect submitted through the intake form
type Lead struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phoneNumber"`
	CompanyName string `json:"companyName"`
}

// UnmarshalJSON accepts "phone" as an alias for "phoneNumber"
func (l *Lead) UnmarshalJSON(data []byte) error {
	type alias Lead
	var aux struct {
		alias
		Phone string `json:"phone"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*l = Lead(aux.alias)
	if l.PhoneNumber == "" {
		l.PhoneNumber = aux.Phone
	}
	return nil
}

// Key returns the identity used by the lead store
func (l Lead) Key() string {
	return strings.ToLower(strings.TrimSpace(l.Email))
}

// LeadEvaluation is the qualification verdict for a lead
type LeadEvaluation struct {
	Lead        Lead   `json:"lead"`
	IsQualified bool   `json:"isQualified"`
	Reason      string `json:"reason"`
}
