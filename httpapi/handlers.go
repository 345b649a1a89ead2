package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiarashjv/SaaS-LeadSystem/contracts"
	"github.com/kiarashjv/SaaS-LeadSystem/leads"
)

const maxRequestBody = 1 << 20

// Messages returned in ErrorReply bodies
const (
	MsgNameEmailRequired = "Name and Email are required"
	MsgProcessingFailed  = "An error occurred while processing your request"
	MsgStoringFailed     = "An error occurred while storing the lead"
	MsgRetrievingFailed  = "An error occurred while retrieving leads"
	MsgMalformedBody     = "Request body must be a JSON lead"
)

// MountGateway registers the public intake endpoint:
//
//	POST /api/leads/evaluate
func MountGateway(mux *http.ServeMux, intake *leads.Intake, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	mux.HandleFunc("POST /api/leads/evaluate", func(w http.ResponseWriter, r *http.Request) {
		lead, ok := decodeLead(w, r)
		if !ok {
			return
		}

		evaluation, err := intake.Submit(r.Context(), lead)
		switch {
		case errors.Is(err, leads.ErrInvalidLead):
			writeError(w, http.StatusBadRequest, contracts.ErrorCodeInvalidLead, MsgNameEmailRequired)
		case err != nil:
			logger.Error("error processing lead", "email", lead.Email, "error", err)
			writeError(w, http.StatusInternalServerError, contracts.ErrorCodeInternal, MsgProcessingFailed)
		default:
			writeJSON(w, http.StatusOK, evaluation)
		}
	})
}

// MountEvaluator registers the evaluation fallback endpoint:
//
//	POST /api/leads/evaluate
func MountEvaluator(mux *http.ServeMux, evaluator leads.Evaluator, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	mux.HandleFunc("POST /api/leads/evaluate", func(w http.ResponseWriter, r *http.Request) {
		lead, ok := decodeLead(w, r)
		if !ok {
			return
		}

		logger.Info("evaluating lead over http", "email", lead.Email)
		evaluation, err := evaluator.Evaluate(r.Context(), lead)
		if err != nil {
			logger.Error("error evaluating lead", "email", lead.Email, "error", err)
			writeError(w, http.StatusInternalServerError, contracts.ErrorCodeInternal, MsgProcessingFailed)
			return
		}
		writeJSON(w, http.StatusOK, evaluation)
	})
}

// MountStorage registers the lead store endpoints:
//
//	POST /api/leads
//	GET  /api/leads
//	GET  /api/leads/{email}
func MountStorage(mux *http.ServeMux, store leads.Store, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	mux.HandleFunc("POST /api/leads", func(w http.ResponseWriter, r *http.Request) {
		lead, ok := decodeLead(w, r)
		if !ok {
			return
		}

		logger.Info("storing qualified lead over http", "email", lead.Email)
		stored, err := store.Put(r.Context(), lead)
		if err != nil {
			logger.Error("error storing lead", "email", lead.Email, "error", err)
			writeError(w, http.StatusInternalServerError, contracts.ErrorCodeInternal, MsgStoringFailed)
			return
		}
		writeJSON(w, http.StatusOK, stored)
	})

	mux.HandleFunc("GET /api/leads", func(w http.ResponseWriter, r *http.Request) {
		all, err := store.List(r.Context())
		if err != nil {
			logger.Error("error retrieving qualified leads", "error", err)
			writeError(w, http.StatusInternalServerError, contracts.ErrorCodeInternal, MsgRetrievingFailed)
			return
		}
		writeJSON(w, http.StatusOK, all)
	})

	mux.HandleFunc("GET /api/leads/{email}", func(w http.ResponseWriter, r *http.Request) {
		email := r.PathValue("email")
		lead, err := store.Get(r.Context(), email)
		switch {
		case errors.Is(err, leads.ErrLeadNotFound):
			writeError(w, http.StatusNotFound, contracts.ErrorCodeNotFound, "No lead found with email: "+email)
		case err != nil:
			logger.Error("error retrieving lead", "email", email, "error", err)
			writeError(w, http.StatusInternalServerError, contracts.ErrorCodeInternal, MsgRetrievingFailed)
		default:
			writeJSON(w, http.StatusOK, lead)
		}
	})
}

func decodeLead(w http.ResponseWriter, r *http.Request) (contracts.Lead, bool) {
	var lead contracts.Lead
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&lead); err != nil {
		writeError(w, http.StatusBadRequest, contracts.ErrorCodeBadRequest, MsgMalformedBody)
		return contracts.Lead{}, false
	}
	return lead, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, contracts.NewErrorReply(code, message))
}
