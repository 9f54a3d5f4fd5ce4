// Package handlers provides HTTP handlers for the claims API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/api/middleware"
	"github.com/drfirst/go-claims/internal/cob"
	"github.com/drfirst/go-claims/internal/deadline"
	"github.com/drfirst/go-claims/internal/domain/claim"
	"github.com/drfirst/go-claims/internal/edi"
	"github.com/drfirst/go-claims/internal/infrastructure/clearinghouse"
)

// maxBodyBytes caps request bodies. 277 batches are the largest payloads.
const maxBodyBytes = 8 << 20

// Deps are the services behind the API. Transmitter may be nil, in which
// case 276 batches are built but never sent.
type Deps struct {
	Engine      *claim.Engine
	Translator  *edi.Translator
	Inquiries   *edi.InquiryBuilder
	Transmitter *clearinghouse.Transmitter
	Tracker     *deadline.Tracker
	Generator   *cob.Generator
	// StaleDays is the default threshold for the stale claims report.
	StaleDays int
}

// ClaimsHandler serves claim status, reporting, EDI and COB endpoints.
type ClaimsHandler struct {
	deps   Deps
	logger *zap.Logger
}

// NewClaimsHandler creates a handler.
func NewClaimsHandler(deps Deps, logger *zap.Logger) *ClaimsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.StaleDays <= 0 {
		deps.StaleDays = 30
	}
	return &ClaimsHandler{deps: deps, logger: logger}
}

// Routes returns the handler routes
func (h *ClaimsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/claims/{id}", func(r chi.Router) {
		r.Post("/status", h.UpdateStatus)
		r.Get("/history", h.History)
		r.Get("/timeline", h.Timeline)
		r.Get("/secondary/readiness", h.SecondaryReadiness)
		r.Post("/secondary", h.GenerateSecondary)
	})

	r.Route("/reports", func(r chi.Router) {
		r.Get("/aging", h.Aging)
		r.Get("/stale", h.Stale)
		r.Get("/deadlines", h.Deadlines)
	})

	r.Post("/inquiries/276", h.Inquiry276)
	r.Post("/responses/277", h.Response277)
	r.Post("/secondary/batch", h.BatchSecondary)
	r.Post("/cob/order", h.COBOrder)
	r.Get("/status-codes", h.StatusCodes)
	return r
}

func (h *ClaimsHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *ClaimsHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response", zap.Error(err))
	}
}

func (h *ClaimsHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, map[string]string{"error": message})
}

// domainError writes err with the status its kind maps to. Errors outside the
// domain set are logged and hidden behind a 500.
func (h *ClaimsHandler) domainError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error(op+" failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.jsonError(w, op+" failed", code)
		return
	}

	body := map[string]any{
		"error": err.Error(),
		"kind":  claim.KindOf(err).String(),
	}
	var de *claim.Error
	if errors.As(err, &de) {
		if de.Field != "" {
			body["field"] = de.Field
		}
		if de.Kind == claim.KindInvalidTransition {
			body["allowed"] = de.From.AllowedTransitions()
		}
	}
	h.writeJSON(w, code, body)
}

func statusFor(err error) int {
	switch claim.KindOf(err) {
	case claim.KindNotFound:
		return http.StatusNotFound
	case claim.KindInvalidTransition, claim.KindAlreadyExists, claim.KindConcurrentModification:
		return http.StatusConflict
	case claim.KindValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
