package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/api/middleware"
	"github.com/drfirst/go-claims/internal/cob"
)

// maxBatchItems bounds one secondary generation batch.
const maxBatchItems = 500

// SecondaryRequest is the body of POST /claims/{id}/secondary. An empty body
// uses the payment already recorded on the primary.
type SecondaryRequest struct {
	Payment    *cob.PaymentData `json:"payment,omitempty"`
	AutoSubmit bool             `json:"autoSubmit,omitempty"`
}

// BatchRequest is the body of POST /secondary/batch.
type BatchRequest struct {
	Items []cob.BatchItem `json:"items"`
}

// OrderRequest is the body of POST /cob/order.
type OrderRequest struct {
	Patient    cob.PatientInfo `json:"patient"`
	Insurance1 cob.Policy      `json:"insurance1"`
	Insurance2 cob.Policy      `json:"insurance2"`
}

// SecondaryReadiness handles GET /claims/{id}/secondary/readiness
func (h *ClaimsHandler) SecondaryReadiness(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Generator.ValidateSecondaryReadiness(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.domainError(w, r, "secondary readiness", err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// GenerateSecondary handles POST /claims/{id}/secondary
func (h *ClaimsHandler) GenerateSecondary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req SecondaryRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}

	res, err := h.deps.Generator.GenerateSecondaryClaim(ctx, id, req.Payment, cob.Options{
		UserID:     middleware.GetActorID(ctx),
		AutoSubmit: req.AutoSubmit,
	})
	if err != nil {
		h.domainError(w, r, "secondary generation", err)
		return
	}

	h.logger.Info("secondary claim generated via api",
		zap.String("primary_claim_id", id),
		zap.String("secondary_claim_id", res.SecondaryClaim.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)))
	h.writeJSON(w, http.StatusCreated, res)
}

// BatchSecondary handles POST /secondary/batch
func (h *ClaimsHandler) BatchSecondary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	switch {
	case len(req.Items) == 0:
		h.jsonError(w, "items is required", http.StatusBadRequest)
		return
	case len(req.Items) > maxBatchItems:
		h.jsonError(w, "too many items in batch", http.StatusRequestEntityTooLarge)
		return
	}

	res, err := h.deps.Generator.BatchGenerateSecondaryClaims(ctx, req.Items, middleware.GetActorID(ctx))
	if err != nil {
		h.domainError(w, r, "secondary batch", err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// COBOrder handles POST /cob/order
func (h *ClaimsHandler) COBOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	order, err := cob.DetermineCOBOrder(req.Patient, req.Insurance1, req.Insurance2)
	if err != nil {
		h.domainError(w, r, "cob order", err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}
