package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/api/middleware"
	"github.com/drfirst/go-claims/internal/domain/claim"
	"github.com/drfirst/go-claims/internal/edi"
)

// StatusRequest is the body of POST /claims/{id}/status. The update fields
// sit beside the target status.
type StatusRequest struct {
	Status claim.Status `json:"status"`
	claim.StatusUpdate
}

// UpdateStatus handles POST /claims/{id}/status
func (h *ClaimsHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req StatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Status == "" {
		h.jsonError(w, "status is required", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		req.Source = claim.SourceAPI
	}

	res, err := h.deps.Engine.UpdateStatus(ctx, id, req.Status, req.StatusUpdate, middleware.GetActorID(ctx))
	if err != nil {
		h.domainError(w, r, "status update", err)
		return
	}

	h.logger.Info("status updated via api",
		zap.String("claim_id", id),
		zap.String("status", string(req.Status)),
		zap.String("request_id", middleware.GetRequestID(ctx)))
	h.writeJSON(w, http.StatusOK, res)
}

// History handles GET /claims/{id}/history
func (h *ClaimsHandler) History(w http.ResponseWriter, r *http.Request) {
	history, err := h.deps.Engine.GetStatusHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.domainError(w, r, "history", err)
		return
	}
	if history == nil {
		history = []claim.StatusHistoryEntry{}
	}
	h.writeJSON(w, http.StatusOK, history)
}

// Timeline handles GET /claims/{id}/timeline
func (h *ClaimsHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	tl, err := h.deps.Engine.GetStatusTimeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.domainError(w, r, "timeline", err)
		return
	}
	h.writeJSON(w, http.StatusOK, tl)
}

// StatusCodes handles GET /status-codes
func (h *ClaimsHandler) StatusCodes(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, edi.Codes())
}
