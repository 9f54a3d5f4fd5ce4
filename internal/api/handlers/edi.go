package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/api/middleware"
	"github.com/drfirst/go-claims/internal/edi"
	"github.com/drfirst/go-claims/internal/infrastructure/clearinghouse"
)

// InquiryRequest is the body of POST /inquiries/276.
type InquiryRequest struct {
	ClaimIDs []string `json:"claimIds"`
	Transmit bool     `json:"transmit,omitempty"`
}

// InquiryResponse carries the built batch and, when requested, the
// transmission outcome.
type InquiryResponse struct {
	Inquiry      *edi.Inquiry276               `json:"inquiry"`
	Transmission *clearinghouse.TransmitResult `json:"transmission,omitempty"`
}

// Inquiry276 handles POST /inquiries/276
func (h *ClaimsHandler) Inquiry276(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req InquiryRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Transmit && h.deps.Transmitter == nil {
		h.jsonError(w, "clearinghouse transmission is not configured", http.StatusServiceUnavailable)
		return
	}

	inq, err := h.deps.Inquiries.Generate276Inquiry(ctx, req.ClaimIDs)
	if err != nil {
		h.domainError(w, r, "276 inquiry", err)
		return
	}
	resp := InquiryResponse{Inquiry: inq}

	if req.Transmit && len(inq.Payers) > 0 {
		res, err := h.deps.Transmitter.Transmit(ctx, inq)
		if err != nil {
			h.logger.Error("276 transmission failed",
				zap.String("batch_id", inq.BatchID),
				zap.String("request_id", middleware.GetRequestID(ctx)),
				zap.Error(err))
			h.jsonError(w, "transmission failed", http.StatusBadGateway)
			return
		}
		resp.Transmission = res
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// Response277 handles POST /responses/277. Item failures are reported in the
// body; the request itself only fails on a malformed payload.
func (h *ClaimsHandler) Response277(w http.ResponseWriter, r *http.Request) {
	var resp edi.Response277
	if !h.decode(w, r, &resp) {
		return
	}
	if len(resp.Claims) == 0 {
		h.jsonError(w, "claims is required", http.StatusBadRequest)
		return
	}

	result := h.deps.Translator.Process277Response(r.Context(), resp)
	h.writeJSON(w, http.StatusOK, result)
}
