package handlers

import (
	"net/http"
	"strconv"

	"github.com/drfirst/go-claims/internal/deadline"
)

// Aging handles GET /reports/aging
func (h *ClaimsHandler) Aging(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Tracker.GetAgingReport(r.Context())
	if err != nil {
		h.domainError(w, r, "aging report", err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// Stale handles GET /reports/stale?days=N
func (h *ClaimsHandler) Stale(w http.ResponseWriter, r *http.Request) {
	days := h.deps.StaleDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.jsonError(w, "days must be a positive integer", http.StatusBadRequest)
			return
		}
		days = n
	}

	stale, err := h.deps.Tracker.CheckStaleClaims(r.Context(), days)
	if err != nil {
		h.domainError(w, r, "stale claims", err)
		return
	}
	if stale == nil {
		stale = []deadline.StaleClaim{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"daysThreshold": days,
		"count":         len(stale),
		"claims":        stale,
	})
}

// Deadlines handles GET /reports/deadlines
func (h *ClaimsHandler) Deadlines(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.deps.Tracker.CheckTimelyFilingDeadlines(r.Context())
	if err != nil {
		h.domainError(w, r, "deadline check", err)
		return
	}
	var critical, warning int
	for _, a := range alerts {
		if a.Severity == deadline.SeverityCritical {
			critical++
		} else {
			warning++
		}
	}
	if alerts == nil {
		alerts = []deadline.Alert{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"critical": critical,
		"warning":  warning,
		"alerts":   alerts,
	})
}
