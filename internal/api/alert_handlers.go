package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/middleware"
)

// AlertHandler serves the detector alert event history.
type AlertHandler struct {
	Alerts data.AlertRepository
}

// List handles GET /v1/detector-alerts.
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	var detectorID *uuid.UUID
	if v := r.URL.Query().Get("detector_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid detector_id")
			return
		}
		detectorID = &id
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	events, err := h.Alerts.ListEvents(r.Context(), detectorID, limit, offset)
	if err != nil {
		respondErr(w, err)
		return
	}
	if events == nil {
		events = []*data.AlertEvent{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"data": events,
		"meta": map[string]int{"count": len(events), "limit": limit, "offset": offset},
	})
}

// Acknowledge handles POST /v1/detector-alerts/{alertID}/acknowledge. An
// alert can be acknowledged once; repeats come back 404.
func (h *AlertHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "alertID")
	if !ok {
		return
	}
	by := ""
	if ac, ok := middleware.GetAuthContext(r.Context()); ok {
		by = ac.UserID
	}

	if err := h.Alerts.Acknowledge(r.Context(), id, by); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}
