package api

import "net/http"

// HealthHandler serves the liveness probe.
type HealthHandler struct{}

// Liveness handles GET /healthz.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
