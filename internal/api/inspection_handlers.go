package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/middleware"
)

// InspectionHandler serves the inspection settings and ingests run and
// health reports. The in-cluster inspector writes through its service
// directly; these endpoints exist for edge inspectors that watch cameras the
// cloud cannot reach.
type InspectionHandler struct {
	Repo    data.InspectionRepository
	Cameras data.CameraRepository
}

// GetConfig handles GET /v1/inspection/config. Before an operator saves
// anything the worker defaults are reported.
func (h *InspectionHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Repo.GetConfig(r.Context())
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondJSON(w, http.StatusOK, data.DefaultInspectionConfig())
			return
		}
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// PutConfig handles PUT /v1/inspection/config. Omitted fields keep their
// current value.
func (h *InspectionHandler) PutConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Repo.GetConfig(r.Context())
	if err != nil {
		if !errors.Is(err, data.ErrRecordNotFound) {
			respondErr(w, err)
			return
		}
		cfg = data.DefaultInspectionConfig()
	}

	var req struct {
		IntervalMinutes         *int      `json:"inspection_interval_minutes"`
		OfflineThresholdMinutes *int      `json:"offline_threshold_minutes"`
		FPSDropThresholdPercent *float64  `json:"fps_drop_threshold_percent"`
		LatencyThresholdMS      *int      `json:"latency_threshold_ms"`
		ViewChangeThreshold     *float64  `json:"view_change_threshold"`
		AlertEmails             *[]string `json:"alert_emails"`
		HealthRetentionDays     *int      `json:"health_retention_days"`
		AlertRetentionDays      *int      `json:"alert_retention_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.IntervalMinutes != nil {
		if *req.IntervalMinutes < 1 {
			respondError(w, http.StatusBadRequest, "inspection_interval_minutes must be at least 1")
			return
		}
		cfg.IntervalMinutes = *req.IntervalMinutes
	}
	if req.OfflineThresholdMinutes != nil {
		if *req.OfflineThresholdMinutes < 1 {
			respondError(w, http.StatusBadRequest, "offline_threshold_minutes must be at least 1")
			return
		}
		cfg.OfflineThresholdMinutes = *req.OfflineThresholdMinutes
	}
	if req.FPSDropThresholdPercent != nil {
		if *req.FPSDropThresholdPercent <= 0 || *req.FPSDropThresholdPercent > 1 {
			respondError(w, http.StatusBadRequest, "fps_drop_threshold_percent must be between 0 and 1")
			return
		}
		cfg.FPSDropThresholdPercent = *req.FPSDropThresholdPercent
	}
	if req.LatencyThresholdMS != nil {
		if *req.LatencyThresholdMS < 1 {
			respondError(w, http.StatusBadRequest, "latency_threshold_ms must be at least 1")
			return
		}
		cfg.LatencyThresholdMS = *req.LatencyThresholdMS
	}
	if req.ViewChangeThreshold != nil {
		if *req.ViewChangeThreshold <= 0 || *req.ViewChangeThreshold > 1 {
			respondError(w, http.StatusBadRequest, "view_change_threshold must be between 0 and 1")
			return
		}
		cfg.ViewChangeThreshold = *req.ViewChangeThreshold
	}
	if req.AlertEmails != nil {
		cfg.AlertEmails = *req.AlertEmails
	}
	if req.HealthRetentionDays != nil {
		if *req.HealthRetentionDays < 1 {
			respondError(w, http.StatusBadRequest, "health_retention_days must be at least 1")
			return
		}
		cfg.HealthRetentionDays = *req.HealthRetentionDays
	}
	if req.AlertRetentionDays != nil {
		if *req.AlertRetentionDays < 1 {
			respondError(w, http.StatusBadRequest, "alert_retention_days must be at least 1")
			return
		}
		cfg.AlertRetentionDays = *req.AlertRetentionDays
	}

	if err := h.Repo.UpsertConfig(r.Context(), cfg); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// CreateRun handles POST /v1/inspection/runs. An edge inspector announces a
// starting cycle and gets the run ID back for its completion report.
func (h *InspectionHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TotalCameras int `json:"total_cameras"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TotalCameras < 0 {
		respondError(w, http.StatusBadRequest, "total_cameras must not be negative")
		return
	}

	run := &data.InspectionRun{TotalCameras: req.TotalCameras, Status: "running"}
	if err := h.Repo.CreateRun(r.Context(), run); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, run)
}

// UpdateRun handles PATCH /v1/inspection/runs/{runID}. The body carries the
// full final tally; a completed or failed status stamps the finish time.
func (h *InspectionHandler) UpdateRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "runID")
	if !ok {
		return
	}

	var req struct {
		TotalCameras int    `json:"total_cameras"`
		Inspected    int    `json:"cameras_inspected"`
		Healthy      int    `json:"cameras_healthy"`
		Warning      int    `json:"cameras_warning"`
		Failed       int    `json:"cameras_failed"`
		Status       string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Status {
	case "running", "completed", "failed":
	default:
		respondError(w, http.StatusBadRequest, `status must be "running", "completed" or "failed"`)
		return
	}

	run := &data.InspectionRun{
		ID:           id,
		TotalCameras: req.TotalCameras,
		Inspected:    req.Inspected,
		Healthy:      req.Healthy,
		Warning:      req.Warning,
		Failed:       req.Failed,
		Status:       req.Status,
	}
	if req.Status != "running" {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}

	if err := h.Repo.UpdateRun(r.Context(), run); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// ReportHealth handles POST /v1/inspection/cameras/{cameraID}/health. The
// sample is stored and rolled up onto the camera row.
func (h *InspectionHandler) ReportHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "cameraID")
	if !ok {
		return
	}
	cam, err := h.Cameras.GetCamera(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}

	var req struct {
		Status             string   `json:"status"`
		ConnectionError    string   `json:"connection_error"`
		FPS                float64  `json:"fps"`
		ExpectedFPS        float64  `json:"expected_fps"`
		Resolution         string   `json:"resolution"`
		AvgBrightness      *float64 `json:"avg_brightness"`
		SharpnessScore     *float64 `json:"sharpness_score"`
		LatencyMS          *float64 `json:"latency_ms"`
		ViewSimilarity     *float64 `json:"view_similarity_score"`
		ViewChangeDetected bool     `json:"view_change_detected"`
		FeatureMatchCount  *int     `json:"feature_match_count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status := data.CameraStatus(req.Status)
	switch status {
	case data.CameraHealthy, data.CameraWarning, data.CameraCritical, data.CameraUnknown:
	default:
		respondError(w, http.StatusBadRequest, `status must be "healthy", "warning", "critical" or "unknown"`)
		return
	}

	rec := &data.HealthRecord{
		CameraID:           cam.ID,
		Status:             status,
		ConnectionError:    req.ConnectionError,
		FPS:                req.FPS,
		ExpectedFPS:        req.ExpectedFPS,
		Resolution:         req.Resolution,
		AvgBrightness:      req.AvgBrightness,
		SharpnessScore:     req.SharpnessScore,
		LatencyMS:          req.LatencyMS,
		ViewSimilarity:     req.ViewSimilarity,
		ViewChangeDetected: req.ViewChangeDetected,
		FeatureMatchCount:  req.FeatureMatchCount,
	}
	if err := h.Repo.CreateHealthRecord(r.Context(), rec); err != nil {
		respondErr(w, err)
		return
	}

	// Roll-up failures must not lose the stored sample.
	if err := h.Cameras.UpdateCameraHealth(r.Context(), cam.ID, string(status), healthScore(status), time.Now().UTC()); err != nil {
		log.Printf("[API] camera %s: update health roll-up: %v", cam.ID, err)
	}
	if req.ViewChangeDetected {
		if err := h.Cameras.SetViewChange(r.Context(), cam.ID, true); err != nil {
			log.Printf("[API] camera %s: flag view change: %v", cam.ID, err)
		}
	}
	respondJSON(w, http.StatusCreated, rec)
}

// healthScore maps a reported status onto the camera health score.
func healthScore(status data.CameraStatus) float64 {
	switch status {
	case data.CameraHealthy:
		return 100
	case data.CameraWarning:
		return 50
	default:
		return 0
	}
}

// ListHealth handles GET /v1/inspection/cameras/{cameraID}/health.
func (h *InspectionHandler) ListHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "cameraID")
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 50)

	records, err := h.Repo.ListHealthRecords(r.Context(), id, limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	if records == nil {
		records = []*data.HealthRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": records})
}

// CreateAlert handles POST /v1/inspection/alerts.
func (h *InspectionHandler) CreateAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CameraID  string          `json:"camera_id"`
		AlertType string          `json:"alert_type"`
		Severity  string          `json:"severity"`
		Message   string          `json:"message"`
		Details   json.RawMessage `json:"details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cameraID, err := uuid.Parse(req.CameraID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid camera_id")
		return
	}
	if req.AlertType == "" || req.Message == "" {
		respondError(w, http.StatusBadRequest, "alert_type and message are required")
		return
	}
	switch req.Severity {
	case "":
		req.Severity = "warning"
	case "info", "warning", "critical":
	default:
		respondError(w, http.StatusBadRequest, `severity must be "info", "warning" or "critical"`)
		return
	}

	alert := &data.InspectionAlert{
		CameraID:  cameraID,
		AlertType: req.AlertType,
		Severity:  req.Severity,
		Message:   req.Message,
		Details:   req.Details,
	}
	if err := h.Repo.CreateAlert(r.Context(), alert); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, alert)
}

// ListAlerts handles GET /v1/inspection/alerts.
func (h *InspectionHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	var cameraID *uuid.UUID
	if v := r.URL.Query().Get("camera_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid camera_id")
			return
		}
		cameraID = &id
	}
	limit := queryInt(r, "limit", 50)

	alerts, err := h.Repo.ListAlerts(r.Context(), cameraID, limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	if alerts == nil {
		alerts = []*data.InspectionAlert{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": alerts})
}

// AcknowledgeAlert handles POST /v1/inspection/alerts/{alertID}/acknowledge.
func (h *InspectionHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "alertID")
	if !ok {
		return
	}
	by := ""
	if ac, ok := middleware.GetAuthContext(r.Context()); ok {
		by = ac.UserID
	}

	if err := h.Repo.AcknowledgeAlert(r.Context(), id, by); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// MuteAlert handles POST /v1/inspection/alerts/{alertID}/mute. The default
// mute is an hour.
func (h *InspectionHandler) MuteAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "alertID")
	if !ok {
		return
	}

	var req struct {
		Minutes int `json:"minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Minutes < 0 {
		respondError(w, http.StatusBadRequest, "minutes must not be negative")
		return
	}
	if req.Minutes == 0 {
		req.Minutes = 60
	}

	until := time.Now().UTC().Add(time.Duration(req.Minutes) * time.Minute)
	if err := h.Repo.MuteAlert(r.Context(), id, until); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "muted", "muted_until": until})
}
