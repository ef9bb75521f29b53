package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/detect"
	"github.com/intellioptics/platform/internal/queries"
)

// Detector creation defaults, applied when the request leaves them unset.
const (
	defaultConfidenceThreshold = 0.9
	defaultPatienceTime        = 30.0
)

// DetectorHandler serves detector CRUD, the inference configuration and the
// per-detector alert rules.
type DetectorHandler struct {
	Detectors data.DetectorRepository
	Alerts    data.AlertRepository
}

// Create handles POST /v1/detectors.
func (h *DetectorHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name                string   `json:"name"`
		Mode                string   `json:"mode"`
		QueryText           string   `json:"query_text"`
		ConfidenceThreshold *float64 `json:"confidence_threshold"`
		PatienceTime        *float64 `json:"patience_time"`
		GroupName           string   `json:"group_name"`
		Labels              []string `json:"labels"`
		PrimaryModelPath    string   `json:"primary_model_blob_path"`
		OODDModelPath       string   `json:"oodd_model_blob_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Mode == "" {
		req.Mode = string(data.ModeBinary)
	}
	if !data.ValidDetectorMode(req.Mode) {
		respondError(w, http.StatusBadRequest, "unknown detector mode "+strconv.Quote(req.Mode))
		return
	}

	d := &data.Detector{
		Name:                req.Name,
		Mode:                data.DetectorMode(req.Mode),
		QueryText:           req.QueryText,
		Status:              "ON",
		ConfidenceThreshold: defaultConfidenceThreshold,
		PatienceTime:        defaultPatienceTime,
		GroupName:           req.GroupName,
		Labels:              req.Labels,
		PrimaryModelPath:    req.PrimaryModelPath,
		OODDModelPath:       req.OODDModelPath,
	}
	if req.ConfidenceThreshold != nil {
		if *req.ConfidenceThreshold < 0 || *req.ConfidenceThreshold > 1 {
			respondError(w, http.StatusBadRequest, "confidence_threshold must be between 0 and 1")
			return
		}
		d.ConfidenceThreshold = *req.ConfidenceThreshold
	}
	if req.PatienceTime != nil {
		if *req.PatienceTime < 0 {
			respondError(w, http.StatusBadRequest, "patience_time must not be negative")
			return
		}
		d.PatienceTime = *req.PatienceTime
	}
	if d.Labels == nil {
		d.Labels = []string{}
	}

	if err := h.Detectors.Create(r.Context(), d); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, d)
}

// List handles GET /v1/detectors.
func (h *DetectorHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	list, err := h.Detectors.List(r.Context(), limit, offset)
	if err != nil {
		respondErr(w, err)
		return
	}
	if list == nil {
		list = []*data.Detector{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"data": list,
		"meta": map[string]int{"count": len(list), "limit": limit, "offset": offset},
	})
}

// Get handles GET /v1/detectors/{detectorID}.
func (h *DetectorHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "detectorID")
	if !ok {
		return
	}
	d, err := h.Detectors.GetByID(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// Update handles PATCH /v1/detectors/{detectorID}. Only fields present in
// the body change.
func (h *DetectorHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "detectorID")
	if !ok {
		return
	}
	d, err := h.Detectors.GetByID(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}

	var req struct {
		Name                *string   `json:"name"`
		Mode                *string   `json:"mode"`
		QueryText           *string   `json:"query_text"`
		Status              *string   `json:"status"`
		ConfidenceThreshold *float64  `json:"confidence_threshold"`
		PatienceTime        *float64  `json:"patience_time"`
		GroupName           *string   `json:"group_name"`
		Labels              *[]string `json:"labels"`
		PrimaryModelPath    *string   `json:"primary_model_blob_path"`
		OODDModelPath       *string   `json:"oodd_model_blob_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			respondError(w, http.StatusBadRequest, "name must not be empty")
			return
		}
		d.Name = *req.Name
	}
	if req.Mode != nil {
		if !data.ValidDetectorMode(*req.Mode) {
			respondError(w, http.StatusBadRequest, "unknown detector mode "+strconv.Quote(*req.Mode))
			return
		}
		d.Mode = data.DetectorMode(*req.Mode)
	}
	if req.QueryText != nil {
		d.QueryText = *req.QueryText
	}
	if req.Status != nil {
		if *req.Status != "ON" && *req.Status != "OFF" {
			respondError(w, http.StatusBadRequest, `status must be "ON" or "OFF"`)
			return
		}
		d.Status = *req.Status
	}
	if req.ConfidenceThreshold != nil {
		if *req.ConfidenceThreshold < 0 || *req.ConfidenceThreshold > 1 {
			respondError(w, http.StatusBadRequest, "confidence_threshold must be between 0 and 1")
			return
		}
		d.ConfidenceThreshold = *req.ConfidenceThreshold
	}
	if req.PatienceTime != nil {
		if *req.PatienceTime < 0 {
			respondError(w, http.StatusBadRequest, "patience_time must not be negative")
			return
		}
		d.PatienceTime = *req.PatienceTime
	}
	if req.GroupName != nil {
		d.GroupName = *req.GroupName
	}
	if req.Labels != nil {
		d.Labels = *req.Labels
	}
	if req.PrimaryModelPath != nil {
		d.PrimaryModelPath = *req.PrimaryModelPath
	}
	if req.OODDModelPath != nil {
		d.OODDModelPath = *req.OODDModelPath
	}

	if err := h.Detectors.Update(r.Context(), d); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// Delete handles DELETE /v1/detectors/{detectorID}. Detectors are
// soft-deleted so their queries keep their history.
func (h *DetectorHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "detectorID")
	if !ok {
		return
	}
	if err := h.Detectors.SoftDelete(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// GetConfig handles GET /v1/detectors/{detectorID}/config. It returns the
// effective inference configuration, synthesized from the detector row when
// no explicit config has been saved.
func (h *DetectorHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "detectorID")
	if !ok {
		return
	}
	d, err := h.Detectors.GetByID(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	cfg, err := queries.ResolveConfig(r.Context(), h.Detectors, d)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// PutConfig handles PUT /v1/detectors/{detectorID}/config. Omitted fields
// fall back to the detector row and the worker defaults.
func (h *DetectorHandler) PutConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "detectorID")
	if !ok {
		return
	}
	d, err := h.Detectors.GetByID(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}

	var req struct {
		Mode                string                `json:"mode"`
		ClassNames          []string              `json:"class_names"`
		ConfidenceThreshold *float64              `json:"confidence_threshold"`
		PerClassThresholds  map[string]float64    `json:"per_class_thresholds"`
		InputWidth          int                   `json:"input_width"`
		DetectionParams     *data.DetectionParams `json:"detection_params"`
		PrimaryModelPath    string                `json:"primary_model_blob_path"`
		OODDModelPath       string                `json:"oodd_model_blob_path"`
		OODDThreshold       *float64              `json:"oodd_threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg := &data.DetectorConfig{
		DetectorID:          d.ID,
		Mode:                d.Mode,
		ClassNames:          req.ClassNames,
		ConfidenceThreshold: d.ConfidenceThreshold,
		PerClassThresholds:  req.PerClassThresholds,
		InputWidth:          req.InputWidth,
		DetectionParams:     data.DefaultDetectionParams(),
		PrimaryModelPath:    req.PrimaryModelPath,
		OODDModelPath:       req.OODDModelPath,
		OODDThreshold:       0.5,
	}
	if req.Mode != "" {
		if !data.ValidDetectorMode(req.Mode) {
			respondError(w, http.StatusBadRequest, "unknown detector mode "+strconv.Quote(req.Mode))
			return
		}
		cfg.Mode = data.DetectorMode(req.Mode)
	}
	if cfg.ClassNames == nil {
		cfg.ClassNames = d.Labels
	}
	if len(cfg.PerClassThresholds) > 0 {
		known := make(map[string]struct{}, len(cfg.ClassNames))
		for _, name := range cfg.ClassNames {
			known[name] = struct{}{}
		}
		for name, th := range cfg.PerClassThresholds {
			if _, ok := known[name]; !ok {
				respondError(w, http.StatusBadRequest, "per_class_thresholds names unknown class "+strconv.Quote(name))
				return
			}
			if th < 0 || th > 1 {
				respondError(w, http.StatusBadRequest, "per_class_thresholds must be between 0 and 1")
				return
			}
		}
	}
	if req.ConfidenceThreshold != nil {
		if *req.ConfidenceThreshold < 0 || *req.ConfidenceThreshold > 1 {
			respondError(w, http.StatusBadRequest, "confidence_threshold must be between 0 and 1")
			return
		}
		cfg.ConfidenceThreshold = *req.ConfidenceThreshold
	}
	if cfg.InputWidth <= 0 {
		cfg.InputWidth = detect.DefaultInputSize
	}
	if req.DetectionParams != nil {
		cfg.DetectionParams = *req.DetectionParams
	}
	if req.OODDThreshold != nil {
		if *req.OODDThreshold < 0 || *req.OODDThreshold > 1 {
			respondError(w, http.StatusBadRequest, "oodd_threshold must be between 0 and 1")
			return
		}
		cfg.OODDThreshold = *req.OODDThreshold
	}
	if cfg.PrimaryModelPath == "" {
		cfg.PrimaryModelPath = d.PrimaryModelPath
	}
	if cfg.OODDModelPath == "" {
		cfg.OODDModelPath = d.OODDModelPath
	}

	if err := h.Detectors.UpsertConfig(r.Context(), cfg); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// GetAlertConfig handles GET /v1/detectors/{detectorID}/alert-config. A
// detector without a saved rule reports a disabled default.
func (h *DetectorHandler) GetAlertConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "detectorID")
	if !ok {
		return
	}
	if _, err := h.Detectors.GetByID(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	rule, err := h.Alerts.GetRule(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondJSON(w, http.StatusOK, defaultAlertRule(id))
			return
		}
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// defaultAlertRule is the shape reported before an operator saves a rule.
func defaultAlertRule(detectorID uuid.UUID) *data.AlertRule {
	return &data.AlertRule{
		DetectorID:       detectorID,
		Enabled:          false,
		ConditionType:    data.CondAlways,
		ConsecutiveCount: 1,
		Severity:         "warning",
		Emails:           []string{},
		Phones:           []string{},
		Webhooks:         []string{},
	}
}

// PutAlertConfig handles PUT /v1/detectors/{detectorID}/alert-config.
func (h *DetectorHandler) PutAlertConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "detectorID")
	if !ok {
		return
	}
	if _, err := h.Detectors.GetByID(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}

	var req struct {
		Enabled           bool     `json:"enabled"`
		ConditionType     string   `json:"condition_type"`
		ConditionValue    string   `json:"condition_value"`
		ConsecutiveCount  int      `json:"consecutive_count"`
		TimeWindowMinutes int      `json:"time_window_minutes"`
		Emails            []string `json:"alert_emails"`
		Phones            []string `json:"alert_phones"`
		Webhooks          []string `json:"alert_webhooks"`
		Severity          string   `json:"severity"`
		CooldownMinutes   int      `json:"cooldown_minutes"`
		CustomMessage     string   `json:"custom_message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ConditionType == "" {
		req.ConditionType = string(data.CondAlways)
	}
	if !data.ValidAlertCondition(req.ConditionType) {
		respondError(w, http.StatusBadRequest, "unknown condition_type "+strconv.Quote(req.ConditionType))
		return
	}
	cond := data.AlertCondition(req.ConditionType)
	switch cond {
	case data.CondLabelMatch:
		if req.ConditionValue == "" {
			respondError(w, http.StatusBadRequest, "condition_value is required for LABEL_MATCH")
			return
		}
	case data.CondConfidenceAbove, data.CondConfidenceBelow:
		v, err := strconv.ParseFloat(req.ConditionValue, 64)
		if err != nil || v < 0 || v > 1 {
			respondError(w, http.StatusBadRequest, "condition_value must be a confidence between 0 and 1")
			return
		}
	}
	if req.ConsecutiveCount < 1 {
		req.ConsecutiveCount = 1
	}
	if req.TimeWindowMinutes < 0 || req.CooldownMinutes < 0 {
		respondError(w, http.StatusBadRequest, "time_window_minutes and cooldown_minutes must not be negative")
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

	rule := &data.AlertRule{
		DetectorID:        id,
		Enabled:           req.Enabled,
		ConditionType:     cond,
		ConditionValue:    req.ConditionValue,
		ConsecutiveCount:  req.ConsecutiveCount,
		TimeWindowMinutes: req.TimeWindowMinutes,
		Emails:            emptyIfNil(req.Emails),
		Phones:            emptyIfNil(req.Phones),
		Webhooks:          emptyIfNil(req.Webhooks),
		Severity:          req.Severity,
		CooldownMinutes:   req.CooldownMinutes,
		CustomMessage:     req.CustomMessage,
	}
	if err := h.Alerts.UpsertRule(r.Context(), rule); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
