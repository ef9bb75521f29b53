package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/middleware"
	"github.com/intellioptics/platform/internal/queries"
)

// maxUploadBytes bounds multipart image uploads.
const maxUploadBytes = 20 << 20

// QueryHandler serves image query submission, listing, review and the
// accuracy roll-up.
type QueryHandler struct {
	Queries *queries.Service
}

// Submit handles POST /v1/queries. The body is multipart form data with an
// "image" file plus detector_id, and optionally confidence_threshold,
// want_async and camera_name fields.
func (h *QueryHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	rawID := r.FormValue("detector_id")
	if rawID == "" {
		respondError(w, http.StatusBadRequest, "detector_id is required")
		return
	}
	detectorID, err := uuid.Parse(rawID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid detector_id")
		return
	}

	req := queries.SubmitRequest{
		DetectorID: detectorID,
		CameraName: r.FormValue("camera_name"),
	}
	if v := r.FormValue("confidence_threshold"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil || t < 0 || t > 1 {
			respondError(w, http.StatusBadRequest, "confidence_threshold must be between 0 and 1")
			return
		}
		req.ConfidenceThreshold = &t
	}
	if v := r.FormValue("want_async"); v != "" {
		req.WantAsync, _ = strconv.ParseBool(v)
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		respondError(w, http.StatusBadRequest, "image file is required")
		return
	}
	defer file.Close()
	img, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "read image upload")
		return
	}
	if len(img) > maxUploadBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "image exceeds the 20MB upload limit")
		return
	}
	req.Image = img
	req.Filename = header.Filename

	q, err := h.Queries.Submit(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	status := http.StatusCreated
	if req.WantAsync {
		status = http.StatusAccepted
	}
	respondJSON(w, status, q)
}

// SubmitImage handles POST /v1/image-queries, the surface edge devices and
// the SDK use. The image is the raw request body; parameters ride in the
// query string.
func (h *QueryHandler) SubmitImage(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	rawID := params.Get("detector_id")
	if rawID == "" {
		respondError(w, http.StatusBadRequest, "detector_id is required")
		return
	}
	detectorID, err := uuid.Parse(rawID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid detector_id")
		return
	}

	req := queries.SubmitRequest{
		DetectorID: detectorID,
		CameraName: params.Get("camera_name"),
	}
	if v := params.Get("confidence_threshold"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil || t < 0 || t > 1 {
			respondError(w, http.StatusBadRequest, "confidence_threshold must be between 0 and 1")
			return
		}
		req.ConfidenceThreshold = &t
	}
	if v := params.Get("want_async"); v != "" {
		req.WantAsync, _ = strconv.ParseBool(v)
	}

	img, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "read image body")
		return
	}
	if len(img) == 0 {
		respondError(w, http.StatusBadRequest, "image body is required")
		return
	}
	if len(img) > maxUploadBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "image exceeds the 20MB upload limit")
		return
	}
	req.Image = img

	q, err := h.Queries.Submit(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	status := http.StatusCreated
	if req.WantAsync {
		status = http.StatusAccepted
	}
	respondJSON(w, status, q)
}

// List handles GET /v1/queries.
func (h *QueryHandler) List(w http.ResponseWriter, r *http.Request) {
	f := data.QueryFilter{
		ShowVerified:  queryBool(r, "show_verified"),
		LabelContains: r.URL.Query().Get("label_filter"),
		Limit:         queryInt(r, "limit", 50),
		Offset:        queryInt(r, "skip", 0),
	}
	if v := r.URL.Query().Get("detector_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid detector_id")
			return
		}
		f.DetectorID = &id
	}
	if v := r.URL.Query().Get("max_confidence"); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid max_confidence")
			return
		}
		f.MaxConfidence = &c
	}

	views, total, err := h.Queries.List(r.Context(), f)
	if err != nil {
		respondErr(w, err)
		return
	}
	if views == nil {
		views = []queries.View{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"data": views,
		"meta": map[string]int{"total": total, "limit": f.Limit, "skip": f.Offset},
	})
}

// Get handles GET /v1/queries/{queryID}.
func (h *QueryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "queryID")
	if !ok {
		return
	}
	v, err := h.Queries.Get(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

// Image handles GET /v1/queries/{queryID}/image. The client is redirected to
// a short-lived signed blob URL rather than proxying the bytes.
func (h *QueryHandler) Image(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "queryID")
	if !ok {
		return
	}
	url, err := h.Queries.ImageURL(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// Feedback handles POST /v1/queries/{queryID}/feedback. Reviewer role only;
// the reviewer identity comes from the access token.
func (h *QueryHandler) Feedback(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "queryID")
	if !ok {
		return
	}
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	reviewerID, err := uuid.Parse(ac.UserID)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid token subject")
		return
	}

	var req struct {
		Label      string   `json:"label"`
		Confidence *float64 `json:"confidence"`
		Count      *int     `json:"count"`
		Notes      string   `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Confidence != nil && (*req.Confidence < 0 || *req.Confidence > 1) {
		respondError(w, http.StatusBadRequest, "confidence must be between 0 and 1")
		return
	}
	if req.Count != nil && *req.Count < 0 {
		respondError(w, http.StatusBadRequest, "count cannot be negative")
		return
	}

	fb, err := h.Queries.SubmitFeedback(r.Context(), id, queries.FeedbackInput{
		Label:      req.Label,
		Confidence: req.Confidence,
		Count:      req.Count,
		Notes:      req.Notes,
		ReviewerID: reviewerID,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, fb)
}

// SetGroundTruth handles PATCH /v1/queries/{queryID}.
func (h *QueryHandler) SetGroundTruth(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "queryID")
	if !ok {
		return
	}
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req struct {
		GroundTruth string `json:"ground_truth"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.GroundTruth == "" {
		respondError(w, http.StatusBadRequest, "ground_truth is required")
		return
	}

	q, err := h.Queries.SetGroundTruth(r.Context(), id, req.GroundTruth, ac.UserID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, q)
}

// Delete handles DELETE /v1/queries/{queryID}. The stored image and all
// dependent rows go with it.
func (h *QueryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "queryID")
	if !ok {
		return
	}
	if err := h.Queries.Delete(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// Accuracy handles GET /v1/metrics/accuracy.
func (h *QueryHandler) Accuracy(w http.ResponseWriter, r *http.Request) {
	var detectorID *uuid.UUID
	if v := r.URL.Query().Get("detector_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid detector_id")
			return
		}
		detectorID = &id
	}

	stats, err := h.Queries.AccuracyStats(r.Context(), detectorID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
