package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/inspect"
	"github.com/intellioptics/platform/internal/storage"
	"github.com/intellioptics/platform/internal/vision"
)

// BaselineInvalidator drops a cached baseline after an operator replaces it.
// Satisfied by the inspection service.
type BaselineInvalidator interface {
	InvalidateBaseline(cameraID uuid.UUID)
}

// CameraHandler serves hub enrollment and the camera fleet.
type CameraHandler struct {
	Cameras   data.CameraRepository
	Blobs     storage.Gateway
	Baselines BaselineInvalidator
}

// hubView is a hub with its cameras inlined.
type hubView struct {
	data.Hub
	Cameras []*data.Camera `json:"cameras"`
}

// ListHubs handles GET /v1/hubs. Each hub carries its cameras.
func (h *CameraHandler) ListHubs(w http.ResponseWriter, r *http.Request) {
	hubs, err := h.Cameras.ListHubs(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	cams, err := h.Cameras.ListCameras(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}

	byHub := make(map[uuid.UUID][]*data.Camera, len(hubs))
	for _, c := range cams {
		byHub[c.HubID] = append(byHub[c.HubID], c)
	}
	out := make([]hubView, 0, len(hubs))
	for _, hub := range hubs {
		cs := byHub[hub.ID]
		if cs == nil {
			cs = []*data.Camera{}
		}
		out = append(out, hubView{Hub: *hub, Cameras: cs})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": out})
}

// CreateHub handles POST /v1/hubs. A new hub starts offline until its first
// ping.
func (h *CameraHandler) CreateHub(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Location string `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	hub := &data.Hub{Name: req.Name, Status: "offline", Location: req.Location}
	if err := h.Cameras.CreateHub(r.Context(), hub); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, hub)
}

// PingHub handles POST /v1/hubs/{hubID}/ping. Edge hubs call home on an
// interval; the ping flips the hub online and stamps the time.
func (h *CameraHandler) PingHub(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "hubID")
	if !ok {
		return
	}
	if err := h.Cameras.TouchHub(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "online"})
}

// AddCamera handles POST /v1/hubs/{hubID}/cameras.
func (h *CameraHandler) AddCamera(w http.ResponseWriter, r *http.Request) {
	hubID, ok := pathID(w, r, "hubID")
	if !ok {
		return
	}
	if !h.hubExists(r, hubID) {
		respondError(w, http.StatusNotFound, "hub not found")
		return
	}

	var req struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.URL == "" {
		respondError(w, http.StatusBadRequest, "name and url are required")
		return
	}

	cam := &data.Camera{
		HubID:         hubID,
		Name:          req.Name,
		URL:           req.URL,
		Status:        "active",
		CurrentStatus: string(data.CameraUnknown),
	}
	if err := h.Cameras.CreateCamera(r.Context(), cam); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, cam)
}

// hubExists scans the hub list; fleets are small and the repository has no
// point lookup.
func (h *CameraHandler) hubExists(r *http.Request, id uuid.UUID) bool {
	hubs, err := h.Cameras.ListHubs(r.Context())
	if err != nil {
		return false
	}
	for _, hub := range hubs {
		if hub.ID == id {
			return true
		}
	}
	return false
}

// SetBaseline handles PUT /v1/cameras/{cameraID}/baseline. The uploaded
// capture becomes the view-change reference for the inspection cycle.
func (h *CameraHandler) SetBaseline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "cameraID")
	if !ok {
		return
	}
	cam, err := h.Cameras.GetCamera(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, _, err := r.FormFile("image")
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

	// The inspector has to decode this later, so reject garbage now.
	if _, err := vision.Decode(img); err != nil {
		respondError(w, http.StatusBadRequest, "image must be a decodable JPEG or PNG")
		return
	}
	ext := ".jpg"
	contentType := "image/jpeg"
	if http.DetectContentType(img) == "image/png" {
		ext = ".png"
		contentType = "image/png"
	}

	blobPath, err := h.Blobs.Upload(r.Context(), inspect.BaselineContainer, cam.ID.String()+ext, img, contentType)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := h.Cameras.SetBaseline(r.Context(), cam.ID, blobPath); err != nil {
		respondErr(w, err)
		return
	}
	if h.Baselines != nil {
		h.Baselines.InvalidateBaseline(cam.ID)
	}
	respondJSON(w, http.StatusOK, map[string]string{"baseline_image_path": blobPath})
}
