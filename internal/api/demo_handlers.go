package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/demo"
	"github.com/intellioptics/platform/internal/middleware"
	"github.com/intellioptics/platform/internal/tokens"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	// livePollInterval is how often the live stream checks for a fresh frame.
	livePollInterval = 500 * time.Millisecond
	// liveWriteWait bounds a single WebSocket write.
	liveWriteWait = 5 * time.Second
)

// DemoHandler serves capture sessions: lifecycle, frame ingest, the preview
// image and the live WebSocket stream.
type DemoHandler struct {
	Manager *demo.Manager
	Repo    data.DemoRepository
	Tokens  middleware.TokenValidator
}

// Start handles POST /v1/demo-sessions.
func (h *DemoHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name              string   `json:"name"`
		SourceURL         string   `json:"source_url"`
		CaptureMode       string   `json:"capture_mode"`
		DetectorIDs       []string `json:"detector_ids"`
		Prompts           []string `json:"yoloworld_prompts"`
		PollingIntervalMS int      `json:"polling_interval_ms"`
		MotionThreshold   float64  `json:"motion_threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ids := make([]uuid.UUID, 0, len(req.DetectorIDs))
	for _, raw := range req.DetectorIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid detector id "+strconv.Quote(raw))
			return
		}
		ids = append(ids, id)
	}

	sess, err := h.Manager.Start(r.Context(), demo.StartRequest{
		Name:              req.Name,
		SourceURL:         req.SourceURL,
		CaptureMode:       req.CaptureMode,
		DetectorIDs:       ids,
		Prompts:           req.Prompts,
		PollingIntervalMS: req.PollingIntervalMS,
		MotionThreshold:   req.MotionThreshold,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

// List handles GET /v1/demo-sessions.
func (h *DemoHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)

	sessions, err := h.Repo.ListSessions(r.Context(), limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	if sessions == nil {
		sessions = []*data.DemoSession{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": sessions})
}

// Get handles GET /v1/demo-sessions/{sessionID}. worker_active reports
// whether the capture loop is running in this process.
func (h *DemoHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}
	sess, err := h.Repo.GetSession(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session":       sess,
		"worker_active": h.Manager.Active(id),
	})
}

// Stop handles POST /v1/demo-sessions/{sessionID}/stop.
func (h *DemoHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}
	sess, err := h.Manager.Stop(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// Frame handles GET /v1/demo-sessions/{sessionID}/frame, returning the most
// recent capture as a JPEG.
func (h *DemoHandler) Frame(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}
	frame, ok := h.Manager.Frames.Get(r.Context(), id)
	if !ok {
		respondError(w, http.StatusNotFound, "no frame available")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(frame)
}

// PushFrame handles POST /v1/demo-sessions/{sessionID}/frames. Manual-mode
// sessions have no capture loop; clients push frames here instead.
func (h *DemoHandler) PushFrame(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	frameNumber := 0
	if v := r.FormValue("frame_number"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid frame_number")
			return
		}
		frameNumber = n
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		respondError(w, http.StatusBadRequest, "image file is required")
		return
	}
	defer file.Close()
	frame, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "read image upload")
		return
	}
	if len(frame) > maxUploadBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "image exceeds the 20MB upload limit")
		return
	}

	if err := h.Manager.ProcessFrame(r.Context(), id, frameNumber, frame); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// Results handles GET /v1/demo-sessions/{sessionID}/results.
func (h *DemoHandler) Results(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 100)

	results, err := h.Repo.ListResults(r.Context(), id, limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	if results == nil {
		results = []*data.DemoResult{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": results})
}

// Live handles GET /v1/demo-sessions/{sessionID}/live. It upgrades to a
// WebSocket and pushes each new frame as a binary message. Browsers cannot
// set headers on a WebSocket dial, so the access token rides in the "token"
// query parameter.
func (h *DemoHandler) Live(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		respondError(w, http.StatusUnauthorized, "missing token")
		return
	}
	claims, err := h.Tokens.ValidateToken(token)
	if err != nil || claims.TokenType != tokens.Access {
		respondError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	id, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}
	if _, err := h.Repo.GetSession(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		return
	}
	defer conn.Close()

	// Reads are only used to notice the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(livePollInterval)
	defer ticker.Stop()

	var last []byte
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			frame, ok := h.Manager.Frames.Get(r.Context(), id)
			if !ok {
				if h.sessionOver(r, id) {
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended")
					conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
					conn.WriteMessage(websocket.CloseMessage, msg)
					return
				}
				continue
			}
			if bytes.Equal(frame, last) {
				continue
			}
			last = frame

			conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}
}

// sessionOver reports whether the session has stopped or disappeared.
func (h *DemoHandler) sessionOver(r *http.Request, id uuid.UUID) bool {
	sess, err := h.Repo.GetSession(r.Context(), id)
	if err != nil {
		return true
	}
	return sess.Status != data.DemoActive
}
