package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/detect"
	"github.com/intellioptics/platform/internal/errs"
	"github.com/intellioptics/platform/internal/infer"
	"github.com/intellioptics/platform/internal/metrics"
)

// maxImageBytes bounds one submitted image.
const maxImageBytes = 32 << 20

// Inferencer is the slice of the dispatcher the HTTP surface needs.
type Inferencer interface {
	Run(ctx context.Context, cfg *data.DetectorConfig, image []byte) (*infer.Response, error)
}

// server is the worker's HTTP surface: direct inference for callers that
// bypass the queue, plus health and metrics.
type server struct {
	Dispatcher Inferencer

	// Default serves submissions that carry no detector config. Nil when
	// the deployment has no default model.
	Default *data.DetectorConfig

	// BinaryClass narrows default-model detections to a single class.
	BinaryClass string
}

func (s *server) routes(metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/infer", s.handleInfer)
	mux.HandleFunc("/yoloworld", s.handleYOLOWorld)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metricsHandler)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

// handleInfer accepts either a multipart request carrying the image and its
// full detector config, or raw image bytes served by the default model.
func (s *server) handleInfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		s.inferMultipart(w, r)
		return
	}
	s.inferRaw(w, r)
}

func (s *server) inferMultipart(w http.ResponseWriter, r *http.Request) {
	image, ok := readImagePart(w, r)
	if !ok {
		return
	}
	raw := r.FormValue("config")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "config part is required")
		return
	}
	var cfg data.DetectorConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "config part is not valid JSON")
		return
	}

	resp, err := s.Dispatcher.Run(r.Context(), &cfg, image)
	if err != nil {
		writeInferError(w, err)
		return
	}
	metrics.RecordInference("http", topLabel(resp))
	metrics.RecordInferenceLatency("http", float64(resp.LatencyMS))
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) inferRaw(w http.ResponseWriter, r *http.Request) {
	if s.Default == nil {
		writeError(w, http.StatusServiceUnavailable, "no default model loaded")
		return
	}
	image, err := io.ReadAll(io.LimitReader(r.Body, maxImageBytes))
	if err != nil || len(image) == 0 {
		writeError(w, http.StatusBadRequest, "image body is empty")
		return
	}

	cfg := *s.Default
	resp, err := s.Dispatcher.Run(r.Context(), &cfg, image)
	if err != nil {
		writeInferError(w, err)
		return
	}
	resp.Detections = filterClass(resp.Detections, s.BinaryClass)
	metrics.RecordInference("http", topLabel(resp))
	metrics.RecordInferenceLatency("http", float64(resp.LatencyMS))
	writeJSON(w, http.StatusOK, resp)
}

// handleYOLOWorld runs the default model in open-vocabulary mode with the
// caller's prompt list as the class set. Deployments point this worker's
// model repository at an open-vocabulary artifact.
func (s *server) handleYOLOWorld(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	prompts := splitPrompts(r.URL.Query().Get("prompts"))
	if len(prompts) == 0 {
		writeError(w, http.StatusBadRequest, "prompts query parameter is required")
		return
	}
	if s.Default == nil {
		writeError(w, http.StatusServiceUnavailable, "no default model loaded")
		return
	}
	image, ok := readImagePart(w, r)
	if !ok {
		return
	}

	cfg := *s.Default
	cfg.Mode = data.ModeOpenVocab
	cfg.ClassNames = prompts
	cfg.PerClassThresholds = nil

	resp, err := s.Dispatcher.Run(r.Context(), &cfg, image)
	if err != nil {
		writeInferError(w, err)
		return
	}
	resp.PromptsUsed = prompts
	metrics.RecordInference("http", topLabel(resp))
	metrics.RecordInferenceLatency("http", float64(resp.LatencyMS))
	writeJSON(w, http.StatusOK, resp)
}

// readImagePart pulls the multipart image part, writing the 400 itself when
// the part is missing or unreadable.
func readImagePart(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		writeError(w, http.StatusBadRequest, "malformed multipart body")
		return nil, false
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image part is required")
		return nil, false
	}
	defer file.Close()
	image, err := io.ReadAll(file)
	if err != nil || len(image) == 0 {
		writeError(w, http.StatusBadRequest, "image part is empty")
		return nil, false
	}
	return image, true
}

// filterClass keeps only detections matching class. Empty class keeps all.
func filterClass(dets []detect.Detection, class string) []detect.Detection {
	if class == "" {
		return dets
	}
	out := make([]detect.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Label == class {
			out = append(out, d)
		}
	}
	return out
}

func topLabel(resp *infer.Response) string {
	if len(resp.Detections) == 0 {
		return "nothing"
	}
	return resp.Detections[0].Label
}

func writeInferError(w http.ResponseWriter, err error) {
	log.Printf("[Worker] inference failed: %v", err)
	if errs.KindOf(err) == errs.KindBadInput {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[Worker] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func splitPrompts(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
