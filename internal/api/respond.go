// Package api is the HTTP surface of the platform: detector and query
// management, review and feedback, inspection report ingest, hub enrollment
// and demo sessions, mounted on one chi router behind bearer auth.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/errs"
)

// respondJSON writes payload as a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[API] write response: %v", err)
	}
}

// respondError writes a JSON error envelope with the given status code.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps a classified service error onto an HTTP status.
// Unclassified errors become a 500 with a generic body so internals never
// reach clients.
func respondErr(w http.ResponseWriter, err error) {
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "record not found")
		return
	}
	switch errs.KindOf(err) {
	case errs.KindBadInput:
		respondError(w, http.StatusBadRequest, err.Error())
	case errs.KindUnauthorized:
		respondError(w, http.StatusUnauthorized, err.Error())
	case errs.KindForbidden:
		respondError(w, http.StatusForbidden, err.Error())
	case errs.KindNotFound:
		respondError(w, http.StatusNotFound, err.Error())
	case errs.KindConflict:
		respondError(w, http.StatusConflict, err.Error())
	case errs.KindInferenceTimeout, errs.KindExternalUnavailable:
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Printf("[API] internal error: %v", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

// pathID parses the named route parameter as a UUID, reading both chi and
// std mux (Go 1.22+) params. On failure it writes a 400 and reports false.
func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, name)
	if raw == "" {
		raw = r.PathValue(name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// queryInt reads an integer query parameter, falling back to def when absent
// or malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// queryBool reads a boolean query parameter. Absence and junk read as false.
func queryBool(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}
