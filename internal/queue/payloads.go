package queue

import (
	"encoding/json"

	"github.com/intellioptics/platform/internal/errs"
)

// Default queue names, overridable through QUEUE_IN / QUEUE_OUT /
// QUEUE_FALLBACK.
const (
	DefaultInbound  = "image-queries"
	DefaultOutbound = "inference-results"
	DefaultFallback = "image-fallback"
)

// InferenceRequest is the inbound payload on the image-queries queue. Older
// producers send the blob location as "image_uri" instead of "blob_url".
type InferenceRequest struct {
	ImageQueryID string `json:"image_query_id"`
	BlobURL      string `json:"blob_url"`
	ImageURI     string `json:"image_uri,omitempty"`
}

// ParseInferenceRequest validates the two required fields, folding the legacy
// image_uri alias into BlobURL. Failures are KindBadInput so the consumer
// loop dead-letters instead of retrying.
func ParseInferenceRequest(data []byte) (*InferenceRequest, error) {
	var req InferenceRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errs.Wrap(errs.KindBadInput, "decode inference request", err)
	}
	if req.BlobURL == "" {
		req.BlobURL = req.ImageURI
	}
	if req.ImageQueryID == "" || req.BlobURL == "" {
		return nil, errs.New(errs.KindBadInput, "inference request missing image_query_id or blob_url")
	}
	return &req, nil
}

// InferenceResult is the outbound payload on the inference-results queue.
type InferenceResult struct {
	ImageQueryID string      `json:"image_query_id"`
	OK           bool        `json:"ok"`
	Result       interface{} `json:"result,omitempty"`
	Error        string      `json:"error,omitempty"`
	LatencyMS    float64     `json:"latency_ms,omitempty"`
}

// EscalationJob rides the fallback queue when a query escalates to human
// review. The token lets an edge consumer call back without operator
// credentials.
type EscalationJob struct {
	QueryID       string `json:"query_id"`
	DetectorID    string `json:"detector_id"`
	BlobPath      string `json:"blob_path"`
	FallbackToken string `json:"fallback_token"`
}
