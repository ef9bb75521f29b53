package infer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/errs"
)

// Client calls a remote inference worker over HTTP. It satisfies the same
// contract as the in-process dispatcher, so callers pick local or remote at
// wiring time.
type Client struct {
	http *resty.Client
}

// NewClient points at a worker base URL, e.g. "http://worker:8001".
func NewClient(baseURL string) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(DefaultTimeout)
	return &Client{http: c}
}

// Run posts the image and its detector configuration to the worker's /infer
// endpoint.
func (c *Client) Run(ctx context.Context, cfg *data.DetectorConfig, imageBytes []byte) (*Response, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, errs.Wrap(errs.KindBadInput, "marshal detector config", err)
	}

	var out Response
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("image", "image.jpg", bytes.NewReader(imageBytes)).
		SetMultipartField("config", "", "application/json", strings.NewReader(string(cfgJSON))).
		SetResult(&out).
		Post("/infer")
	if err != nil {
		return nil, errs.Wrap(errs.KindExternalUnavailable, "call worker /infer", err)
	}
	if err := workerError(resp); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunPrompts posts the image to the worker's open-vocabulary endpoint with a
// comma-separated prompt list.
func (c *Client) RunPrompts(ctx context.Context, prompts []string, imageBytes []byte) (*Response, error) {
	if len(prompts) == 0 {
		return nil, errs.New(errs.KindBadInput, "at least one prompt is required")
	}

	var out Response
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("prompts", strings.Join(prompts, ",")).
		SetFileReader("image", "image.jpg", bytes.NewReader(imageBytes)).
		SetResult(&out).
		Post("/yoloworld")
	if err != nil {
		return nil, errs.Wrap(errs.KindExternalUnavailable, "call worker /yoloworld", err)
	}
	if err := workerError(resp); err != nil {
		return nil, err
	}
	return &out, nil
}

// Healthy reports whether the worker's health endpoint answers 200.
func (c *Client) Healthy(ctx context.Context) bool {
	resp, err := c.http.R().SetContext(ctx).Get("/health")
	return err == nil && resp.StatusCode() == http.StatusOK
}

// workerError maps worker HTTP failures onto the shared error kinds. The
// worker reports failures as {"error": "..."}.
func workerError(resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(resp.Body(), &body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status()
	}
	switch resp.StatusCode() {
	case http.StatusBadRequest:
		return errs.Newf(errs.KindBadInput, "worker rejected request: %s", msg)
	case http.StatusServiceUnavailable:
		return errs.Newf(errs.KindExternalUnavailable, "worker not ready: %s", msg)
	default:
		return errs.Newf(errs.KindExternalUnavailable, "worker error (%d): %s", resp.StatusCode(), msg)
	}
}
