package ingest

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/errs"
	"github.com/intellioptics/platform/internal/queries"
)

// Submission method names accepted in the stream config.
const (
	SubmissionPipeline = "pipeline"
	SubmissionAPI      = "api"
)

// Submitter hands a gated frame to inference.
type Submitter interface {
	Submit(ctx context.Context, stream string, detectorID uuid.UUID, frame *Frame) error
}

// PipelineSubmitter feeds frames straight into the in-process query
// pipeline. The stream name rides along as the camera name so alert rules
// can reference it.
type PipelineSubmitter struct {
	Queries *queries.Service
}

func (p *PipelineSubmitter) Submit(ctx context.Context, stream string, detectorID uuid.UUID, frame *Frame) error {
	_, err := p.Queries.Submit(ctx, queries.SubmitRequest{
		DetectorID: detectorID,
		Image:      frame.Data,
		Filename:   fmt.Sprintf("%s-%d.jpg", stream, time.Now().UnixMilli()),
		CameraName: stream,
	})
	return err
}

// APISubmitter posts frames to a remote API server, authenticating with the
// token from the configured environment variable.
type APISubmitter struct {
	baseURL  string
	tokenEnv string
	http     *resty.Client
}

func NewAPISubmitter(baseURL, tokenEnv string, timeout time.Duration) *APISubmitter {
	return &APISubmitter{
		baseURL:  baseURL,
		tokenEnv: tokenEnv,
		http:     resty.New().SetTimeout(timeout),
	}
}

func (a *APISubmitter) Submit(ctx context.Context, stream string, detectorID uuid.UUID, frame *Frame) error {
	req := a.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", frame.ContentType).
		SetQueryParam("detector_id", detectorID.String()).
		SetBody(frame.Data)

	if a.tokenEnv != "" {
		if token := os.Getenv(a.tokenEnv); token != "" {
			req.SetHeader("x-api-token", token)
		}
	}

	resp, err := req.Post(a.baseURL + "/v1/image-queries")
	if err != nil {
		return errs.Wrap(errs.KindExternalUnavailable, "post image query", err)
	}
	if resp.IsError() {
		return errs.Newf(errs.KindExternalUnavailable, "image query endpoint returned %s", resp.Status())
	}
	return nil
}
