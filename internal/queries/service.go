// Package queries implements the image-query pipeline: upload, inference,
// persistence, low-confidence escalation and downstream alerting. It is the
// write path behind POST /v1/image-queries and the async result consumer.
package queries

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/detect"
	"github.com/intellioptics/platform/internal/errs"
	"github.com/intellioptics/platform/internal/infer"
	"github.com/intellioptics/platform/internal/queue"
	"github.com/intellioptics/platform/internal/storage"
)

const (
	// DefaultImagesContainer holds uploaded query images.
	DefaultImagesContainer = "images"

	// SignedURLTTL is how long minted image links stay valid.
	SignedURLTTL = time.Hour
)

// Inferencer runs detector inference on one image. Satisfied by the
// in-process dispatcher and by the remote worker client.
type Inferencer interface {
	Run(ctx context.Context, cfg *data.DetectorConfig, image []byte) (*infer.Response, error)
}

// Notifier sends operational mail outside the detector alert rules.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Alerter evaluates detector alert rules after a query completes.
type Alerter interface {
	Trigger(ctx context.Context, detectorID, queryID uuid.UUID, label string, confidence float64, cameraName, imagePath string) error
}

// TokenMinter issues detector-scoped tokens for fallback queue consumers.
type TokenMinter interface {
	FallbackToken(detectorID uuid.UUID) (string, error)
}

// Service owns the query lifecycle. Mail, Alerts and Tokens are optional;
// a nil field skips that step.
type Service struct {
	Repo       data.QueryRepository
	Detectors  data.DetectorRepository
	Blobs      storage.Gateway
	Queue      queue.Publisher
	Dispatcher Inferencer
	Mail       Notifier
	Alerts     Alerter
	Tokens     TokenMinter

	// ImagesContainer and FallbackQueue fall back to the package defaults
	// when empty.
	ImagesContainer string
	FallbackQueue   string
}

// SubmitRequest is one image submission.
type SubmitRequest struct {
	DetectorID uuid.UUID
	Image      []byte
	Filename   string

	// WantAsync skips synchronous inference and hands the query to the
	// fallback queue instead.
	WantAsync bool

	// LocalInference marks rows submitted by an edge that already ran the
	// model itself.
	LocalInference bool

	// CameraName is forwarded to alert rules when the submission came from
	// a stream.
	CameraName string

	// ConfidenceThreshold overrides the detector's escalation cutoff for
	// this submission only.
	ConfidenceThreshold *float64
}

// Submit runs one image through the pipeline and returns the stored query.
// Synchronous submissions come back DONE (or ESCALATED); asynchronous ones
// come back PENDING with the work queued.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*data.Query, error) {
	if len(req.Image) == 0 {
		return nil, errs.New(errs.KindBadInput, "image payload is empty")
	}

	// 1. The detector must exist and not be soft-deleted.
	det, err := s.Detectors.GetByID(ctx, req.DetectorID)
	if err != nil {
		return nil, err
	}
	if req.ConfidenceThreshold != nil {
		// Request-scoped cutoff. det is a fresh copy, so this never
		// touches the stored detector.
		det.ConfidenceThreshold = *req.ConfidenceThreshold
	}

	// 2. Upload before any DB write, so an upload failure leaves nothing
	// behind.
	name := fmt.Sprintf("queries/%s/%s_%s",
		det.ID, time.Now().UTC().Format("2006-01-02T15:04:05.000Z"), safeFilename(req.Filename))
	blobPath, err := s.Blobs.Upload(ctx, s.imagesContainer(), name, req.Image, "image/jpeg")
	if err != nil {
		return nil, err
	}

	// 3. PENDING row.
	q := &data.Query{
		DetectorID:     &det.ID,
		ImageBlobPath:  blobPath,
		Status:         data.QueryPending,
		LocalInference: req.LocalInference,
	}
	if err := s.Repo.Create(ctx, q); err != nil {
		return nil, err
	}

	// 4. Async: the fallback consumer picks it up from here. An enqueue
	// failure on this path has no other way to surface, so it propagates.
	if req.WantAsync {
		if err := s.enqueueFallback(ctx, q.ID, det.ID, blobPath); err != nil {
			return nil, err
		}
		return q, nil
	}

	// 5. Synchronous inference.
	cfg, err := s.config(ctx, det)
	if err != nil {
		return nil, err
	}
	resp, err := s.Dispatcher.Run(ctx, cfg, req.Image)
	if err != nil {
		if serr := s.Repo.SetStatus(ctx, q.ID, data.QueryError); serr != nil {
			log.Printf("[Queries] query %s: mark ERROR: %v", q.ID, serr)
		}
		return nil, err
	}

	if err := s.finalize(ctx, q, det, resp, req.CameraName); err != nil {
		return nil, err
	}
	return q, nil
}

// finalize stores the inference result and runs the post-result steps. It is
// shared by the synchronous path and the async result consumer.
func (s *Service) finalize(ctx context.Context, q *data.Query, det *data.Detector, resp *infer.Response, cameraName string) error {
	// Top detection by confidence; no detections is an affirmative
	// "nothing" at full confidence.
	label, conf := topDetection(resp.Detections)
	detJSON, err := json.Marshal(resp.Detections)
	if err != nil {
		return errs.Wrap(errs.KindBadInput, "marshal detections", err)
	}
	q.ResultLabel = &label
	q.Confidence = &conf
	q.Status = data.QueryDone
	q.Detections = detJSON
	if err := s.Repo.UpdateResult(ctx, q); err != nil {
		return err
	}

	// Low confidence goes to human review. Already-escalated rows coming
	// back through the async path stay put.
	if conf < det.ConfidenceThreshold && !q.Escalated {
		if err := s.escalate(ctx, q, det); err != nil {
			return err
		}
	}

	// Detector alert rules ride on the final result, best-effort.
	if s.Alerts != nil {
		if err := s.Alerts.Trigger(ctx, det.ID, q.ID, label, conf, cameraName, q.ImageBlobPath); err != nil {
			log.Printf("[Queries] query %s: alert trigger: %v", q.ID, err)
		}
	}
	return nil
}

// escalate routes a low-confidence query to human review: an escalation row,
// the status flip, a fallback job and a reviewer notification. Only the row
// writes can fail the call; queue and mail trouble is logged.
func (s *Service) escalate(ctx context.Context, q *data.Query, det *data.Detector) error {
	esc := &data.Escalation{QueryID: q.ID, Reason: "Low confidence"}
	if err := s.Repo.CreateEscalation(ctx, esc); err != nil {
		return err
	}
	if err := s.Repo.MarkEscalated(ctx, q.ID); err != nil {
		return err
	}
	q.Status = data.QueryEscalated
	q.Escalated = true

	if err := s.enqueueFallback(ctx, q.ID, det.ID, q.ImageBlobPath); err != nil {
		log.Printf("[Queries] query %s: fallback enqueue: %v", q.ID, err)
	}

	if s.Mail != nil {
		label, conf := "", 0.0
		if q.ResultLabel != nil {
			label = *q.ResultLabel
		}
		if q.Confidence != nil {
			conf = *q.Confidence
		}
		subject := fmt.Sprintf("Escalation for query %s", q.ID)
		body := fmt.Sprintf("Detector %q returned %q at %.2f, below its %.2f threshold.",
			det.Name, label, conf, det.ConfidenceThreshold)
		if err := s.Mail.Notify(ctx, subject, body); err != nil {
			log.Printf("[Queries] query %s: escalation mail: %v", q.ID, err)
		}
	}
	return nil
}

// enqueueFallback publishes the fallback job. The token lets an edge consumer
// post results back without operator credentials.
func (s *Service) enqueueFallback(ctx context.Context, queryID, detectorID uuid.UUID, blobPath string) error {
	token := ""
	if s.Tokens != nil {
		t, err := s.Tokens.FallbackToken(detectorID)
		if err != nil {
			return errs.Wrap(errs.KindQueueFailure, "mint fallback token", err)
		}
		token = t
	}
	job := queue.EscalationJob{
		QueryID:       queryID.String(),
		DetectorID:    detectorID.String(),
		BlobPath:      blobPath,
		FallbackToken: token,
	}
	return s.Queue.Enqueue(ctx, s.fallbackQueue(), job)
}

func (s *Service) config(ctx context.Context, det *data.Detector) (*data.DetectorConfig, error) {
	return ResolveConfig(ctx, s.Detectors, det)
}

// ResolveConfig resolves the inference configuration for a detector, falling
// back to the detector row itself when no explicit config exists.
func ResolveConfig(ctx context.Context, repo data.DetectorRepository, det *data.Detector) (*data.DetectorConfig, error) {
	cfg, err := repo.GetConfig(ctx, det.ID)
	if err != nil {
		if !errors.Is(err, data.ErrRecordNotFound) {
			return nil, err
		}
		cfg = &data.DetectorConfig{
			DetectorID:          det.ID,
			Mode:                det.Mode,
			ClassNames:          det.Labels,
			ConfidenceThreshold: det.ConfidenceThreshold,
			DetectionParams:     data.DefaultDetectionParams(),
		}
	}
	if cfg.PrimaryModelPath == "" {
		cfg.PrimaryModelPath = det.PrimaryModelPath
	}
	if cfg.OODDModelPath == "" {
		cfg.OODDModelPath = det.OODDModelPath
	}
	return cfg, nil
}

func (s *Service) imagesContainer() string {
	if s.ImagesContainer != "" {
		return s.ImagesContainer
	}
	return DefaultImagesContainer
}

func (s *Service) fallbackQueue() string {
	if s.FallbackQueue != "" {
		return s.FallbackQueue
	}
	return queue.DefaultFallback
}

// topDetection picks the winning label, or "nothing" at full confidence when
// the detector saw nothing.
func topDetection(dets []detect.Detection) (string, float64) {
	if len(dets) == 0 {
		return "nothing", 1.0
	}
	best := dets[0]
	for _, d := range dets[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return best.Label, best.Confidence
}

// safeFilename strips any path the client sent along with the upload name.
func safeFilename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		name = "image.jpg"
	}
	return name
}
