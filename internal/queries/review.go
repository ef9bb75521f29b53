package queries

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/errs"
	"github.com/intellioptics/platform/internal/storage"
)

// View is a query plus a short-lived signed URL for its image.
type View struct {
	data.Query
	ImageURL string `json:"image_url,omitempty"`
}

// Get returns one query with its image link.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*View, error) {
	q, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &View{Query: *q, ImageURL: s.signImage(ctx, q.ImageBlobPath)}, nil
}

// List returns the filtered page plus the unpaged total.
func (s *Service) List(ctx context.Context, f data.QueryFilter) ([]View, int, error) {
	rows, total, err := s.Repo.List(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	views := make([]View, 0, len(rows))
	for _, q := range rows {
		views = append(views, View{Query: *q, ImageURL: s.signImage(ctx, q.ImageBlobPath)})
	}
	return views, total, nil
}

// ImageURL mints a signed link for the stored image. Unlike the listing path
// this one surfaces signing failures.
func (s *Service) ImageURL(ctx context.Context, id uuid.UUID) (string, error) {
	q, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	container, name, err := storage.SplitPath(q.ImageBlobPath)
	if err != nil {
		return "", err
	}
	return s.Blobs.SignedURL(ctx, container, name, SignedURLTTL)
}

// signImage is best-effort; a listing must not fail because SAS minting did.
func (s *Service) signImage(ctx context.Context, blobPath string) string {
	if blobPath == "" {
		return ""
	}
	container, name, err := storage.SplitPath(blobPath)
	if err == nil {
		var url string
		if url, err = s.Blobs.SignedURL(ctx, container, name, SignedURLTTL); err == nil {
			return url
		}
	}
	log.Printf("[Queries] sign %s: %v", blobPath, err)
	return ""
}

// FeedbackInput is a reviewer decision. Confidence defaults to 1.0 when the
// reviewer does not supply one; Count carries the reviewer's tally for
// counting detectors.
type FeedbackInput struct {
	Label      string
	Confidence *float64
	Count      *int
	Notes      string
	ReviewerID uuid.UUID
}

// SubmitFeedback records the decision and folds it back into the query: the
// reviewed label becomes the result, the status returns to DONE and any open
// escalation is closed.
func (s *Service) SubmitFeedback(ctx context.Context, queryID uuid.UUID, in FeedbackInput) (*data.Feedback, error) {
	if in.Label == "" {
		return nil, errs.New(errs.KindBadInput, "feedback label is required")
	}
	q, err := s.Repo.GetByID(ctx, queryID)
	if err != nil {
		return nil, err
	}

	fb := &data.Feedback{
		QueryID:    queryID,
		Label:      in.Label,
		Confidence: 1.0,
		Count:      in.Count,
		Notes:      in.Notes,
		ReviewerID: in.ReviewerID,
	}
	if in.Confidence != nil {
		fb.Confidence = *in.Confidence
	}
	if err := s.Repo.CreateFeedback(ctx, fb); err != nil {
		return nil, err
	}

	q.ResultLabel = &fb.Label
	q.Status = data.QueryDone
	q.Escalated = false
	if err := s.Repo.UpdateResult(ctx, q); err != nil {
		return nil, err
	}
	if err := s.Repo.ResolveEscalations(ctx, queryID); err != nil {
		log.Printf("[Queries] query %s: resolve escalations: %v", queryID, err)
	}
	return fb, nil
}

// SetGroundTruth stores the human verdict and grades the stored result
// against it, case-insensitively.
func (s *Service) SetGroundTruth(ctx context.Context, queryID uuid.UUID, groundTruth, reviewedBy string) (*data.Query, error) {
	if groundTruth == "" {
		return nil, errs.New(errs.KindBadInput, "ground truth label is required")
	}
	q, err := s.Repo.GetByID(ctx, queryID)
	if err != nil {
		return nil, err
	}

	got := ""
	if q.ResultLabel != nil {
		got = *q.ResultLabel
	}
	correct := strings.EqualFold(got, groundTruth)
	now := time.Now().UTC()
	q.GroundTruth = &groundTruth
	q.IsCorrect = &correct
	q.ReviewedAt = &now
	if reviewedBy != "" {
		q.ReviewedBy = &reviewedBy
	}
	if err := s.Repo.SetGroundTruth(ctx, q); err != nil {
		return nil, err
	}
	return q, nil
}

// Delete removes the query with its escalations, feedback and annotations,
// then the stored image. A failed blob delete is logged, never surfaced.
func (s *Service) Delete(ctx context.Context, queryID uuid.UUID) error {
	q, err := s.Repo.GetByID(ctx, queryID)
	if err != nil {
		return err
	}
	if err := s.Repo.DeleteCascade(ctx, queryID); err != nil {
		return err
	}

	if q.ImageBlobPath != "" {
		container, name, err := storage.SplitPath(q.ImageBlobPath)
		if err == nil {
			_, err = s.Blobs.Delete(ctx, container, name)
		}
		if err != nil {
			log.Printf("[Queries] query %s: blob delete %s: %v", queryID, q.ImageBlobPath, err)
		}
	}
	return nil
}

// Accuracy summarizes the ground-truth confusion matrix.
type Accuracy struct {
	ReviewedCount int     `json:"reviewed_count"`
	CorrectCount  int     `json:"correct_count"`
	Accuracy      float64 `json:"accuracy"`
}

// AccuracyStats reports how often stored results matched ground truth,
// optionally restricted to one detector.
func (s *Service) AccuracyStats(ctx context.Context, detectorID *uuid.UUID) (*Accuracy, error) {
	reviewed, correct, err := s.Repo.AccuracyStats(ctx, detectorID)
	if err != nil {
		return nil, err
	}
	a := &Accuracy{ReviewedCount: reviewed, CorrectCount: correct}
	if reviewed > 0 {
		a.Accuracy = float64(correct) / float64(reviewed)
	}
	return a, nil
}
