package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type QueryStatus string

const (
	QueryPending   QueryStatus = "PENDING"
	QueryDone      QueryStatus = "DONE"
	QueryEscalated QueryStatus = "ESCALATED"
	QueryError     QueryStatus = "ERROR"
)

func ValidQueryStatus(s string) bool {
	switch QueryStatus(s) {
	case QueryPending, QueryDone, QueryEscalated, QueryError:
		return true
	}
	return false
}

// Query is one inference request and its lifecycle. DetectorID is NULL for
// open-vocabulary requests that run against prompts instead of a detector.
type Query struct {
	ID             uuid.UUID       `json:"id"`
	DetectorID     *uuid.UUID      `json:"detector_id,omitempty"`
	ImageBlobPath  string          `json:"image_blob_path"`
	ResultLabel    *string         `json:"result_label,omitempty"`
	Confidence     *float64        `json:"confidence,omitempty"`
	Status         QueryStatus     `json:"status"`
	LocalInference bool            `json:"local_inference"`
	Escalated      bool            `json:"escalated"`
	Detections     json.RawMessage `json:"detections,omitempty"`
	GroundTruth    *string         `json:"ground_truth,omitempty"`
	IsCorrect      *bool           `json:"is_correct,omitempty"`
	ReviewedBy     *string         `json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time      `json:"reviewed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Escalation struct {
	ID        uuid.UUID `json:"id"`
	QueryID   uuid.UUID `json:"query_id"`
	Reason    string    `json:"reason"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"created_at"`
}

type Feedback struct {
	ID         uuid.UUID `json:"id"`
	QueryID    uuid.UUID `json:"query_id"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Count      *int      `json:"count,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	ReviewerID uuid.UUID `json:"reviewer_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Annotation is a normalized bounding box attached to a query image, either
// human-drawn or model-proposed.
type Annotation struct {
	ID           uuid.UUID `json:"id"`
	QueryID      uuid.UUID `json:"query_id"`
	X            float64   `json:"x"`
	Y            float64   `json:"y"`
	Width        float64   `json:"width"`
	Height       float64   `json:"height"`
	Label        string    `json:"label"`
	Confidence   *float64  `json:"confidence,omitempty"`
	Source       string    `json:"source"`
	ModelName    string    `json:"model_name,omitempty"`
	ReviewStatus string    `json:"review_status"`
	CreatedAt    time.Time `json:"created_at"`
}

// QueryFilter narrows List. Zero values mean "no filter".
type QueryFilter struct {
	DetectorID    *uuid.UUID
	ShowVerified  bool
	LabelContains string
	MaxConfidence *float64
	Limit         int
	Offset        int
}

type QueryRepository interface {
	Create(ctx context.Context, q *Query) error
	GetByID(ctx context.Context, id uuid.UUID) (*Query, error)
	List(ctx context.Context, f QueryFilter) ([]*Query, int, error)
	UpdateResult(ctx context.Context, q *Query) error
	SetStatus(ctx context.Context, id uuid.UUID, status QueryStatus) error
	MarkEscalated(ctx context.Context, id uuid.UUID) error
	SetGroundTruth(ctx context.Context, q *Query) error
	DeleteCascade(ctx context.Context, id uuid.UUID) error
	ListRecent(ctx context.Context, detectorID uuid.UUID, limit int) ([]*Query, error)
	ListSince(ctx context.Context, detectorID uuid.UUID, since time.Time) ([]*Query, error)
	CreateEscalation(ctx context.Context, e *Escalation) error
	ResolveEscalations(ctx context.Context, queryID uuid.UUID) error
	CreateFeedback(ctx context.Context, f *Feedback) error
	AccuracyStats(ctx context.Context, detectorID *uuid.UUID) (reviewed, correct int, err error)
}

type QueryModel struct {
	DB DBTX
}

const queryColumns = `id, detector_id, image_blob_path, result_label, confidence, status,
	local_inference, escalated, detections, ground_truth, is_correct, reviewed_by, reviewed_at,
	created_at, updated_at`

func scanQuery(row interface{ Scan(...interface{}) error }) (*Query, error) {
	// detections goes through a plain []byte so a NULL column scans as nil
	// instead of failing on the json.RawMessage field.
	var (
		q          Query
		detections []byte
	)
	err := row.Scan(
		&q.ID, &q.DetectorID, &q.ImageBlobPath, &q.ResultLabel, &q.Confidence, &q.Status,
		&q.LocalInference, &q.Escalated, &detections, &q.GroundTruth, &q.IsCorrect,
		&q.ReviewedBy, &q.ReviewedAt, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	q.Detections = detections
	return &q, nil
}

func (m QueryModel) Create(ctx context.Context, q *Query) error {
	query := `
		INSERT INTO queries (detector_id, image_blob_path, status, local_inference)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`
	return m.DB.QueryRowContext(ctx, query, q.DetectorID, q.ImageBlobPath, q.Status, q.LocalInference).
		Scan(&q.ID, &q.CreatedAt, &q.UpdatedAt)
}

func (m QueryModel) GetByID(ctx context.Context, id uuid.UUID) (*Query, error) {
	query := `SELECT ` + queryColumns + ` FROM queries WHERE id = $1`
	q, err := scanQuery(m.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return q, nil
}

// List applies the filter and returns the page plus the unpaged total.
func (m QueryModel) List(ctx context.Context, f QueryFilter) ([]*Query, int, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	n := 0
	next := func(v interface{}) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	if f.DetectorID != nil {
		where = append(where, "detector_id = "+next(*f.DetectorID))
	}
	if !f.ShowVerified {
		where = append(where, "ground_truth IS NULL")
	}
	if f.LabelContains != "" {
		where = append(where, "result_label ILIKE "+next("%"+f.LabelContains+"%"))
	}
	if f.MaxConfidence != nil {
		where = append(where, "confidence <= "+next(*f.MaxConfidence))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := m.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM queries WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := fmt.Sprintf("SELECT %s FROM queries WHERE %s ORDER BY created_at DESC LIMIT %s OFFSET %s",
		queryColumns, clause, next(limit), next(f.Offset))
	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, q)
	}
	return out, total, rows.Err()
}

func (m QueryModel) UpdateResult(ctx context.Context, q *Query) error {
	query := `
		UPDATE queries
		SET result_label = $1, confidence = $2, status = $3, detections = $4,
		    local_inference = $5, escalated = $6, updated_at = NOW()
		WHERE id = $7
		RETURNING updated_at
	`
	err := m.DB.QueryRowContext(ctx, query,
		q.ResultLabel, q.Confidence, q.Status, q.Detections, q.LocalInference, q.Escalated, q.ID,
	).Scan(&q.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrRecordNotFound
		}
		return err
	}
	return nil
}

func (m QueryModel) SetStatus(ctx context.Context, id uuid.UUID, status QueryStatus) error {
	res, err := m.DB.ExecContext(ctx, `UPDATE queries SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m QueryModel) MarkEscalated(ctx context.Context, id uuid.UUID) error {
	res, err := m.DB.ExecContext(ctx,
		`UPDATE queries SET escalated = TRUE, status = $1, updated_at = NOW() WHERE id = $2`,
		QueryEscalated, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m QueryModel) SetGroundTruth(ctx context.Context, q *Query) error {
	query := `
		UPDATE queries
		SET ground_truth = $1, is_correct = $2, reviewed_by = $3, reviewed_at = $4, updated_at = NOW()
		WHERE id = $5
		RETURNING updated_at
	`
	err := m.DB.QueryRowContext(ctx, query,
		q.GroundTruth, q.IsCorrect, q.ReviewedBy, q.ReviewedAt, q.ID,
	).Scan(&q.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrRecordNotFound
		}
		return err
	}
	return nil
}

// DeleteCascade removes the query and everything hanging off it. Blob cleanup
// is the caller's job.
func (m QueryModel) DeleteCascade(ctx context.Context, id uuid.UUID) error {
	stmts := []string{
		`DELETE FROM escalations WHERE query_id = $1`,
		`DELETE FROM feedback WHERE query_id = $1`,
		`DELETE FROM annotations WHERE query_id = $1`,
		`DELETE FROM demo_results WHERE query_id = $1`,
	}
	for _, s := range stmts {
		if _, err := m.DB.ExecContext(ctx, s, id); err != nil {
			return err
		}
	}
	res, err := m.DB.ExecContext(ctx, `DELETE FROM queries WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m QueryModel) ListRecent(ctx context.Context, detectorID uuid.UUID, limit int) ([]*Query, error) {
	query := `SELECT ` + queryColumns + `
		FROM queries
		WHERE detector_id = $1
		ORDER BY created_at DESC
		LIMIT $2`
	return m.listWith(ctx, query, detectorID, limit)
}

func (m QueryModel) ListSince(ctx context.Context, detectorID uuid.UUID, since time.Time) ([]*Query, error) {
	query := `SELECT ` + queryColumns + `
		FROM queries
		WHERE detector_id = $1 AND created_at >= $2
		ORDER BY created_at DESC`
	return m.listWith(ctx, query, detectorID, since)
}

func (m QueryModel) listWith(ctx context.Context, query string, args ...interface{}) ([]*Query, error) {
	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (m QueryModel) CreateEscalation(ctx context.Context, e *Escalation) error {
	query := `
		INSERT INTO escalations (query_id, reason, resolved)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	return m.DB.QueryRowContext(ctx, query, e.QueryID, e.Reason, e.Resolved).Scan(&e.ID, &e.CreatedAt)
}

// ResolveEscalations closes every open escalation for a query. No-op when
// none exist.
func (m QueryModel) ResolveEscalations(ctx context.Context, queryID uuid.UUID) error {
	_, err := m.DB.ExecContext(ctx,
		`UPDATE escalations SET resolved = TRUE WHERE query_id = $1 AND NOT resolved`, queryID)
	return err
}

func (m QueryModel) CreateFeedback(ctx context.Context, f *Feedback) error {
	query := `
		INSERT INTO feedback (query_id, label, confidence, object_count, notes, reviewer_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	return m.DB.QueryRowContext(ctx, query, f.QueryID, f.Label, f.Confidence, f.Count, f.Notes, f.ReviewerID).
		Scan(&f.ID, &f.CreatedAt)
}

func (m QueryModel) CreateAnnotation(ctx context.Context, a *Annotation) error {
	query := `
		INSERT INTO annotations (query_id, x, y, width, height, label, confidence, source, model_name, review_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	return m.DB.QueryRowContext(ctx, query,
		a.QueryID, a.X, a.Y, a.Width, a.Height, a.Label, a.Confidence, a.Source, a.ModelName, a.ReviewStatus,
	).Scan(&a.ID, &a.CreatedAt)
}

func (m QueryModel) ListAnnotations(ctx context.Context, queryID uuid.UUID) ([]*Annotation, error) {
	query := `
		SELECT id, query_id, x, y, width, height, label, confidence, source, COALESCE(model_name, ''), review_status, created_at
		FROM annotations
		WHERE query_id = $1
		ORDER BY created_at
	`
	rows, err := m.DB.QueryContext(ctx, query, queryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Annotation
	for rows.Next() {
		var a Annotation
		if err := rows.Scan(
			&a.ID, &a.QueryID, &a.X, &a.Y, &a.Width, &a.Height, &a.Label, &a.Confidence,
			&a.Source, &a.ModelName, &a.ReviewStatus, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// AccuracyStats counts reviewed queries and how many matched ground truth,
// optionally narrowed to one detector.
func (m QueryModel) AccuracyStats(ctx context.Context, detectorID *uuid.UUID) (int, int, error) {
	query := `
		SELECT COUNT(*) FILTER (WHERE ground_truth IS NOT NULL),
		       COUNT(*) FILTER (WHERE is_correct IS TRUE)
		FROM queries
		WHERE ($1::uuid IS NULL OR detector_id = $1)
	`
	var reviewed, correct int
	if err := m.DB.QueryRowContext(ctx, query, detectorID).Scan(&reviewed, &correct); err != nil {
		return 0, 0, err
	}
	return reviewed, correct, nil
}
