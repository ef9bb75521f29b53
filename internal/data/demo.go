package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type DemoSessionStatus string

const (
	DemoActive  DemoSessionStatus = "active"
	DemoStopped DemoSessionStatus = "stopped"
	DemoErrored DemoSessionStatus = "error"
)

// DemoSession is a live-stream showcase run: frames are captured from a
// public stream and fanned out to detectors (or open-vocabulary prompts).
type DemoSession struct {
	ID                  uuid.UUID         `json:"id"`
	Name                string            `json:"name"`
	SourceURL           string            `json:"source_url"`
	CaptureMode         string            `json:"capture_mode"`
	PollingIntervalMS   int               `json:"polling_interval_ms"`
	MotionThreshold     float64           `json:"motion_threshold"`
	DetectorIDs         []string          `json:"detector_ids"`
	Prompts             []string          `json:"yoloworld_prompts"`
	Status              DemoSessionStatus `json:"status"`
	StartedAt           time.Time         `json:"started_at"`
	StoppedAt           *time.Time        `json:"stopped_at,omitempty"`
	TotalFramesCaptured int               `json:"total_frames_captured"`
	TotalDetections     int               `json:"total_detections"`
	ErrorMessage        string            `json:"error_message,omitempty"`
	LastFrameAt         *time.Time        `json:"last_frame_at,omitempty"`
}

type DemoResult struct {
	ID            uuid.UUID   `json:"id"`
	SessionID     uuid.UUID   `json:"session_id"`
	QueryID       uuid.UUID   `json:"query_id"`
	DetectorID    *uuid.UUID  `json:"detector_id,omitempty"`
	ResultLabel   *string     `json:"result_label,omitempty"`
	Confidence    *float64    `json:"confidence,omitempty"`
	Status        QueryStatus `json:"status"`
	FrameNumber   int         `json:"frame_number"`
	CaptureMethod string      `json:"capture_method"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

type DemoRepository interface {
	CreateSession(ctx context.Context, s *DemoSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*DemoSession, error)
	ListSessions(ctx context.Context, limit int) ([]*DemoSession, error)
	SetSessionStatus(ctx context.Context, id uuid.UUID, status DemoSessionStatus, errMsg string) error
	AddFrames(ctx context.Context, id uuid.UUID, frames, detections int) error
	CreateResult(ctx context.Context, r *DemoResult) error
	FinishResult(ctx context.Context, r *DemoResult) error
	ListResults(ctx context.Context, sessionID uuid.UUID, limit int) ([]*DemoResult, error)
}

type DemoModel struct {
	DB DBTX
}

func (m DemoModel) CreateSession(ctx context.Context, s *DemoSession) error {
	query := `
		INSERT INTO demo_sessions (name, source_url, capture_mode, polling_interval_ms, motion_threshold,
		                           detector_ids, yoloworld_prompts, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, started_at
	`
	return m.DB.QueryRowContext(ctx, query,
		s.Name, s.SourceURL, s.CaptureMode, s.PollingIntervalMS, s.MotionThreshold,
		pq.Array(s.DetectorIDs), pq.Array(s.Prompts), s.Status,
	).Scan(&s.ID, &s.StartedAt)
}

const demoSessionColumns = `id, name, source_url, capture_mode, polling_interval_ms, motion_threshold,
	detector_ids, yoloworld_prompts, status, started_at, stopped_at,
	total_frames_captured, total_detections, COALESCE(error_message, ''), last_frame_at`

func scanDemoSession(row interface{ Scan(...interface{}) error }) (*DemoSession, error) {
	var s DemoSession
	err := row.Scan(
		&s.ID, &s.Name, &s.SourceURL, &s.CaptureMode, &s.PollingIntervalMS, &s.MotionThreshold,
		pq.Array(&s.DetectorIDs), pq.Array(&s.Prompts), &s.Status, &s.StartedAt, &s.StoppedAt,
		&s.TotalFramesCaptured, &s.TotalDetections, &s.ErrorMessage, &s.LastFrameAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (m DemoModel) GetSession(ctx context.Context, id uuid.UUID) (*DemoSession, error) {
	s, err := scanDemoSession(m.DB.QueryRowContext(ctx,
		`SELECT `+demoSessionColumns+` FROM demo_sessions WHERE id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return s, nil
}

func (m DemoModel) ListSessions(ctx context.Context, limit int) ([]*DemoSession, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := m.DB.QueryContext(ctx,
		`SELECT `+demoSessionColumns+` FROM demo_sessions ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DemoSession
	for rows.Next() {
		s, err := scanDemoSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (m DemoModel) SetSessionStatus(ctx context.Context, id uuid.UUID, status DemoSessionStatus, errMsg string) error {
	query := `
		UPDATE demo_sessions
		SET status = $1,
		    error_message = NULLIF($2, ''),
		    stopped_at = CASE WHEN $1 <> 'active' THEN NOW() ELSE stopped_at END
		WHERE id = $3
	`
	res, err := m.DB.ExecContext(ctx, query, status, errMsg, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// AddFrames bumps the session counters atomically in SQL so concurrent frame
// workers never lose increments.
func (m DemoModel) AddFrames(ctx context.Context, id uuid.UUID, frames, detections int) error {
	query := `
		UPDATE demo_sessions
		SET total_frames_captured = total_frames_captured + $1,
		    total_detections = total_detections + $2,
		    last_frame_at = NOW()
		WHERE id = $3
	`
	res, err := m.DB.ExecContext(ctx, query, frames, detections, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m DemoModel) CreateResult(ctx context.Context, r *DemoResult) error {
	query := `
		INSERT INTO demo_results (session_id, query_id, detector_id, status, frame_number, capture_method)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	return m.DB.QueryRowContext(ctx, query,
		r.SessionID, r.QueryID, r.DetectorID, r.Status, r.FrameNumber, r.CaptureMethod,
	).Scan(&r.ID, &r.CreatedAt)
}

func (m DemoModel) FinishResult(ctx context.Context, r *DemoResult) error {
	query := `
		UPDATE demo_results
		SET result_label = $1, confidence = $2, status = $3, completed_at = NOW()
		WHERE id = $4
		RETURNING completed_at
	`
	err := m.DB.QueryRowContext(ctx, query, r.ResultLabel, r.Confidence, r.Status, r.ID).Scan(&r.CompletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrRecordNotFound
		}
		return err
	}
	return nil
}

func (m DemoModel) ListResults(ctx context.Context, sessionID uuid.UUID, limit int) ([]*DemoResult, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, session_id, query_id, detector_id, result_label, confidence, status,
		       frame_number, capture_method, completed_at, created_at
		FROM demo_results
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := m.DB.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DemoResult
	for rows.Next() {
		var r DemoResult
		if err := rows.Scan(
			&r.ID, &r.SessionID, &r.QueryID, &r.DetectorID, &r.ResultLabel, &r.Confidence, &r.Status,
			&r.FrameNumber, &r.CaptureMethod, &r.CompletedAt, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
