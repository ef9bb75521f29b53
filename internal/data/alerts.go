package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type AlertCondition string

const (
	CondAlways          AlertCondition = "ALWAYS"
	CondLabelMatch      AlertCondition = "LABEL_MATCH"
	CondConfidenceAbove AlertCondition = "CONFIDENCE_ABOVE"
	CondConfidenceBelow AlertCondition = "CONFIDENCE_BELOW"
)

func ValidAlertCondition(s string) bool {
	switch AlertCondition(s) {
	case CondAlways, CondLabelMatch, CondConfidenceAbove, CondConfidenceBelow:
		return true
	}
	return false
}

// AlertRule is the per-detector alerting configuration.
type AlertRule struct {
	DetectorID        uuid.UUID      `json:"detector_id"`
	Enabled           bool           `json:"enabled"`
	ConditionType     AlertCondition `json:"condition_type"`
	ConditionValue    string         `json:"condition_value,omitempty"`
	ConsecutiveCount  int            `json:"consecutive_count"`
	TimeWindowMinutes int            `json:"time_window_minutes"`
	Emails            []string       `json:"alert_emails"`
	Phones            []string       `json:"alert_phones"`
	Webhooks          []string       `json:"alert_webhooks"`
	Severity          string         `json:"severity"`
	CooldownMinutes   int            `json:"cooldown_minutes"`
	CustomMessage     string         `json:"custom_message,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// AlertEvent is one fired detector alert. The row is written before any
// delivery attempt so the history is complete even when every channel fails.
type AlertEvent struct {
	ID             uuid.UUID  `json:"id"`
	DetectorID     uuid.UUID  `json:"detector_id"`
	QueryID        *uuid.UUID `json:"query_id,omitempty"`
	AlertType      string     `json:"alert_type"`
	Severity       string     `json:"severity"`
	Message        string     `json:"message"`
	Label          string     `json:"detection_label,omitempty"`
	Confidence     float64    `json:"detection_confidence"`
	CameraName     string     `json:"camera_name,omitempty"`
	ImageBlobPath  string     `json:"image_blob_path,omitempty"`
	SentTo         []string   `json:"sent_to"`
	EmailSent      bool       `json:"email_sent"`
	EmailSentAt    *time.Time `json:"email_sent_at,omitempty"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type AlertRepository interface {
	GetRule(ctx context.Context, detectorID uuid.UUID) (*AlertRule, error)
	UpsertRule(ctx context.Context, r *AlertRule) error
	CreateEvent(ctx context.Context, e *AlertEvent) error
	LatestEvent(ctx context.Context, detectorID uuid.UUID) (*AlertEvent, error)
	MarkEmailSent(ctx context.Context, id uuid.UUID, sentTo []string) error
	ListEvents(ctx context.Context, detectorID *uuid.UUID, limit, offset int) ([]*AlertEvent, error)
	Acknowledge(ctx context.Context, id uuid.UUID, by string) error
}

type AlertModel struct {
	DB DBTX
}

func (m AlertModel) GetRule(ctx context.Context, detectorID uuid.UUID) (*AlertRule, error) {
	query := `
		SELECT detector_id, enabled, condition_type, COALESCE(condition_value, ''),
		       consecutive_count, time_window_minutes, alert_emails, alert_phones, alert_webhooks,
		       severity, cooldown_minutes, COALESCE(custom_message, ''), updated_at
		FROM alert_rules
		WHERE detector_id = $1
	`
	var r AlertRule
	err := m.DB.QueryRowContext(ctx, query, detectorID).Scan(
		&r.DetectorID, &r.Enabled, &r.ConditionType, &r.ConditionValue,
		&r.ConsecutiveCount, &r.TimeWindowMinutes, pq.Array(&r.Emails), pq.Array(&r.Phones), pq.Array(&r.Webhooks),
		&r.Severity, &r.CooldownMinutes, &r.CustomMessage, &r.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (m AlertModel) UpsertRule(ctx context.Context, r *AlertRule) error {
	query := `
		INSERT INTO alert_rules (detector_id, enabled, condition_type, condition_value, consecutive_count,
		                         time_window_minutes, alert_emails, alert_phones, alert_webhooks,
		                         severity, cooldown_minutes, custom_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (detector_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			condition_type = EXCLUDED.condition_type,
			condition_value = EXCLUDED.condition_value,
			consecutive_count = EXCLUDED.consecutive_count,
			time_window_minutes = EXCLUDED.time_window_minutes,
			alert_emails = EXCLUDED.alert_emails,
			alert_phones = EXCLUDED.alert_phones,
			alert_webhooks = EXCLUDED.alert_webhooks,
			severity = EXCLUDED.severity,
			cooldown_minutes = EXCLUDED.cooldown_minutes,
			custom_message = EXCLUDED.custom_message,
			updated_at = NOW()
		RETURNING updated_at
	`
	return m.DB.QueryRowContext(ctx, query,
		r.DetectorID, r.Enabled, r.ConditionType, r.ConditionValue, r.ConsecutiveCount,
		r.TimeWindowMinutes, pq.Array(r.Emails), pq.Array(r.Phones), pq.Array(r.Webhooks),
		r.Severity, r.CooldownMinutes, r.CustomMessage,
	).Scan(&r.UpdatedAt)
}

func (m AlertModel) CreateEvent(ctx context.Context, e *AlertEvent) error {
	query := `
		INSERT INTO alert_events (detector_id, query_id, alert_type, severity, message,
		                          detection_label, detection_confidence, camera_name, image_blob_path, sent_to, email_sent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`
	return m.DB.QueryRowContext(ctx, query,
		e.DetectorID, e.QueryID, e.AlertType, e.Severity, e.Message,
		e.Label, e.Confidence, e.CameraName, e.ImageBlobPath, pq.Array(e.SentTo), e.EmailSent,
	).Scan(&e.ID, &e.CreatedAt)
}

func (m AlertModel) LatestEvent(ctx context.Context, detectorID uuid.UUID) (*AlertEvent, error) {
	query := `
		SELECT id, detector_id, query_id, alert_type, severity, message,
		       COALESCE(detection_label, ''), detection_confidence, COALESCE(camera_name, ''),
		       COALESCE(image_blob_path, ''), sent_to, email_sent, email_sent_at,
		       acknowledged, acknowledged_at, COALESCE(acknowledged_by, ''), created_at
		FROM alert_events
		WHERE detector_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	e, err := scanAlertEvent(m.DB.QueryRowContext(ctx, query, detectorID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return e, nil
}

func scanAlertEvent(row interface{ Scan(...interface{}) error }) (*AlertEvent, error) {
	var e AlertEvent
	err := row.Scan(
		&e.ID, &e.DetectorID, &e.QueryID, &e.AlertType, &e.Severity, &e.Message,
		&e.Label, &e.Confidence, &e.CameraName,
		&e.ImageBlobPath, pq.Array(&e.SentTo), &e.EmailSent, &e.EmailSentAt,
		&e.Acknowledged, &e.AcknowledgedAt, &e.AcknowledgedBy, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (m AlertModel) MarkEmailSent(ctx context.Context, id uuid.UUID, sentTo []string) error {
	query := `
		UPDATE alert_events
		SET email_sent = TRUE, email_sent_at = NOW(), sent_to = $1
		WHERE id = $2
	`
	_, err := m.DB.ExecContext(ctx, query, pq.Array(sentTo), id)
	return err
}

func (m AlertModel) ListEvents(ctx context.Context, detectorID *uuid.UUID, limit, offset int) ([]*AlertEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := `
		SELECT id, detector_id, query_id, alert_type, severity, message,
		       COALESCE(detection_label, ''), detection_confidence, COALESCE(camera_name, ''),
		       COALESCE(image_blob_path, ''), sent_to, email_sent, email_sent_at,
		       acknowledged, acknowledged_at, COALESCE(acknowledged_by, ''), created_at
		FROM alert_events
		WHERE ($1::uuid IS NULL OR detector_id = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := m.DB.QueryContext(ctx, query, detectorID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AlertEvent
	for rows.Next() {
		e, err := scanAlertEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (m AlertModel) Acknowledge(ctx context.Context, id uuid.UUID, by string) error {
	query := `
		UPDATE alert_events
		SET acknowledged = TRUE, acknowledged_at = NOW(), acknowledged_by = $1
		WHERE id = $2 AND acknowledged = FALSE
	`
	res, err := m.DB.ExecContext(ctx, query, by, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}
