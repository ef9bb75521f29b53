package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type InspectionModel struct {
	DB DBTX
}

func (m *InspectionModel) GetConfig(ctx context.Context) (*InspectionConfig, error) {
	query := `
		SELECT inspection_interval_minutes, offline_threshold_minutes, fps_drop_threshold_percent,
		       latency_threshold_ms, view_change_threshold, alert_emails,
		       health_retention_days, alert_retention_days, updated_at
		FROM inspection_config
		WHERE id = 1
	`
	var c InspectionConfig
	err := m.DB.QueryRowContext(ctx, query).Scan(
		&c.IntervalMinutes, &c.OfflineThresholdMinutes, &c.FPSDropThresholdPercent,
		&c.LatencyThresholdMS, &c.ViewChangeThreshold, pq.Array(&c.AlertEmails),
		&c.HealthRetentionDays, &c.AlertRetentionDays, &c.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (m *InspectionModel) UpsertConfig(ctx context.Context, c *InspectionConfig) error {
	query := `
		INSERT INTO inspection_config (id, inspection_interval_minutes, offline_threshold_minutes,
		                               fps_drop_threshold_percent, latency_threshold_ms, view_change_threshold,
		                               alert_emails, health_retention_days, alert_retention_days)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			inspection_interval_minutes = EXCLUDED.inspection_interval_minutes,
			offline_threshold_minutes = EXCLUDED.offline_threshold_minutes,
			fps_drop_threshold_percent = EXCLUDED.fps_drop_threshold_percent,
			latency_threshold_ms = EXCLUDED.latency_threshold_ms,
			view_change_threshold = EXCLUDED.view_change_threshold,
			alert_emails = EXCLUDED.alert_emails,
			health_retention_days = EXCLUDED.health_retention_days,
			alert_retention_days = EXCLUDED.alert_retention_days,
			updated_at = NOW()
		RETURNING updated_at
	`
	return m.DB.QueryRowContext(ctx, query,
		c.IntervalMinutes, c.OfflineThresholdMinutes, c.FPSDropThresholdPercent,
		c.LatencyThresholdMS, c.ViewChangeThreshold, pq.Array(c.AlertEmails),
		c.HealthRetentionDays, c.AlertRetentionDays,
	).Scan(&c.UpdatedAt)
}

func (m *InspectionModel) CreateRun(ctx context.Context, r *InspectionRun) error {
	query := `
		INSERT INTO inspection_runs (total_cameras, status)
		VALUES ($1, $2)
		RETURNING id, started_at
	`
	return m.DB.QueryRowContext(ctx, query, r.TotalCameras, r.Status).Scan(&r.ID, &r.StartedAt)
}

func (m *InspectionModel) UpdateRun(ctx context.Context, r *InspectionRun) error {
	query := `
		UPDATE inspection_runs
		SET completed_at = $1, total_cameras = $2, cameras_inspected = $3,
		    cameras_healthy = $4, cameras_warning = $5, cameras_failed = $6, status = $7
		WHERE id = $8
	`
	res, err := m.DB.ExecContext(ctx, query,
		r.CompletedAt, r.TotalCameras, r.Inspected, r.Healthy, r.Warning, r.Failed, r.Status, r.ID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m *InspectionModel) CreateHealthRecord(ctx context.Context, h *HealthRecord) error {
	query := `
		INSERT INTO camera_health_records (camera_id, status, connection_error, fps, expected_fps,
		                                   resolution, avg_brightness, sharpness_score, latency_ms,
		                                   view_similarity_score, view_change_detected, feature_match_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`
	return m.DB.QueryRowContext(ctx, query,
		h.CameraID, h.Status, h.ConnectionError, h.FPS, h.ExpectedFPS,
		h.Resolution, h.AvgBrightness, h.SharpnessScore, h.LatencyMS,
		h.ViewSimilarity, h.ViewChangeDetected, h.FeatureMatchCount,
	).Scan(&h.ID, &h.CreatedAt)
}

func (m *InspectionModel) ListHealthRecords(ctx context.Context, cameraID uuid.UUID, limit int) ([]*HealthRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, camera_id, status, COALESCE(connection_error, ''), fps, expected_fps,
		       COALESCE(resolution, ''), avg_brightness, sharpness_score, latency_ms,
		       view_similarity_score, view_change_detected, feature_match_count, created_at
		FROM camera_health_records
		WHERE camera_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := m.DB.QueryContext(ctx, query, cameraID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*HealthRecord
	for rows.Next() {
		var h HealthRecord
		if err := rows.Scan(
			&h.ID, &h.CameraID, &h.Status, &h.ConnectionError, &h.FPS, &h.ExpectedFPS,
			&h.Resolution, &h.AvgBrightness, &h.SharpnessScore, &h.LatencyMS,
			&h.ViewSimilarity, &h.ViewChangeDetected, &h.FeatureMatchCount, &h.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (m *InspectionModel) PruneHealthRecords(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM camera_health_records WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (m *InspectionModel) CreateAlert(ctx context.Context, a *InspectionAlert) error {
	query := `
		INSERT INTO inspection_alerts (camera_id, alert_type, severity, message, details, email_sent)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	details := a.Details
	if len(details) == 0 {
		details = []byte("{}")
	}
	return m.DB.QueryRowContext(ctx, query,
		a.CameraID, a.AlertType, a.Severity, a.Message, details, a.EmailSent,
	).Scan(&a.ID, &a.CreatedAt)
}

func (m *InspectionModel) ListAlerts(ctx context.Context, cameraID *uuid.UUID, limit int) ([]*InspectionAlert, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, camera_id, alert_type, severity, message, details,
		       acknowledged, acknowledged_at, COALESCE(acknowledged_by, ''),
		       muted_until, email_sent, email_sent_at, created_at
		FROM inspection_alerts
		WHERE ($1::uuid IS NULL OR camera_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := m.DB.QueryContext(ctx, query, cameraID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*InspectionAlert
	for rows.Next() {
		var a InspectionAlert
		if err := rows.Scan(
			&a.ID, &a.CameraID, &a.AlertType, &a.Severity, &a.Message, &a.Details,
			&a.Acknowledged, &a.AcknowledgedAt, &a.AcknowledgedBy,
			&a.MutedUntil, &a.EmailSent, &a.EmailSentAt, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (m *InspectionModel) AcknowledgeAlert(ctx context.Context, id uuid.UUID, by string) error {
	query := `
		UPDATE inspection_alerts
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

func (m *InspectionModel) MuteAlert(ctx context.Context, id uuid.UUID, until time.Time) error {
	res, err := m.DB.ExecContext(ctx, `UPDATE inspection_alerts SET muted_until = $1 WHERE id = $2`, until, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m *InspectionModel) MarkAlertEmailSent(ctx context.Context, id uuid.UUID) error {
	_, err := m.DB.ExecContext(ctx,
		`UPDATE inspection_alerts SET email_sent = TRUE, email_sent_at = NOW() WHERE id = $1`, id)
	return err
}

func (m *InspectionModel) PruneAlerts(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM inspection_alerts WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
