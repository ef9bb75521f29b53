package data

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type CameraStatus string

const (
	CameraHealthy  CameraStatus = "healthy"
	CameraWarning  CameraStatus = "warning"
	CameraCritical CameraStatus = "critical"
	CameraUnknown  CameraStatus = "unknown"
)

// InspectionConfig is a singleton row controlling the inspection worker.
type InspectionConfig struct {
	IntervalMinutes         int       `json:"inspection_interval_minutes"`
	OfflineThresholdMinutes int       `json:"offline_threshold_minutes"`
	FPSDropThresholdPercent float64   `json:"fps_drop_threshold_percent"`
	LatencyThresholdMS      int       `json:"latency_threshold_ms"`
	ViewChangeThreshold     float64   `json:"view_change_threshold"`
	AlertEmails             []string  `json:"alert_emails"`
	HealthRetentionDays     int       `json:"health_retention_days"`
	AlertRetentionDays      int       `json:"alert_retention_days"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// DefaultInspectionConfig mirrors the worker defaults used before an operator
// saves anything.
func DefaultInspectionConfig() *InspectionConfig {
	return &InspectionConfig{
		IntervalMinutes:         60,
		OfflineThresholdMinutes: 5,
		FPSDropThresholdPercent: 0.5,
		LatencyThresholdMS:      1000,
		ViewChangeThreshold:     0.7,
		HealthRetentionDays:     30,
		AlertRetentionDays:      90,
	}
}

type InspectionRun struct {
	ID           uuid.UUID  `json:"id"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	TotalCameras int        `json:"total_cameras"`
	Inspected    int        `json:"cameras_inspected"`
	Healthy      int        `json:"cameras_healthy"`
	Warning      int        `json:"cameras_warning"`
	Failed       int        `json:"cameras_failed"`
	Status       string     `json:"status"`
}

// HealthRecord is one inspection sample for one camera.
type HealthRecord struct {
	ID                 uuid.UUID    `json:"id"`
	CameraID           uuid.UUID    `json:"camera_id"`
	Status             CameraStatus `json:"status"`
	ConnectionError    string       `json:"connection_error,omitempty"`
	FPS                float64      `json:"fps"`
	ExpectedFPS        float64      `json:"expected_fps"`
	Resolution         string       `json:"resolution,omitempty"`
	AvgBrightness      *float64     `json:"avg_brightness,omitempty"`
	SharpnessScore     *float64     `json:"sharpness_score,omitempty"`
	LatencyMS          *float64     `json:"latency_ms,omitempty"`
	ViewSimilarity     *float64     `json:"view_similarity_score,omitempty"`
	ViewChangeDetected bool         `json:"view_change_detected"`
	FeatureMatchCount  *int         `json:"feature_match_count,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
}

// InspectionAlert is a camera-scoped operational alert raised by the
// inspection worker (offline, fps drop, view change, network issue).
type InspectionAlert struct {
	ID             uuid.UUID       `json:"id"`
	CameraID       uuid.UUID       `json:"camera_id"`
	AlertType      string          `json:"alert_type"`
	Severity       string          `json:"severity"`
	Message        string          `json:"message"`
	Details        json.RawMessage `json:"details,omitempty"`
	Acknowledged   bool            `json:"acknowledged"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string          `json:"acknowledged_by,omitempty"`
	MutedUntil     *time.Time      `json:"muted_until,omitempty"`
	EmailSent      bool            `json:"email_sent"`
	EmailSentAt    *time.Time      `json:"email_sent_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type InspectionRepository interface {
	GetConfig(ctx context.Context) (*InspectionConfig, error)
	UpsertConfig(ctx context.Context, c *InspectionConfig) error

	CreateRun(ctx context.Context, r *InspectionRun) error
	UpdateRun(ctx context.Context, r *InspectionRun) error

	CreateHealthRecord(ctx context.Context, h *HealthRecord) error
	ListHealthRecords(ctx context.Context, cameraID uuid.UUID, limit int) ([]*HealthRecord, error)
	PruneHealthRecords(ctx context.Context, olderThan time.Time) (int64, error)

	CreateAlert(ctx context.Context, a *InspectionAlert) error
	ListAlerts(ctx context.Context, cameraID *uuid.UUID, limit int) ([]*InspectionAlert, error)
	AcknowledgeAlert(ctx context.Context, id uuid.UUID, by string) error
	MuteAlert(ctx context.Context, id uuid.UUID, until time.Time) error
	MarkAlertEmailSent(ctx context.Context, id uuid.UUID) error
	PruneAlerts(ctx context.Context, olderThan time.Time) (int64, error)
}
