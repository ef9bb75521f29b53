package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type DetectorMode string

const (
	ModeBinary     DetectorMode = "BINARY"
	ModeCount      DetectorMode = "COUNT"
	ModeMultiClass DetectorMode = "MULTI_CLASS"
	ModeObjectDet  DetectorMode = "OBJECT_DETECTION"
	ModeOpenVocab  DetectorMode = "OPEN_VOCABULARY"
)

// ValidDetectorMode rejects unknown mode strings at the API boundary.
func ValidDetectorMode(s string) bool {
	switch DetectorMode(s) {
	case ModeBinary, ModeCount, ModeMultiClass, ModeObjectDet, ModeOpenVocab:
		return true
	}
	return false
}

type Detector struct {
	ID                  uuid.UUID    `json:"id"`
	Name                string       `json:"name"`
	Mode                DetectorMode `json:"mode"`
	QueryText           string       `json:"query_text,omitempty"`
	Status              string       `json:"status"`
	ConfidenceThreshold float64      `json:"confidence_threshold"`
	PatienceTime        float64      `json:"patience_time"`
	GroupName           string       `json:"group_name,omitempty"`
	Labels              []string     `json:"labels"`
	PrimaryModelPath    string       `json:"primary_model_blob_path,omitempty"`
	OODDModelPath       string       `json:"oodd_model_blob_path,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
	DeletedAt           *time.Time   `json:"-"`
}

// DetectorConfig is the inference-facing configuration: which artifacts to
// load and how to post-process their output.
type DetectorConfig struct {
	DetectorID          uuid.UUID          `json:"detector_id"`
	Mode                DetectorMode       `json:"mode"`
	ClassNames          []string           `json:"class_names,omitempty"`
	ConfidenceThreshold float64            `json:"confidence_threshold"`
	PerClassThresholds  map[string]float64 `json:"per_class_thresholds,omitempty"`
	InputWidth          int                `json:"input_width"`
	DetectionParams     DetectionParams    `json:"detection_params"`
	PrimaryModelPath    string             `json:"primary_model_blob_path,omitempty"`
	OODDModelPath       string             `json:"oodd_model_blob_path,omitempty"`
	OODDThreshold       float64            `json:"oodd_threshold"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

type DetectionParams struct {
	MinScoreThreshold float64 `json:"min_score_threshold"`
	IOUThreshold      float64 `json:"iou_threshold"`
	MaxDetections     int     `json:"max_detections"`
}

// DefaultDetectionParams mirrors the worker defaults used when a detector has
// no explicit configuration.
func DefaultDetectionParams() DetectionParams {
	return DetectionParams{MinScoreThreshold: 0.25, IOUThreshold: 0.45, MaxDetections: 100}
}

type DetectorRepository interface {
	Create(ctx context.Context, d *Detector) error
	GetByID(ctx context.Context, id uuid.UUID) (*Detector, error)
	List(ctx context.Context, limit, offset int) ([]*Detector, error)
	Update(ctx context.Context, d *Detector) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	GetConfig(ctx context.Context, detectorID uuid.UUID) (*DetectorConfig, error)
	UpsertConfig(ctx context.Context, c *DetectorConfig) error
}

type DetectorModel struct {
	DB DBTX
}

func (m DetectorModel) Create(ctx context.Context, d *Detector) error {
	query := `
		INSERT INTO detectors (name, mode, query_text, status, confidence_threshold, patience_time, group_name, labels, primary_model_blob_path, oodd_model_blob_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`
	return m.DB.QueryRowContext(ctx, query,
		d.Name, d.Mode, d.QueryText, d.Status, d.ConfidenceThreshold, d.PatienceTime,
		d.GroupName, pq.Array(d.Labels), d.PrimaryModelPath, d.OODDModelPath,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
}

func (m DetectorModel) GetByID(ctx context.Context, id uuid.UUID) (*Detector, error) {
	query := `
		SELECT id, name, mode, query_text, status, confidence_threshold, patience_time,
		       COALESCE(group_name, ''), labels, COALESCE(primary_model_blob_path, ''), COALESCE(oodd_model_blob_path, ''),
		       created_at, updated_at
		FROM detectors
		WHERE id = $1 AND deleted_at IS NULL
	`
	var d Detector
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&d.ID, &d.Name, &d.Mode, &d.QueryText, &d.Status, &d.ConfidenceThreshold, &d.PatienceTime,
		&d.GroupName, pq.Array(&d.Labels), &d.PrimaryModelPath, &d.OODDModelPath,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (m DetectorModel) List(ctx context.Context, limit, offset int) ([]*Detector, error) {
	query := `
		SELECT id, name, mode, query_text, status, confidence_threshold, patience_time,
		       COALESCE(group_name, ''), labels, COALESCE(primary_model_blob_path, ''), COALESCE(oodd_model_blob_path, ''),
		       created_at, updated_at
		FROM detectors
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := m.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Detector
	for rows.Next() {
		var d Detector
		if err := rows.Scan(
			&d.ID, &d.Name, &d.Mode, &d.QueryText, &d.Status, &d.ConfidenceThreshold, &d.PatienceTime,
			&d.GroupName, pq.Array(&d.Labels), &d.PrimaryModelPath, &d.OODDModelPath,
			&d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (m DetectorModel) Update(ctx context.Context, d *Detector) error {
	query := `
		UPDATE detectors
		SET name = $1, mode = $2, query_text = $3, status = $4, confidence_threshold = $5,
		    patience_time = $6, group_name = $7, labels = $8,
		    primary_model_blob_path = $9, oodd_model_blob_path = $10, updated_at = NOW()
		WHERE id = $11 AND deleted_at IS NULL
		RETURNING updated_at
	`
	err := m.DB.QueryRowContext(ctx, query,
		d.Name, d.Mode, d.QueryText, d.Status, d.ConfidenceThreshold, d.PatienceTime,
		d.GroupName, pq.Array(d.Labels), d.PrimaryModelPath, d.OODDModelPath, d.ID,
	).Scan(&d.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrRecordNotFound
		}
		return err
	}
	return nil
}

func (m DetectorModel) SoftDelete(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE detectors SET deleted_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`
	res, err := m.DB.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m DetectorModel) GetConfig(ctx context.Context, detectorID uuid.UUID) (*DetectorConfig, error) {
	query := `
		SELECT detector_id, mode, class_names, confidence_threshold, per_class_thresholds,
		       input_width, detection_params, COALESCE(primary_model_blob_path, ''), COALESCE(oodd_model_blob_path, ''),
		       oodd_threshold, updated_at
		FROM detector_configs
		WHERE detector_id = $1
	`
	var (
		c         DetectorConfig
		perClass  []byte
		detParams []byte
	)
	err := m.DB.QueryRowContext(ctx, query, detectorID).Scan(
		&c.DetectorID, &c.Mode, pq.Array(&c.ClassNames), &c.ConfidenceThreshold, &perClass,
		&c.InputWidth, &detParams, &c.PrimaryModelPath, &c.OODDModelPath,
		&c.OODDThreshold, &c.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	if len(perClass) > 0 {
		if err := json.Unmarshal(perClass, &c.PerClassThresholds); err != nil {
			return nil, err
		}
	}
	c.DetectionParams = DefaultDetectionParams()
	if len(detParams) > 0 {
		if err := json.Unmarshal(detParams, &c.DetectionParams); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func (m DetectorModel) UpsertConfig(ctx context.Context, c *DetectorConfig) error {
	perClass, err := json.Marshal(c.PerClassThresholds)
	if err != nil {
		return err
	}
	detParams, err := json.Marshal(c.DetectionParams)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO detector_configs (detector_id, mode, class_names, confidence_threshold, per_class_thresholds,
		                              input_width, detection_params, primary_model_blob_path, oodd_model_blob_path, oodd_threshold)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (detector_id) DO UPDATE SET
			mode = EXCLUDED.mode,
			class_names = EXCLUDED.class_names,
			confidence_threshold = EXCLUDED.confidence_threshold,
			per_class_thresholds = EXCLUDED.per_class_thresholds,
			input_width = EXCLUDED.input_width,
			detection_params = EXCLUDED.detection_params,
			primary_model_blob_path = EXCLUDED.primary_model_blob_path,
			oodd_model_blob_path = EXCLUDED.oodd_model_blob_path,
			oodd_threshold = EXCLUDED.oodd_threshold,
			updated_at = NOW()
		RETURNING updated_at
	`
	return m.DB.QueryRowContext(ctx, query,
		c.DetectorID, c.Mode, pq.Array(c.ClassNames), c.ConfidenceThreshold, perClass,
		c.InputWidth, detParams, c.PrimaryModelPath, c.OODDModelPath, c.OODDThreshold,
	).Scan(&c.UpdatedAt)
}
