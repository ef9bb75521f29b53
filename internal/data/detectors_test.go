package data_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/intellioptics/platform/internal/data"
)

var detectorCols = []string{
	"id", "name", "mode", "query_text", "status", "confidence_threshold", "patience_time",
	"group_name", "labels", "primary_model_blob_path", "oodd_model_blob_path",
	"created_at", "updated_at",
}

func TestDetectorGetByID(t *testing.T) {
	db, mock := newMock(t)
	m := data.DetectorModel{DB: db}

	id := uuid.New()
	now := time.Now()
	rows := sqlmock.NewRows(detectorCols).
		AddRow(id.String(), "dock-door", "BINARY", "Is the dock door open?", "ACTIVE",
			0.9, 30.0, "warehouse", "{YES,NO}", "models/dock.onnx", "", now, now)
	mock.ExpectQuery("SELECT id, name, mode").WithArgs(id).WillReturnRows(rows)

	d, err := m.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if d.Mode != data.ModeBinary {
		t.Errorf("mode = %s, want %s", d.Mode, data.ModeBinary)
	}
	if len(d.Labels) != 2 || d.Labels[0] != "YES" || d.Labels[1] != "NO" {
		t.Errorf("labels = %v, want [YES NO]", d.Labels)
	}
}

func TestDetectorSoftDeleteNotFound(t *testing.T) {
	db, mock := newMock(t)
	m := data.DetectorModel{DB: db}

	mock.ExpectExec("UPDATE detectors SET deleted_at").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := m.SoftDelete(context.Background(), uuid.New()); err != data.ErrRecordNotFound {
		t.Fatalf("err = %v, want ErrRecordNotFound", err)
	}
}

var configCols = []string{
	"detector_id", "mode", "class_names", "confidence_threshold", "per_class_thresholds",
	"input_width", "detection_params", "primary_model_blob_path", "oodd_model_blob_path",
	"oodd_threshold", "updated_at",
}

// A config row without stored detection params falls back to the worker
// defaults instead of zeroed thresholds.
func TestDetectorGetConfigDefaultsParams(t *testing.T) {
	db, mock := newMock(t)
	m := data.DetectorModel{DB: db}

	id := uuid.New()
	rows := sqlmock.NewRows(configCols).
		AddRow(id.String(), "OBJECT_DETECTION", "{person,forklift}", 0.5, nil,
			640, nil, "models/yolo.onnx", "", 0.0, time.Now())
	mock.ExpectQuery("SELECT detector_id, mode").WithArgs(id).WillReturnRows(rows)

	c, err := m.GetConfig(context.Background(), id)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if c.DetectionParams != data.DefaultDetectionParams() {
		t.Errorf("params = %+v, want defaults", c.DetectionParams)
	}
	if c.PerClassThresholds != nil {
		t.Errorf("per-class thresholds = %v, want nil", c.PerClassThresholds)
	}
	if len(c.ClassNames) != 2 {
		t.Errorf("class names = %v", c.ClassNames)
	}
}

func TestDetectorGetConfigParsesJSON(t *testing.T) {
	db, mock := newMock(t)
	m := data.DetectorModel{DB: db}

	id := uuid.New()
	rows := sqlmock.NewRows(configCols).
		AddRow(id.String(), "OBJECT_DETECTION", "{person}", 0.5, []byte(`{"person":0.8}`),
			640, []byte(`{"min_score_threshold":0.3,"iou_threshold":0.5,"max_detections":50}`),
			"models/yolo.onnx", "models/oodd.onnx", 0.35, time.Now())
	mock.ExpectQuery("SELECT detector_id, mode").WithArgs(id).WillReturnRows(rows)

	c, err := m.GetConfig(context.Background(), id)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if c.PerClassThresholds["person"] != 0.8 {
		t.Errorf("person threshold = %v, want 0.8", c.PerClassThresholds["person"])
	}
	if c.DetectionParams.MaxDetections != 50 || c.DetectionParams.IOUThreshold != 0.5 {
		t.Errorf("params = %+v", c.DetectionParams)
	}
}

func TestDetectorUpsertConfigMarshalsJSON(t *testing.T) {
	db, mock := newMock(t)
	m := data.DetectorModel{DB: db}

	cfg := &data.DetectorConfig{
		DetectorID:          uuid.New(),
		Mode:                data.ModeObjectDet,
		ClassNames:          []string{"person"},
		ConfidenceThreshold: 0.5,
		PerClassThresholds:  map[string]float64{"person": 0.8},
		InputWidth:          640,
		DetectionParams:     data.DefaultDetectionParams(),
	}
	mock.ExpectQuery("INSERT INTO detector_configs").
		WithArgs(cfg.DetectorID, cfg.Mode, pq.Array(cfg.ClassNames), 0.5, []byte(`{"person":0.8}`),
			640, []byte(`{"min_score_threshold":0.25,"iou_threshold":0.45,"max_detections":100}`),
			"", "", 0.0).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(time.Now()))

	if err := m.UpsertConfig(context.Background(), cfg); err != nil {
		t.Fatalf("UpsertConfig: %v", err)
	}
	if cfg.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not populated")
	}
}
