package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/api"
	"github.com/intellioptics/platform/internal/data"
)

// MockInspectionRepo records everything the ingest endpoints write.
type MockInspectionRepo struct {
	config  *data.InspectionConfig
	runs    map[uuid.UUID]*data.InspectionRun
	records []*data.HealthRecord
	alerts  []*data.InspectionAlert
	acked   []uuid.UUID
	muted   []time.Time
}

func newMockInspectionRepo() *MockInspectionRepo {
	return &MockInspectionRepo{runs: make(map[uuid.UUID]*data.InspectionRun)}
}

func (m *MockInspectionRepo) GetConfig(ctx context.Context) (*data.InspectionConfig, error) {
	if m.config == nil {
		return nil, data.ErrRecordNotFound
	}
	return m.config, nil
}

func (m *MockInspectionRepo) UpsertConfig(ctx context.Context, c *data.InspectionConfig) error {
	m.config = c
	return nil
}

func (m *MockInspectionRepo) CreateRun(ctx context.Context, r *data.InspectionRun) error {
	r.ID = uuid.New()
	r.StartedAt = time.Now().UTC()
	m.runs[r.ID] = r
	return nil
}

func (m *MockInspectionRepo) UpdateRun(ctx context.Context, r *data.InspectionRun) error {
	if _, ok := m.runs[r.ID]; !ok {
		return data.ErrRecordNotFound
	}
	m.runs[r.ID] = r
	return nil
}

func (m *MockInspectionRepo) CreateHealthRecord(ctx context.Context, h *data.HealthRecord) error {
	h.ID = uuid.New()
	m.records = append(m.records, h)
	return nil
}

func (m *MockInspectionRepo) ListHealthRecords(ctx context.Context, cameraID uuid.UUID, limit int) ([]*data.HealthRecord, error) {
	return m.records, nil
}

func (m *MockInspectionRepo) PruneHealthRecords(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func (m *MockInspectionRepo) CreateAlert(ctx context.Context, a *data.InspectionAlert) error {
	a.ID = uuid.New()
	m.alerts = append(m.alerts, a)
	return nil
}

func (m *MockInspectionRepo) ListAlerts(ctx context.Context, cameraID *uuid.UUID, limit int) ([]*data.InspectionAlert, error) {
	return m.alerts, nil
}

func (m *MockInspectionRepo) AcknowledgeAlert(ctx context.Context, id uuid.UUID, by string) error {
	m.acked = append(m.acked, id)
	return nil
}

func (m *MockInspectionRepo) MuteAlert(ctx context.Context, id uuid.UUID, until time.Time) error {
	m.muted = append(m.muted, until)
	return nil
}

func (m *MockInspectionRepo) MarkAlertEmailSent(ctx context.Context, id uuid.UUID) error {
	return nil
}

func (m *MockInspectionRepo) PruneAlerts(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func newInspectionHandler() (*api.InspectionHandler, *MockInspectionRepo, *MockCameraRepo) {
	repo := newMockInspectionRepo()
	cams := newMockCameraRepo()
	return &api.InspectionHandler{Repo: repo, Cameras: cams}, repo, cams
}

func TestInspectionHandler_GetConfig_Defaults(t *testing.T) {
	h, _, _ := newInspectionHandler()
	req := withAuth(httptest.NewRequest("GET", "/v1/inspection/config", nil))
	rr := httptest.NewRecorder()
	h.GetConfig(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	var cfg data.InspectionConfig
	if err := json.NewDecoder(rr.Body).Decode(&cfg); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if cfg.IntervalMinutes != 60 || cfg.ViewChangeThreshold != 0.7 {
		t.Errorf("Expected worker defaults, got %+v", cfg)
	}
}

func TestInspectionHandler_PutConfig_Partial(t *testing.T) {
	h, repo, _ := newInspectionHandler()
	body := `{"inspection_interval_minutes":15}`
	req := withAuth(httptest.NewRequest("PUT", "/v1/inspection/config", bytes.NewBufferString(body)))
	rr := httptest.NewRecorder()
	h.PutConfig(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	if repo.config == nil {
		t.Fatal("Expected a stored config")
	}
	if repo.config.IntervalMinutes != 15 {
		t.Errorf("Expected interval 15, got %d", repo.config.IntervalMinutes)
	}
	if repo.config.OfflineThresholdMinutes != 5 {
		t.Errorf("Expected untouched fields to keep defaults, got %+v", repo.config)
	}
}

func TestInspectionHandler_PutConfig_BadInterval(t *testing.T) {
	h, _, _ := newInspectionHandler()
	body := `{"inspection_interval_minutes":0}`
	req := withAuth(httptest.NewRequest("PUT", "/v1/inspection/config", bytes.NewBufferString(body)))
	rr := httptest.NewRecorder()
	h.PutConfig(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rr.Code)
	}
}

func TestInspectionHandler_CreateRun(t *testing.T) {
	h, _, _ := newInspectionHandler()
	req := withAuth(httptest.NewRequest("POST", "/v1/inspection/runs", bytes.NewBufferString(`{"total_cameras":4}`)))
	rr := httptest.NewRecorder()
	h.CreateRun(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var run data.InspectionRun
	if err := json.NewDecoder(rr.Body).Decode(&run); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if run.Status != "running" || run.TotalCameras != 4 {
		t.Errorf("Expected a running run over 4 cameras, got %+v", run)
	}
}

func TestInspectionHandler_UpdateRun_Completes(t *testing.T) {
	h, repo, _ := newInspectionHandler()
	seed := &data.InspectionRun{}
	repo.CreateRun(context.Background(), seed)

	body := `{"total_cameras":4, "cameras_inspected":4, "cameras_healthy":3, "cameras_warning":1, "status":"completed"}`
	req := httptest.NewRequest("PATCH", "/v1/inspection/runs/x", bytes.NewBufferString(body))
	req.SetPathValue("runID", seed.ID.String())
	req = withAuth(req)
	rr := httptest.NewRecorder()
	h.UpdateRun(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	stored := repo.runs[seed.ID]
	if stored.CompletedAt == nil {
		t.Errorf("Expected a completion timestamp")
	}
	if stored.Healthy != 3 || stored.Warning != 1 {
		t.Errorf("Expected the tally stored, got %+v", stored)
	}
}

func TestInspectionHandler_UpdateRun_BadStatus(t *testing.T) {
	h, _, _ := newInspectionHandler()
	body := `{"status":"paused"}`
	req := httptest.NewRequest("PATCH", "/v1/inspection/runs/x", bytes.NewBufferString(body))
	req.SetPathValue("runID", uuid.New().String())
	req = withAuth(req)
	rr := httptest.NewRecorder()
	h.UpdateRun(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rr.Code)
	}
}

func TestInspectionHandler_ReportHealth(t *testing.T) {
	h, repo, cams := newInspectionHandler()
	body := `{"status":"warning", "fps":4.2, "expected_fps":15, "view_change_detected":true}`
	req := httptest.NewRequest("POST", "/v1/inspection/cameras/x/health", bytes.NewBufferString(body))
	req.SetPathValue("cameraID", cams.camID.String())
	req = withAuth(req)
	rr := httptest.NewRecorder()
	h.ReportHealth(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	if len(repo.records) != 1 {
		t.Fatalf("Expected 1 stored sample, got %d", len(repo.records))
	}
	if len(cams.health) != 1 || cams.health[0] != "warning" {
		t.Errorf("Expected the camera row rolled up to warning, got %v", cams.health)
	}
	if len(cams.viewChanges) != 1 || !cams.viewChanges[0] {
		t.Errorf("Expected the view-change flag raised, got %v", cams.viewChanges)
	}
}

func TestInspectionHandler_ReportHealth_BadStatus(t *testing.T) {
	h, _, cams := newInspectionHandler()
	body := `{"status":"sideways"}`
	req := httptest.NewRequest("POST", "/v1/inspection/cameras/x/health", bytes.NewBufferString(body))
	req.SetPathValue("cameraID", cams.camID.String())
	req = withAuth(req)
	rr := httptest.NewRecorder()
	h.ReportHealth(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rr.Code)
	}
}

func TestInspectionHandler_CreateAlert(t *testing.T) {
	h, repo, _ := newInspectionHandler()
	body := `{"camera_id":"` + uuid.New().String() + `", "alert_type":"camera_offline", "message":"no frames for 10 minutes"}`
	req := withAuth(httptest.NewRequest("POST", "/v1/inspection/alerts", bytes.NewBufferString(body)))
	rr := httptest.NewRecorder()
	h.CreateAlert(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	if len(repo.alerts) != 1 || repo.alerts[0].Severity != "warning" {
		t.Errorf("Expected a stored alert with default severity, got %+v", repo.alerts)
	}
}

func TestInspectionHandler_MuteAlert_DefaultsToAnHour(t *testing.T) {
	h, repo, _ := newInspectionHandler()
	req := httptest.NewRequest("POST", "/v1/inspection/alerts/x/mute", bytes.NewBufferString(`{}`))
	req.SetPathValue("alertID", uuid.New().String())
	req = withAuth(req)
	rr := httptest.NewRecorder()
	h.MuteAlert(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	if len(repo.muted) != 1 {
		t.Fatalf("Expected 1 mute, got %d", len(repo.muted))
	}
	until := time.Until(repo.muted[0])
	if until < 55*time.Minute || until > 65*time.Minute {
		t.Errorf("Expected roughly an hour, got %s", until)
	}
}

func TestInspectionHandler_MuteAlert_NegativeMinutes(t *testing.T) {
	h, _, _ := newInspectionHandler()
	req := httptest.NewRequest("POST", "/v1/inspection/alerts/x/mute", bytes.NewBufferString(`{"minutes":-5}`))
	req.SetPathValue("alertID", uuid.New().String())
	req = withAuth(req)
	rr := httptest.NewRecorder()
	h.MuteAlert(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rr.Code)
	}
}

func TestInspectionHandler_AcknowledgeAlert(t *testing.T) {
	h, repo, _ := newInspectionHandler()
	id := uuid.New()
	req := httptest.NewRequest("POST", "/v1/inspection/alerts/x/acknowledge", nil)
	req.SetPathValue("alertID", id.String())
	req = withAuth(req)
	rr := httptest.NewRecorder()
	h.AcknowledgeAlert(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if len(repo.acked) != 1 || repo.acked[0] != id {
		t.Errorf("Expected alert %s acknowledged, got %v", id, repo.acked)
	}
}
