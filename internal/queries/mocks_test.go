package queries

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/infer"
)

// Function-field fakes for the service dependencies. A nil func succeeds
// with zero values.

type MockQueryRepo struct {
	CreateFunc             func(ctx context.Context, q *data.Query) error
	GetByIDFunc            func(ctx context.Context, id uuid.UUID) (*data.Query, error)
	ListFunc               func(ctx context.Context, f data.QueryFilter) ([]*data.Query, int, error)
	UpdateResultFunc       func(ctx context.Context, q *data.Query) error
	SetStatusFunc          func(ctx context.Context, id uuid.UUID, status data.QueryStatus) error
	MarkEscalatedFunc      func(ctx context.Context, id uuid.UUID) error
	SetGroundTruthFunc     func(ctx context.Context, q *data.Query) error
	DeleteCascadeFunc      func(ctx context.Context, id uuid.UUID) error
	CreateEscalationFunc   func(ctx context.Context, e *data.Escalation) error
	ResolveEscalationsFunc func(ctx context.Context, queryID uuid.UUID) error
	CreateFeedbackFunc     func(ctx context.Context, f *data.Feedback) error
	AccuracyStatsFunc      func(ctx context.Context, detectorID *uuid.UUID) (int, int, error)
}

func (m *MockQueryRepo) Create(ctx context.Context, q *data.Query) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, q)
	}
	q.ID = uuid.New()
	return nil
}

func (m *MockQueryRepo) GetByID(ctx context.Context, id uuid.UUID) (*data.Query, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, data.ErrRecordNotFound
}

func (m *MockQueryRepo) List(ctx context.Context, f data.QueryFilter) ([]*data.Query, int, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, f)
	}
	return nil, 0, nil
}

func (m *MockQueryRepo) UpdateResult(ctx context.Context, q *data.Query) error {
	if m.UpdateResultFunc != nil {
		return m.UpdateResultFunc(ctx, q)
	}
	return nil
}

func (m *MockQueryRepo) SetStatus(ctx context.Context, id uuid.UUID, status data.QueryStatus) error {
	if m.SetStatusFunc != nil {
		return m.SetStatusFunc(ctx, id, status)
	}
	return nil
}

func (m *MockQueryRepo) MarkEscalated(ctx context.Context, id uuid.UUID) error {
	if m.MarkEscalatedFunc != nil {
		return m.MarkEscalatedFunc(ctx, id)
	}
	return nil
}

func (m *MockQueryRepo) SetGroundTruth(ctx context.Context, q *data.Query) error {
	if m.SetGroundTruthFunc != nil {
		return m.SetGroundTruthFunc(ctx, q)
	}
	return nil
}

func (m *MockQueryRepo) DeleteCascade(ctx context.Context, id uuid.UUID) error {
	if m.DeleteCascadeFunc != nil {
		return m.DeleteCascadeFunc(ctx, id)
	}
	return nil
}

func (m *MockQueryRepo) ListRecent(ctx context.Context, detectorID uuid.UUID, limit int) ([]*data.Query, error) {
	return nil, nil
}

func (m *MockQueryRepo) ListSince(ctx context.Context, detectorID uuid.UUID, since time.Time) ([]*data.Query, error) {
	return nil, nil
}

func (m *MockQueryRepo) CreateEscalation(ctx context.Context, e *data.Escalation) error {
	if m.CreateEscalationFunc != nil {
		return m.CreateEscalationFunc(ctx, e)
	}
	e.ID = uuid.New()
	return nil
}

func (m *MockQueryRepo) ResolveEscalations(ctx context.Context, queryID uuid.UUID) error {
	if m.ResolveEscalationsFunc != nil {
		return m.ResolveEscalationsFunc(ctx, queryID)
	}
	return nil
}

func (m *MockQueryRepo) CreateFeedback(ctx context.Context, f *data.Feedback) error {
	if m.CreateFeedbackFunc != nil {
		return m.CreateFeedbackFunc(ctx, f)
	}
	f.ID = uuid.New()
	return nil
}

func (m *MockQueryRepo) AccuracyStats(ctx context.Context, detectorID *uuid.UUID) (int, int, error) {
	if m.AccuracyStatsFunc != nil {
		return m.AccuracyStatsFunc(ctx, detectorID)
	}
	return 0, 0, nil
}

type MockDetectorRepo struct {
	GetByIDFunc   func(ctx context.Context, id uuid.UUID) (*data.Detector, error)
	GetConfigFunc func(ctx context.Context, detectorID uuid.UUID) (*data.DetectorConfig, error)
}

func (m *MockDetectorRepo) Create(ctx context.Context, d *data.Detector) error { return nil }

func (m *MockDetectorRepo) GetByID(ctx context.Context, id uuid.UUID) (*data.Detector, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, data.ErrRecordNotFound
}

func (m *MockDetectorRepo) List(ctx context.Context, limit, offset int) ([]*data.Detector, error) {
	return nil, nil
}

func (m *MockDetectorRepo) Update(ctx context.Context, d *data.Detector) error     { return nil }
func (m *MockDetectorRepo) SoftDelete(ctx context.Context, id uuid.UUID) error     { return nil }
func (m *MockDetectorRepo) UpsertConfig(ctx context.Context, c *data.DetectorConfig) error {
	return nil
}

func (m *MockDetectorRepo) GetConfig(ctx context.Context, detectorID uuid.UUID) (*data.DetectorConfig, error) {
	if m.GetConfigFunc != nil {
		return m.GetConfigFunc(ctx, detectorID)
	}
	return nil, data.ErrRecordNotFound
}

type MockBlobs struct {
	UploadFunc    func(ctx context.Context, container, name string, data []byte, contentType string) (string, error)
	DeleteFunc    func(ctx context.Context, container, name string) (bool, error)
	SignedURLFunc func(ctx context.Context, container, name string, ttl time.Duration) (string, error)

	Uploads []string
	Deletes []string
}

func (m *MockBlobs) Upload(ctx context.Context, container, name string, data []byte, contentType string) (string, error) {
	if m.UploadFunc != nil {
		return m.UploadFunc(ctx, container, name, data, contentType)
	}
	path := container + "/" + name
	m.Uploads = append(m.Uploads, path)
	return path, nil
}

func (m *MockBlobs) Download(ctx context.Context, container, name string) ([]byte, error) {
	return nil, nil
}

func (m *MockBlobs) Delete(ctx context.Context, container, name string) (bool, error) {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, container, name)
	}
	m.Deletes = append(m.Deletes, container+"/"+name)
	return true, nil
}

func (m *MockBlobs) SignedURL(ctx context.Context, container, name string, ttl time.Duration) (string, error) {
	if m.SignedURLFunc != nil {
		return m.SignedURLFunc(ctx, container, name, ttl)
	}
	return "https://signed.example/" + container + "/" + name, nil
}

type PublishedJob struct {
	Queue   string
	Payload interface{}
}

type MockPublisher struct {
	EnqueueFunc func(ctx context.Context, queueName string, payload interface{}) error
	Published   []PublishedJob
}

func (m *MockPublisher) Enqueue(ctx context.Context, queueName string, payload interface{}) error {
	if m.EnqueueFunc != nil {
		if err := m.EnqueueFunc(ctx, queueName, payload); err != nil {
			return err
		}
	}
	m.Published = append(m.Published, PublishedJob{Queue: queueName, Payload: payload})
	return nil
}

type MockInferencer struct {
	RunFunc func(ctx context.Context, cfg *data.DetectorConfig, image []byte) (*infer.Response, error)
	Calls   int
}

func (m *MockInferencer) Run(ctx context.Context, cfg *data.DetectorConfig, image []byte) (*infer.Response, error) {
	m.Calls++
	if m.RunFunc != nil {
		return m.RunFunc(ctx, cfg, image)
	}
	return &infer.Response{Detections: nil}, nil
}

type AlertCall struct {
	DetectorID uuid.UUID
	QueryID    uuid.UUID
	Label      string
	Confidence float64
	CameraName string
	ImagePath  string
}

type MockAlerter struct {
	Err   error
	Calls []AlertCall
}

func (m *MockAlerter) Trigger(ctx context.Context, detectorID, queryID uuid.UUID, label string, confidence float64, cameraName, imagePath string) error {
	m.Calls = append(m.Calls, AlertCall{detectorID, queryID, label, confidence, cameraName, imagePath})
	return m.Err
}

type MockNotifier struct {
	Err      error
	Subjects []string
}

func (m *MockNotifier) Notify(ctx context.Context, subject, body string) error {
	m.Subjects = append(m.Subjects, subject)
	return m.Err
}

type MockMinter struct {
	Err error
}

func (m *MockMinter) FallbackToken(detectorID uuid.UUID) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	return "fallback-token-" + detectorID.String()[:8], nil
}
