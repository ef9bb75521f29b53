package demo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/infer"
)

// memDemoRepo is an in-memory DemoRepository. Capture loops and inference
// goroutines hit it while the test asserts, so every method locks.
type memDemoRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*data.DemoSession
	results  []*data.DemoResult
}

func newMemDemoRepo() *memDemoRepo {
	return &memDemoRepo{sessions: make(map[uuid.UUID]*data.DemoSession)}
}

func (m *memDemoRepo) CreateSession(ctx context.Context, s *data.DemoSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = uuid.New()
	s.StartedAt = time.Now().UTC()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memDemoRepo) GetSession(ctx context.Context, id uuid.UUID) (*data.DemoSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memDemoRepo) ListSessions(ctx context.Context, limit int) ([]*data.DemoSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*data.DemoSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memDemoRepo) SetSessionStatus(ctx context.Context, id uuid.UUID, status data.DemoSessionStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return data.ErrRecordNotFound
	}
	s.Status = status
	s.ErrorMessage = errMsg
	if status != data.DemoActive {
		now := time.Now().UTC()
		s.StoppedAt = &now
	}
	return nil
}

func (m *memDemoRepo) AddFrames(ctx context.Context, id uuid.UUID, frames, detections int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return data.ErrRecordNotFound
	}
	s.TotalFramesCaptured += frames
	s.TotalDetections += detections
	now := time.Now().UTC()
	s.LastFrameAt = &now
	return nil
}

func (m *memDemoRepo) CreateResult(ctx context.Context, r *data.DemoResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = uuid.New()
	r.CreatedAt = time.Now().UTC()
	cp := *r
	m.results = append(m.results, &cp)
	return nil
}

func (m *memDemoRepo) FinishResult(ctx context.Context, r *data.DemoResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stored := range m.results {
		if stored.ID == r.ID {
			stored.ResultLabel = r.ResultLabel
			stored.Confidence = r.Confidence
			stored.Status = r.Status
			now := time.Now().UTC()
			stored.CompletedAt = &now
			return nil
		}
	}
	return data.ErrRecordNotFound
}

func (m *memDemoRepo) ListResults(ctx context.Context, sessionID uuid.UUID, limit int) ([]*data.DemoResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*data.DemoResult
	for _, r := range m.results {
		if r.SessionID == sessionID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memDemoRepo) session(t *testing.T, id uuid.UUID) *data.DemoSession {
	t.Helper()
	s, err := m.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("session %s not stored: %v", id, err)
	}
	return s
}

func (m *memDemoRepo) sessionResults(id uuid.UUID) []*data.DemoResult {
	out, _ := m.ListResults(context.Background(), id, 0)
	return out
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

func (m *MockDetectorRepo) Update(ctx context.Context, d *data.Detector) error { return nil }
func (m *MockDetectorRepo) SoftDelete(ctx context.Context, id uuid.UUID) error { return nil }
func (m *MockDetectorRepo) UpsertConfig(ctx context.Context, c *data.DetectorConfig) error {
	return nil
}

func (m *MockDetectorRepo) GetConfig(ctx context.Context, detectorID uuid.UUID) (*data.DetectorConfig, error) {
	if m.GetConfigFunc != nil {
		return m.GetConfigFunc(ctx, detectorID)
	}
	return nil, data.ErrRecordNotFound
}

// MockQueryStore records the query rows the pipeline writes.
type MockQueryStore struct {
	mu       sync.Mutex
	created  []*data.Query
	updated  []*data.Query
	statuses map[uuid.UUID]data.QueryStatus
}

func (m *MockQueryStore) Create(ctx context.Context, q *data.Query) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q.ID = uuid.New()
	cp := *q
	m.created = append(m.created, &cp)
	return nil
}

func (m *MockQueryStore) UpdateResult(ctx context.Context, q *data.Query) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *q
	m.updated = append(m.updated, &cp)
	return nil
}

func (m *MockQueryStore) SetStatus(ctx context.Context, id uuid.UUID, status data.QueryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statuses == nil {
		m.statuses = make(map[uuid.UUID]data.QueryStatus)
	}
	m.statuses[id] = status
	return nil
}

func (m *MockQueryStore) createdCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

func (m *MockQueryStore) createdAt(i int) *data.Query {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.created[i]
	return &cp
}

func (m *MockQueryStore) updatedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updated)
}

func (m *MockQueryStore) updatedAt(i int) *data.Query {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.updated[i]
	return &cp
}

func (m *MockQueryStore) statusOf(id uuid.UUID) (data.QueryStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[id]
	return st, ok
}

type MockBlobs struct {
	mu        sync.Mutex
	UploadErr error
	uploads   []string
}

func (m *MockBlobs) Upload(ctx context.Context, container, name string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UploadErr != nil {
		return "", m.UploadErr
	}
	path := container + "/" + name
	m.uploads = append(m.uploads, path)
	return path, nil
}

func (m *MockBlobs) Download(ctx context.Context, container, name string) ([]byte, error) {
	return nil, nil
}

func (m *MockBlobs) Delete(ctx context.Context, container, name string) (bool, error) {
	return true, nil
}

func (m *MockBlobs) SignedURL(ctx context.Context, container, name string, ttl time.Duration) (string, error) {
	return "https://signed.example/" + container + "/" + name, nil
}

func (m *MockBlobs) uploadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

func (m *MockBlobs) uploadAt(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads[i]
}

// MockInference answers detector and prompt inference calls.
type MockInference struct {
	mu             sync.Mutex
	RunFunc        func(ctx context.Context, cfg *data.DetectorConfig, image []byte) (*infer.Response, error)
	RunPromptsFunc func(ctx context.Context, prompts []string, image []byte) (*infer.Response, error)
	runCalls       int
	promptCalls    [][]string
}

func (m *MockInference) Run(ctx context.Context, cfg *data.DetectorConfig, image []byte) (*infer.Response, error) {
	m.mu.Lock()
	m.runCalls++
	fn := m.RunFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, cfg, image)
	}
	return &infer.Response{}, nil
}

func (m *MockInference) RunPrompts(ctx context.Context, prompts []string, image []byte) (*infer.Response, error) {
	m.mu.Lock()
	m.promptCalls = append(m.promptCalls, prompts)
	fn := m.RunPromptsFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, prompts, image)
	}
	return &infer.Response{}, nil
}

func (m *MockInference) runs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runCalls
}

func (m *MockInference) prompts() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.promptCalls))
	copy(out, m.promptCalls)
	return out
}

type fakeResolver struct {
	mu   sync.Mutex
	out  string
	err  error
	urls []string
}

func (r *fakeResolver) Resolve(ctx context.Context, url string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, url)
	if r.err != nil {
		return "", r.err
	}
	if r.out != "" {
		return r.out, nil
	}
	return url, nil
}
