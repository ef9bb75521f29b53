package demo

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/detect"
	"github.com/intellioptics/platform/internal/errs"
	"github.com/intellioptics/platform/internal/infer"
	"github.com/intellioptics/platform/internal/ingest"
)

func testDetector() *data.Detector {
	return &data.Detector{
		ID:                  uuid.New(),
		Name:                "dock-door",
		Mode:                data.ModeObjectDet,
		Status:              "active",
		ConfidenceThreshold: 0.5,
		Labels:              []string{"person", "forklift"},
		PrimaryModelPath:    "models/dock-door/primary/model.onnx",
	}
}

func newTestManager(det *data.Detector) (*Manager, *memDemoRepo, *MockQueryStore, *MockBlobs, *MockInference) {
	repo := newMemDemoRepo()
	detectors := &MockDetectorRepo{
		GetByIDFunc: func(ctx context.Context, id uuid.UUID) (*data.Detector, error) {
			if det == nil || id != det.ID {
				return nil, data.ErrRecordNotFound
			}
			return det, nil
		},
	}
	qs := &MockQueryStore{}
	blobs := &MockBlobs{}
	worker := &MockInference{}
	m := &Manager{
		Repo:      repo,
		Detectors: detectors,
		Queries:   qs,
		Blobs:     blobs,
		Worker:    worker,
		Frames:    NewFrameStore(nil),
	}
	return m, repo, qs, blobs, worker
}

func grayPNG(t *testing.T, fill byte) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = fill
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	return buf.Bytes()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartValidation(t *testing.T) {
	det := testDetector()

	cases := []struct {
		name string
		req  StartRequest
	}{
		{"missing source", StartRequest{CaptureMode: ModePolling, DetectorIDs: []uuid.UUID{det.ID}}},
		{"unknown mode", StartRequest{SourceURL: "mock://cam", CaptureMode: "burst", DetectorIDs: []uuid.UUID{det.ID}}},
		{"yoloworld without prompts", StartRequest{SourceURL: "mock://cam", CaptureMode: ModeYOLOWorld}},
		{"polling without detectors", StartRequest{SourceURL: "mock://cam", CaptureMode: ModePolling}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, repo, _, _, _ := newTestManager(det)
			if _, err := m.Start(context.Background(), tc.req); errs.KindOf(err) != errs.KindBadInput {
				t.Fatalf("err = %v, want bad input", err)
			}
			if sessions, _ := repo.ListSessions(context.Background(), 10); len(sessions) != 0 {
				t.Errorf("session rows created: %d", len(sessions))
			}
		})
	}
}

func TestStartDefaults(t *testing.T) {
	det := testDetector()
	m, _, _, _, _ := newTestManager(det)

	sess, err := m.Start(context.Background(), StartRequest{
		SourceURL:   "mock://cam",
		DetectorIDs: []uuid.UUID{det.ID},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { m.StopAll(context.Background()) })

	if sess.CaptureMode != ModePolling {
		t.Errorf("mode = %s, want polling", sess.CaptureMode)
	}
	if sess.PollingIntervalMS != DefaultPollingIntervalMS {
		t.Errorf("interval = %d, want %d", sess.PollingIntervalMS, DefaultPollingIntervalMS)
	}
	if sess.MotionThreshold != DefaultMotionThreshold {
		t.Errorf("threshold = %v, want %v", sess.MotionThreshold, DefaultMotionThreshold)
	}
	if len(sess.DetectorIDs) != 1 || sess.DetectorIDs[0] != det.ID.String() {
		t.Errorf("detector ids = %v", sess.DetectorIDs)
	}
}

func TestCaptureSessionPipeline(t *testing.T) {
	det := testDetector()
	m, repo, qs, blobs, worker := newTestManager(det)

	sess, err := m.Start(context.Background(), StartRequest{
		Name:              "lobby-demo",
		SourceURL:         "mock://lobby",
		CaptureMode:       ModePolling,
		DetectorIDs:       []uuid.UUID{det.ID},
		PollingIntervalMS: 1,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { m.StopAll(context.Background()) })

	if sess.Status != data.DemoActive {
		t.Errorf("status = %s, want active", sess.Status)
	}
	if !m.Active(sess.ID) || m.ActiveSessions() != 1 {
		t.Errorf("active = %v, sessions = %d", m.Active(sess.ID), m.ActiveSessions())
	}

	waitFor(t, "frames to flow", func() bool {
		return repo.session(t, sess.ID).TotalFramesCaptured >= 2 && qs.updatedCount() >= 2
	})

	q := qs.createdAt(0)
	if q.DetectorID == nil || *q.DetectorID != det.ID {
		t.Errorf("query detector = %v, want %s", q.DetectorID, det.ID)
	}
	if !q.LocalInference {
		t.Error("query not flagged as local inference")
	}
	wantPrefix := "images/demo-sessions/" + sess.ID.String() + "/"
	if !strings.HasPrefix(q.ImageBlobPath, wantPrefix) {
		t.Errorf("blob path = %s, want prefix %s", q.ImageBlobPath, wantPrefix)
	}
	if blobs.uploadCount() == 0 {
		t.Fatal("no blob uploads")
	}
	if got := blobs.uploadAt(0); !strings.HasPrefix(got, wantPrefix) {
		t.Errorf("upload = %s, want prefix %s", got, wantPrefix)
	}

	upd := qs.updatedAt(0)
	if upd.Status != data.QueryDone {
		t.Errorf("finished query status = %s, want DONE", upd.Status)
	}
	if upd.ResultLabel == nil || *upd.ResultLabel != "no_detection" {
		t.Errorf("result label = %v, want no_detection", upd.ResultLabel)
	}

	if worker.runs() == 0 {
		t.Error("detector inference never ran")
	}
	if _, ok := m.Frames.Get(context.Background(), sess.ID); !ok {
		t.Error("no preview frame stored")
	}

	stopped, err := m.Stop(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped.Status != data.DemoStopped {
		t.Errorf("status after stop = %s, want stopped", stopped.Status)
	}
	if stopped.StoppedAt == nil {
		t.Error("stopped_at not set")
	}
	if m.Active(sess.ID) {
		t.Error("worker still registered after stop")
	}
	if _, ok := m.Frames.Get(context.Background(), sess.ID); ok {
		t.Error("preview frame survived stop")
	}
}

func TestYOLOWorldSession(t *testing.T) {
	m, repo, qs, _, worker := newTestManager(nil)

	sess, err := m.Start(context.Background(), StartRequest{
		SourceURL:         "mock://dock",
		CaptureMode:       ModeYOLOWorld,
		Prompts:           []string{"forklift", "pallet truck"},
		PollingIntervalMS: 1,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { m.StopAll(context.Background()) })

	waitFor(t, "prompt inference", func() bool { return len(worker.prompts()) >= 1 })
	got := worker.prompts()[0]
	if len(got) != 2 || got[0] != "forklift" || got[1] != "pallet truck" {
		t.Errorf("prompts = %v", got)
	}

	waitFor(t, "query rows", func() bool { return qs.createdCount() >= 1 })
	q := qs.createdAt(0)
	if q.DetectorID != nil {
		t.Errorf("open-vocabulary query carries detector %s", q.DetectorID)
	}
	wantPrefix := "images/demo-sessions/" + sess.ID.String() + "/yoloworld/"
	if !strings.HasPrefix(q.ImageBlobPath, wantPrefix) {
		t.Errorf("blob path = %s, want prefix %s", q.ImageBlobPath, wantPrefix)
	}

	waitFor(t, "result rows", func() bool { return len(repo.sessionResults(sess.ID)) >= 1 })
	r := repo.sessionResults(sess.ID)[0]
	if r.CaptureMethod != ModeYOLOWorld {
		t.Errorf("capture method = %s, want yoloworld", r.CaptureMethod)
	}
	if r.DetectorID != nil {
		t.Errorf("open-vocabulary result carries detector %s", r.DetectorID)
	}
}

func TestStartResolverFailure(t *testing.T) {
	det := testDetector()
	m, repo, _, _, _ := newTestManager(det)
	m.Resolver = &fakeResolver{err: errors.New("streamlink exited 1")}

	_, err := m.Start(context.Background(), StartRequest{
		SourceURL:   "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		DetectorIDs: []uuid.UUID{det.ID},
	})
	if err == nil {
		t.Fatal("expected resolver failure")
	}

	sessions, _ := repo.ListSessions(context.Background(), 10)
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	if sessions[0].Status != data.DemoErrored {
		t.Errorf("status = %s, want error", sessions[0].Status)
	}
	if !strings.Contains(sessions[0].ErrorMessage, "streamlink") {
		t.Errorf("error message = %q", sessions[0].ErrorMessage)
	}
	if m.ActiveSessions() != 0 {
		t.Errorf("ActiveSessions = %d, want 0", m.ActiveSessions())
	}
}

func TestManualSessionProcessFrame(t *testing.T) {
	det := testDetector()
	m, repo, qs, _, worker := newTestManager(det)
	worker.RunFunc = func(ctx context.Context, cfg *data.DetectorConfig, frame []byte) (*infer.Response, error) {
		return &infer.Response{Detections: []detect.Detection{
			{Label: "forklift", Confidence: 0.61, BBox: [4]float64{5, 5, 40, 40}},
			{Label: "person", Confidence: 0.93, BBox: [4]float64{60, 10, 90, 80}},
		}}, nil
	}

	sess, err := m.Start(context.Background(), StartRequest{
		Name:        "upload-demo",
		SourceURL:   "manual://operator",
		CaptureMode: ModeManual,
		DetectorIDs: []uuid.UUID{det.ID},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.Active(sess.ID) {
		t.Error("manual session should have no capture loop")
	}

	if err := m.ProcessFrame(context.Background(), sess.ID, 1, []byte("jpeg-bytes")); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}

	waitFor(t, "query result", func() bool { return qs.updatedCount() >= 1 })
	upd := qs.updatedAt(0)
	if upd.Status != data.QueryDone || upd.ResultLabel == nil || *upd.ResultLabel != "person" {
		t.Errorf("query result = %+v", upd)
	}
	if upd.Confidence == nil || *upd.Confidence != 0.93 {
		t.Errorf("confidence = %v, want 0.93", upd.Confidence)
	}
	if len(upd.Detections) == 0 {
		t.Error("raw detections not stored on the query")
	}

	waitFor(t, "both result rows", func() bool {
		rs := repo.sessionResults(sess.ID)
		if len(rs) != 2 {
			return false
		}
		for _, r := range rs {
			if r.ResultLabel == nil {
				return false
			}
		}
		return true
	})
	byLabel := map[string]float64{}
	for _, r := range repo.sessionResults(sess.ID) {
		if r.Status != data.QueryDone {
			t.Errorf("result status = %s, want DONE", r.Status)
		}
		if r.FrameNumber != 1 || r.CaptureMethod != ModeManual {
			t.Errorf("result row = %+v", r)
		}
		byLabel[*r.ResultLabel] = *r.Confidence
	}
	if byLabel["person"] != 0.93 || byLabel["forklift"] != 0.61 {
		t.Errorf("result labels = %v", byLabel)
	}

	waitFor(t, "session counters", func() bool {
		s := repo.session(t, sess.ID)
		return s.TotalFramesCaptured == 1 && s.TotalDetections == 2
	})
}

func TestProcessFrameStoppedSession(t *testing.T) {
	det := testDetector()
	m, repo, qs, blobs, _ := newTestManager(det)

	sess, err := m.Start(context.Background(), StartRequest{
		SourceURL:   "manual://operator",
		CaptureMode: ModeManual,
		DetectorIDs: []uuid.UUID{det.ID},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := repo.SetSessionStatus(context.Background(), sess.ID, data.DemoStopped, ""); err != nil {
		t.Fatalf("stop session: %v", err)
	}

	err = m.ProcessFrame(context.Background(), sess.ID, 1, []byte("late-frame"))
	if errs.KindOf(err) != errs.KindConflict {
		t.Fatalf("err = %v, want conflict", err)
	}
	// The preview updates before the status check so viewers still see the
	// last frame that arrived.
	if got, ok := m.Frames.Get(context.Background(), sess.ID); !ok || string(got) != "late-frame" {
		t.Errorf("preview = %q, %v", got, ok)
	}
	if blobs.uploadCount() != 0 || qs.createdCount() != 0 {
		t.Error("stopped session reached the pipeline")
	}
}

func TestInferenceErrorMarksRows(t *testing.T) {
	det := testDetector()
	m, repo, qs, _, worker := newTestManager(det)
	worker.RunFunc = func(ctx context.Context, cfg *data.DetectorConfig, frame []byte) (*infer.Response, error) {
		return nil, errors.New("worker unavailable")
	}

	sess, err := m.Start(context.Background(), StartRequest{
		SourceURL:   "manual://operator",
		CaptureMode: ModeManual,
		DetectorIDs: []uuid.UUID{det.ID},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.ProcessFrame(context.Background(), sess.ID, 1, []byte("jpeg-bytes")); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}

	waitFor(t, "query marked ERROR", func() bool {
		if qs.createdCount() == 0 {
			return false
		}
		st, ok := qs.statusOf(qs.createdAt(0).ID)
		return ok && st == data.QueryError
	})
	waitFor(t, "result marked ERROR", func() bool {
		rs := repo.sessionResults(sess.ID)
		return len(rs) == 1 && rs[0].Status == data.QueryError
	})

	s := repo.session(t, sess.ID)
	if s.TotalFramesCaptured != 1 || s.TotalDetections != 0 {
		t.Errorf("counters = %d frames / %d detections, want 1 / 0", s.TotalFramesCaptured, s.TotalDetections)
	}
}

func TestStopKeepsErroredStatus(t *testing.T) {
	det := testDetector()
	m, repo, _, _, _ := newTestManager(det)

	sess, err := m.Start(context.Background(), StartRequest{
		SourceURL:   "manual://operator",
		CaptureMode: ModeManual,
		DetectorIDs: []uuid.UUID{det.ID},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := repo.SetSessionStatus(context.Background(), sess.ID, data.DemoErrored, "ffmpeg exited"); err != nil {
		t.Fatalf("mark errored: %v", err)
	}

	got, err := m.Stop(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got.Status != data.DemoErrored {
		t.Errorf("status = %s, want error", got.Status)
	}
	if got.ErrorMessage != "ffmpeg exited" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
}

func TestMotionGate(t *testing.T) {
	w := &captureWorker{threshold: DefaultMotionThreshold}
	still := func(data []byte) bool {
		return w.still(&ingest.Frame{Data: data, ContentType: "image/png"})
	}

	if still(grayPNG(t, 100)) {
		t.Error("first frame has no baseline and must pass")
	}
	if !still(grayPNG(t, 100)) {
		t.Error("unchanged scene not gated")
	}
	if still(grayPNG(t, 200)) {
		t.Error("changed scene was gated")
	}
	if !still(grayPNG(t, 204)) {
		t.Error("change below the threshold not gated")
	}
	if still([]byte("not an image")) {
		t.Error("undecodable frame must pass through")
	}
}
