package ingest

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/errs"
)

type submitCall struct {
	Stream     string
	DetectorID uuid.UUID
	Data       []byte
}

type fakeSubmitter struct {
	mu    sync.Mutex
	err   error
	calls []submitCall
}

func (f *fakeSubmitter) Submit(ctx context.Context, stream string, detectorID uuid.UUID, frame *Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, submitCall{Stream: stream, DetectorID: detectorID, Data: frame.Data})
	return f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSubmitter) call(i int) submitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type fakeResolver struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (f *fakeResolver) Resolve(ctx context.Context, sourceURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, sourceURL)
	if f.err != nil {
		return "", f.err
	}
	return "https://resolved.example/stream.m3u8", nil
}

func (f *fakeResolver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.urls)
}

// scriptedSource plays back a fixed frame sequence, optionally looping, and
// fails every read once the script runs out.
type scriptedSource struct {
	mu     sync.Mutex
	frames []*Frame
	loop   bool
	err    error
	idx    int
	closed bool
}

func (s *scriptedSource) Read() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loop && s.idx >= len(s.frames) {
		s.idx = 0
	}
	if s.idx < len(s.frames) {
		fr := s.frames[s.idx]
		s.idx++
		return fr, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, errors.New("stream ended")
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeOpener struct {
	mu      sync.Mutex
	calls   int
	lastURL string
	build   func(call int) (FrameSource, error)
}

func (f *fakeOpener) Open(ctx context.Context, cfg StreamConfig, playableURL string) (FrameSource, error) {
	f.mu.Lock()
	f.calls++
	f.lastURL = playableURL
	n := f.calls
	f.mu.Unlock()
	return f.build(n)
}

func (f *fakeOpener) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeOpener) openedURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastURL
}

func pngFrame(t *testing.T, fill func(x, y int) uint8) *Frame {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Pix[y*img.Stride+x] = fill(x, y)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return &Frame{Data: buf.Bytes(), ContentType: "image/png"}
}

func darkFrame(t *testing.T) *Frame {
	return pngFrame(t, func(x, y int) uint8 { return 0 })
}

func sharpFrame(t *testing.T) *Frame {
	return pngFrame(t, func(x, y int) uint8 {
		if (x+y)%2 == 0 {
			return 60
		}
		return 190
	})
}

func rawFrame(s string) *Frame {
	return &Frame{Data: []byte(s), ContentType: "image/jpeg"}
}

const testDetectorID = "1b4e28ba-2fa1-11d2-883f-0016d3cca427"

func fastConfig() StreamConfig {
	return StreamConfig{
		URL:                     "rtsp://cam.local/stream",
		DetectorID:              testDetectorID,
		SamplingIntervalSeconds: 0.001,
		ReconnectDelaySeconds:   0.001,
	}
}

func startWorker(t *testing.T, w *Worker) (context.CancelFunc, chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop after cancel")
		}
	})
	return cancel, done
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

func TestWorkerSubmitsFrames(t *testing.T) {
	sub := &fakeSubmitter{}
	res := &fakeResolver{}
	opener := &fakeOpener{build: func(int) (FrameSource, error) {
		return &scriptedSource{frames: []*Frame{rawFrame("frame-a"), rawFrame("frame-b")}, loop: true}, nil
	}}

	w, err := NewWorker("front", fastConfig(), sub, res, opener)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	cancel, done := startWorker(t, w)

	waitFor(t, "three submissions", func() bool { return sub.count() >= 3 })
	cancel()
	<-done

	first := sub.call(0)
	if first.Stream != "front" {
		t.Errorf("stream = %q, want front", first.Stream)
	}
	if first.DetectorID != uuid.MustParse(testDetectorID) {
		t.Errorf("detector = %s", first.DetectorID)
	}
	if string(first.Data) != "frame-a" {
		t.Errorf("payload = %q, want frame-a", first.Data)
	}
	if res.count() != 0 {
		t.Errorf("resolver consulted %d times for a direct rtsp url", res.count())
	}
	if got := opener.openedURL(); got != "rtsp://cam.local/stream" {
		t.Errorf("opened url = %q", got)
	}
	if w.State() != StateStopped {
		t.Errorf("state after stop = %s", w.State())
	}

	snap := w.Snapshot()
	if snap.Name != "front" || snap.State != "stopped" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.FramesSubmitted < 3 || snap.LastFrameAt == nil {
		t.Errorf("snapshot counters = %+v", snap)
	}
}

func TestWorkerResolvesWatchPages(t *testing.T) {
	sub := &fakeSubmitter{}
	res := &fakeResolver{}
	opener := &fakeOpener{build: func(int) (FrameSource, error) {
		return &scriptedSource{frames: []*Frame{rawFrame("yt-frame")}, loop: true}, nil
	}}

	cfg := fastConfig()
	cfg.URL = "https://www.youtube.com/watch?v=live123"
	w, err := NewWorker("plaza", cfg, sub, res, opener)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	startWorker(t, w)

	waitFor(t, "a submission", func() bool { return sub.count() >= 1 })
	if res.count() == 0 {
		t.Fatal("watch page url was not resolved")
	}
	if got := opener.openedURL(); got != "https://resolved.example/stream.m3u8" {
		t.Errorf("opened url = %q, want the resolved stream", got)
	}
}

func TestWorkerGateSkipsUnhealthyFrames(t *testing.T) {
	sub := &fakeSubmitter{}
	opener := &fakeOpener{build: func(int) (FrameSource, error) {
		return &scriptedSource{frames: []*Frame{darkFrame(t)}, loop: true}, nil
	}}

	cfg := fastConfig()
	cfg.Health = HealthConfig{Enabled: true, SkipUnhealthyFrames: true}
	w, err := NewWorker("front", cfg, sub, &fakeResolver{}, opener)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	startWorker(t, w)

	waitFor(t, "skipped frames", func() bool { return w.Snapshot().FramesSkipped >= 2 })
	if got := sub.count(); got != 0 {
		t.Errorf("submitted %d unhealthy frames", got)
	}
}

func TestWorkerGatePassesHealthyFrames(t *testing.T) {
	sub := &fakeSubmitter{}
	opener := &fakeOpener{build: func(int) (FrameSource, error) {
		return &scriptedSource{frames: []*Frame{sharpFrame(t)}, loop: true}, nil
	}}

	cfg := fastConfig()
	cfg.Health = HealthConfig{Enabled: true, SkipUnhealthyFrames: true}
	w, err := NewWorker("front", cfg, sub, &fakeResolver{}, opener)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	startWorker(t, w)

	waitFor(t, "submissions", func() bool { return sub.count() >= 2 })
	if got := w.Snapshot().FramesSkipped; got != 0 {
		t.Errorf("skipped %d healthy frames", got)
	}
}

func TestWorkerGateFailsOpenOnDecodeError(t *testing.T) {
	sub := &fakeSubmitter{}
	opener := &fakeOpener{build: func(int) (FrameSource, error) {
		return &scriptedSource{frames: []*Frame{rawFrame("not an image")}, loop: true}, nil
	}}

	cfg := fastConfig()
	cfg.Health = HealthConfig{Enabled: true, SkipUnhealthyFrames: true}
	w, err := NewWorker("front", cfg, sub, &fakeResolver{}, opener)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	startWorker(t, w)

	waitFor(t, "submissions despite decode failures", func() bool { return sub.count() >= 2 })
	if got := w.Snapshot().FramesSkipped; got != 0 {
		t.Errorf("skipped %d frames, want fail-open", got)
	}
}

func TestWorkerHealthCheckCaching(t *testing.T) {
	sub := &fakeSubmitter{}
	opener := &fakeOpener{build: func(int) (FrameSource, error) {
		// A healthy first frame, then frames that would be gated if the
		// monitor ran on every read.
		return &scriptedSource{frames: []*Frame{sharpFrame(t), darkFrame(t)}, loop: true}, nil
	}}

	cfg := fastConfig()
	cfg.Health = HealthConfig{Enabled: true, SkipUnhealthyFrames: true, CheckIntervalSeconds: 60}
	w, err := NewWorker("front", cfg, sub, &fakeResolver{}, opener)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	startWorker(t, w)

	waitFor(t, "cached-result submissions", func() bool { return sub.count() >= 4 })
	if got := w.Snapshot().FramesSkipped; got != 0 {
		t.Errorf("skipped %d frames inside the check interval", got)
	}
}

func TestWorkerReconnectsAfterOpenFailure(t *testing.T) {
	sub := &fakeSubmitter{}
	opener := &fakeOpener{build: func(call int) (FrameSource, error) {
		if call <= 2 {
			return nil, errors.New("connection refused")
		}
		return &scriptedSource{frames: []*Frame{rawFrame("late")}, loop: true}, nil
	}}

	w, err := NewWorker("front", fastConfig(), sub, &fakeResolver{}, opener)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	startWorker(t, w)

	waitFor(t, "a submission after retries", func() bool { return sub.count() >= 1 })
	if got := opener.count(); got < 3 {
		t.Errorf("open attempts = %d, want at least 3", got)
	}
	snap := w.Snapshot()
	if snap.Reconnects < 2 {
		t.Errorf("reconnects = %d, want at least 2", snap.Reconnects)
	}
	if snap.LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestWorkerReconnectsAfterReadFailure(t *testing.T) {
	sub := &fakeSubmitter{}
	var sources []*scriptedSource
	var mu sync.Mutex
	opener := &fakeOpener{build: func(call int) (FrameSource, error) {
		src := &scriptedSource{frames: []*Frame{rawFrame("a"), rawFrame("b")}}
		if call > 1 {
			src.loop = true
		}
		mu.Lock()
		sources = append(sources, src)
		mu.Unlock()
		return src, nil
	}}

	w, err := NewWorker("front", fastConfig(), sub, &fakeResolver{}, opener)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	startWorker(t, w)

	waitFor(t, "submissions across a reconnect", func() bool { return sub.count() >= 3 })
	if got := opener.count(); got < 2 {
		t.Errorf("open attempts = %d, want a reopen after the read failure", got)
	}
	mu.Lock()
	firstClosed := len(sources) > 0 && func() bool {
		sources[0].mu.Lock()
		defer sources[0].mu.Unlock()
		return sources[0].closed
	}()
	mu.Unlock()
	if !firstClosed {
		t.Error("failed source was not closed before reconnecting")
	}
	if got := w.Snapshot().Reconnects; got < 1 {
		t.Errorf("reconnects = %d, want at least 1", got)
	}
}

func TestWorkerKeepsReadingOnSubmitFailure(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("queue unavailable")}
	opener := &fakeOpener{build: func(int) (FrameSource, error) {
		return &scriptedSource{frames: []*Frame{rawFrame("x")}, loop: true}, nil
	}}

	w, err := NewWorker("front", fastConfig(), sub, &fakeResolver{}, opener)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	startWorker(t, w)

	waitFor(t, "repeated failed submissions", func() bool { return w.Snapshot().FramesFailed >= 3 })
	if got := w.Snapshot().FramesSubmitted; got != 0 {
		t.Errorf("frames submitted = %d with a failing submitter", got)
	}
	if got := w.Snapshot().Reconnects; got != 0 {
		t.Errorf("reconnects = %d, submit failures should not reopen the stream", got)
	}
}

func TestWorkerStopsWhileWaitingBetweenFrames(t *testing.T) {
	sub := &fakeSubmitter{}
	opener := &fakeOpener{build: func(int) (FrameSource, error) {
		return &scriptedSource{frames: []*Frame{rawFrame("one")}, loop: true}, nil
	}}

	cfg := fastConfig()
	cfg.SamplingIntervalSeconds = 3600
	w, err := NewWorker("front", cfg, sub, &fakeResolver{}, opener)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	cancel, done := startWorker(t, w)

	waitFor(t, "the first submission", func() bool { return sub.count() >= 1 })
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker kept running through the sampling wait")
	}
	if w.State() != StateStopped {
		t.Errorf("state = %s, want stopped", w.State())
	}
}

func TestNewWorkerRejectsBadDetectorID(t *testing.T) {
	cfg := fastConfig()
	cfg.DetectorID = "not-a-uuid"
	if _, err := NewWorker("front", cfg, &fakeSubmitter{}, &fakeResolver{}, &fakeOpener{}); errs.KindOf(err) != errs.KindBadInput {
		t.Fatalf("err = %v, want BadInput", err)
	}
}
