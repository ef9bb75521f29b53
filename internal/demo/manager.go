package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/detect"
	"github.com/intellioptics/platform/internal/errs"
	"github.com/intellioptics/platform/internal/infer"
	"github.com/intellioptics/platform/internal/ingest"
	"github.com/intellioptics/platform/internal/metrics"
	"github.com/intellioptics/platform/internal/queries"
	"github.com/intellioptics/platform/internal/storage"
	"github.com/intellioptics/platform/internal/vision"
)

// Capture modes. Manual sessions have no capture loop; their frames arrive
// through ProcessFrame.
const (
	ModePolling   = "polling"
	ModeMotion    = "motion"
	ModeManual    = "manual"
	ModeYOLOWorld = "yoloworld"
)

const (
	DefaultPollingIntervalMS = 2000
	DefaultMotionThreshold   = 500.0

	// StopTimeout bounds how long Stop waits for a capture loop to exit.
	StopTimeout = 5 * time.Second
)

// Motion gating geometry. Frames are compared at a fixed small size; the
// threshold is in scaled mean-difference units where the default 500
// corresponds to a mean change of 5 gray levels.
const (
	motionW     = 160
	motionH     = 120
	motionScale = 100
)

// Inference runs detector or open-vocabulary inference on one frame.
// Satisfied by the worker HTTP client.
type Inference interface {
	Run(ctx context.Context, cfg *data.DetectorConfig, image []byte) (*infer.Response, error)
	RunPrompts(ctx context.Context, prompts []string, image []byte) (*infer.Response, error)
}

// QueryStore is the slice of the query repository the demo pipeline writes.
type QueryStore interface {
	Create(ctx context.Context, q *data.Query) error
	UpdateResult(ctx context.Context, q *data.Query) error
	SetStatus(ctx context.Context, id uuid.UUID, status data.QueryStatus) error
}

// Manager owns the capture sessions: one worker goroutine per active
// session, each pumping frames into the query pipeline.
type Manager struct {
	Repo      data.DemoRepository
	Detectors data.DetectorRepository
	Queries   QueryStore
	Blobs     storage.Gateway
	Worker    Inference
	Frames    *FrameStore
	Resolver  ingest.Resolver

	// ImagesContainer falls back to the query pipeline default when empty.
	ImagesContainer string

	mu      sync.Mutex
	workers map[uuid.UUID]*captureWorker
}

// StartRequest configures a new capture session.
type StartRequest struct {
	Name              string
	SourceURL         string
	CaptureMode       string
	DetectorIDs       []uuid.UUID
	Prompts           []string
	PollingIntervalMS int
	MotionThreshold   float64
}

// Start registers the session and launches its capture loop. A source that
// cannot be opened marks the stored session as errored and fails the call.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*data.DemoSession, error) {
	if req.SourceURL == "" {
		return nil, errs.New(errs.KindBadInput, "source_url is required")
	}
	mode := req.CaptureMode
	if mode == "" {
		mode = ModePolling
	}
	switch mode {
	case ModePolling, ModeMotion, ModeManual, ModeYOLOWorld:
	default:
		return nil, errs.Newf(errs.KindBadInput, "unknown capture_mode %q", mode)
	}
	if mode == ModeYOLOWorld && len(req.Prompts) == 0 {
		return nil, errs.New(errs.KindBadInput, "yoloworld sessions need at least one prompt")
	}
	if mode != ModeYOLOWorld && len(req.DetectorIDs) == 0 {
		return nil, errs.New(errs.KindBadInput, "at least one detector is required")
	}

	interval := req.PollingIntervalMS
	if interval <= 0 {
		interval = DefaultPollingIntervalMS
	}
	threshold := req.MotionThreshold
	if threshold <= 0 {
		threshold = DefaultMotionThreshold
	}

	ids := make([]string, len(req.DetectorIDs))
	for i, id := range req.DetectorIDs {
		ids[i] = id.String()
	}
	sess := &data.DemoSession{
		Name:              req.Name,
		SourceURL:         req.SourceURL,
		CaptureMode:       mode,
		PollingIntervalMS: interval,
		MotionThreshold:   threshold,
		DetectorIDs:       ids,
		Prompts:           req.Prompts,
		Status:            data.DemoActive,
	}
	if err := m.Repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	if mode == ModeManual {
		return sess, nil
	}

	if err := m.launch(ctx, sess); err != nil {
		if serr := m.Repo.SetSessionStatus(ctx, sess.ID, data.DemoErrored, err.Error()); serr != nil {
			log.Printf("[Demo] session %s: mark error: %v", sess.ID, serr)
		}
		return nil, err
	}
	return sess, nil
}

// launch opens the frame source and starts the capture goroutine. The source
// is bound to the worker context so cancellation tears the subprocess down.
func (m *Manager) launch(ctx context.Context, sess *data.DemoSession) error {
	wctx, cancel := context.WithCancel(context.Background())

	src, err := m.open(ctx, wctx, sess)
	if err != nil {
		cancel()
		return err
	}

	w := &captureWorker{
		sessionID: sess.ID,
		mode:      sess.CaptureMode,
		interval:  captureInterval(sess),
		threshold: sess.MotionThreshold,
		source:    src,
		ctx:       wctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.workers[sess.ID]; exists {
		m.mu.Unlock()
		cancel()
		src.Close()
		return errs.Newf(errs.KindConflict, "session %s is already capturing", sess.ID)
	}
	if m.workers == nil {
		m.workers = make(map[uuid.UUID]*captureWorker)
	}
	m.workers[sess.ID] = w
	m.mu.Unlock()

	go w.run(m)
	log.Printf("[Demo] session %s: capture started (%s, %s)", sess.ID, sess.CaptureMode, sess.SourceURL)
	return nil
}

func (m *Manager) open(reqCtx, wctx context.Context, sess *data.DemoSession) (ingest.FrameSource, error) {
	if ingest.IsSynthetic(sess.SourceURL) {
		return ingest.NewSyntheticSource(), nil
	}
	playable := sess.SourceURL
	if ingest.NeedsResolve(sess.SourceURL) {
		resolved, err := m.resolver().Resolve(reqCtx, sess.SourceURL)
		if err != nil {
			return nil, err
		}
		playable = resolved
	}
	return ingest.OpenFFmpegSource(wctx, playable, captureFPS(sess))
}

func (m *Manager) resolver() ingest.Resolver {
	if m.Resolver != nil {
		return m.Resolver
	}
	return &ingest.StreamlinkResolver{}
}

// captureFPS is the decoder output rate: the polling cadence, or a steady
// 1 fps feed for motion sessions that then gate on frame difference.
func captureFPS(sess *data.DemoSession) float64 {
	if sess.CaptureMode == ModeMotion {
		return 1.0
	}
	return 1000.0 / float64(sess.PollingIntervalMS)
}

func captureInterval(sess *data.DemoSession) time.Duration {
	if sess.CaptureMode == ModeMotion {
		return time.Second
	}
	return time.Duration(sess.PollingIntervalMS) * time.Millisecond
}

// Stop winds the capture loop down, drops the preview frame and marks the
// session stopped. An errored session keeps its error status.
func (m *Manager) Stop(ctx context.Context, sessionID uuid.UUID) (*data.DemoSession, error) {
	m.mu.Lock()
	w := m.workers[sessionID]
	delete(m.workers, sessionID)
	m.mu.Unlock()

	if w != nil {
		w.cancel()
		select {
		case <-w.done:
		case <-time.After(StopTimeout):
			log.Printf("[Demo] session %s: capture did not stop in time", sessionID)
		}
	}
	if m.Frames != nil {
		m.Frames.Drop(ctx, sessionID)
	}

	sess, err := m.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == data.DemoActive {
		if err := m.Repo.SetSessionStatus(ctx, sessionID, data.DemoStopped, ""); err != nil {
			return nil, err
		}
		sess, err = m.Repo.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
	}
	log.Printf("[Demo] session %s: stopped", sessionID)
	return sess, nil
}

// StopAll stops every running capture loop, for shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]uuid.UUID, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if _, err := m.Stop(ctx, id); err != nil {
			log.Printf("[Demo] session %s: stop: %v", id, err)
		}
	}
}

// Active reports whether a capture loop is running for the session.
func (m *Manager) Active(sessionID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.workers[sessionID]
	return ok
}

// ActiveSessions is the number of running capture loops, for metrics.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// ProcessFrame pushes one captured frame through the session pipeline:
// preview first, then blob upload, then the PENDING rows and their
// fire-and-forget inference. Called by the capture loop and directly for
// manual-mode sessions.
func (m *Manager) ProcessFrame(ctx context.Context, sessionID uuid.UUID, frameNumber int, jpeg []byte) error {
	if m.Frames != nil {
		m.Frames.Put(ctx, sessionID, jpeg)
	}

	sess, err := m.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != data.DemoActive {
		return errs.Newf(errs.KindConflict, "session %s is %s", sessionID, sess.Status)
	}

	name := fmt.Sprintf("demo-sessions/%s/%s.jpg", sessionID, uuid.New())
	if len(sess.Prompts) > 0 {
		// Open-vocabulary frames live under their own subfolder.
		name = fmt.Sprintf("demo-sessions/%s/yoloworld/%s.jpg", sessionID, uuid.New())
	}
	blobPath, err := m.Blobs.Upload(ctx, m.imagesContainer(), name, jpeg, "image/jpeg")
	if err != nil {
		return err
	}

	if len(sess.Prompts) > 0 {
		return m.submitPrompts(ctx, sess, frameNumber, blobPath, jpeg)
	}
	return m.submitDetectors(ctx, sess, frameNumber, blobPath, jpeg)
}

// submitDetectors writes the PENDING query/result pair per target detector,
// bumps the session counter, then hands each pair to its own inference
// goroutine. A broken detector is skipped, not fatal for the frame.
func (m *Manager) submitDetectors(ctx context.Context, sess *data.DemoSession, frameNumber int, blobPath string, jpeg []byte) error {
	type job struct {
		q   *data.Query
		r   *data.DemoResult
		cfg *data.DetectorConfig
	}
	var jobs []job
	for _, raw := range sess.DetectorIDs {
		detectorID, err := uuid.Parse(raw)
		if err != nil {
			log.Printf("[Demo] session %s: bad detector id %q", sess.ID, raw)
			continue
		}
		det, err := m.Detectors.GetByID(ctx, detectorID)
		if err != nil {
			log.Printf("[Demo] session %s: detector %s: %v", sess.ID, detectorID, err)
			continue
		}
		cfg, err := queries.ResolveConfig(ctx, m.Detectors, det)
		if err != nil {
			log.Printf("[Demo] session %s: detector %s config: %v", sess.ID, detectorID, err)
			continue
		}

		q := &data.Query{
			DetectorID:     &det.ID,
			ImageBlobPath:  blobPath,
			Status:         data.QueryPending,
			LocalInference: true,
		}
		if err := m.Queries.Create(ctx, q); err != nil {
			return err
		}
		r := &data.DemoResult{
			SessionID:     sess.ID,
			QueryID:       q.ID,
			DetectorID:    &det.ID,
			Status:        data.QueryPending,
			FrameNumber:   frameNumber,
			CaptureMethod: sess.CaptureMode,
		}
		if err := m.Repo.CreateResult(ctx, r); err != nil {
			return err
		}
		jobs = append(jobs, job{q, r, cfg})
	}

	if err := m.Repo.AddFrames(ctx, sess.ID, 1, 0); err != nil {
		return err
	}
	for _, j := range jobs {
		go m.runDetector(sess.ID, j.q, j.r, j.cfg, jpeg)
	}
	return nil
}

// submitPrompts is the open-vocabulary counterpart: one detector-less
// query/result pair and a prompt inference goroutine.
func (m *Manager) submitPrompts(ctx context.Context, sess *data.DemoSession, frameNumber int, blobPath string, jpeg []byte) error {
	q := &data.Query{
		ImageBlobPath:  blobPath,
		Status:         data.QueryPending,
		LocalInference: true,
	}
	if err := m.Queries.Create(ctx, q); err != nil {
		return err
	}
	r := &data.DemoResult{
		SessionID:     sess.ID,
		QueryID:       q.ID,
		Status:        data.QueryPending,
		FrameNumber:   frameNumber,
		CaptureMethod: ModeYOLOWorld,
	}
	if err := m.Repo.CreateResult(ctx, r); err != nil {
		return err
	}
	if err := m.Repo.AddFrames(ctx, sess.ID, 1, 0); err != nil {
		return err
	}

	go m.runPrompts(sess.ID, q, r, sess.Prompts, jpeg)
	return nil
}

// runDetector and runPrompts live on background contexts: the frame that
// spawned them is long gone by the time the worker answers.
func (m *Manager) runDetector(sessionID uuid.UUID, q *data.Query, r *data.DemoResult, cfg *data.DetectorConfig, jpeg []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), infer.DefaultTimeout)
	defer cancel()

	resp, err := m.Worker.Run(ctx, cfg, jpeg)
	if err != nil {
		m.finishError(ctx, q, r, err)
		return
	}
	m.finish(ctx, sessionID, q, r, resp.Detections)
}

func (m *Manager) runPrompts(sessionID uuid.UUID, q *data.Query, r *data.DemoResult, prompts []string, jpeg []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), infer.DefaultTimeout)
	defer cancel()

	resp, err := m.Worker.RunPrompts(ctx, prompts, jpeg)
	if err != nil {
		m.finishError(ctx, q, r, err)
		return
	}
	m.finish(ctx, sessionID, q, r, resp.Detections)
}

// finish stores the winning detection on both rows, adds DONE rows for the
// secondary detections and counts them on the session.
func (m *Manager) finish(ctx context.Context, sessionID uuid.UUID, q *data.Query, r *data.DemoResult, dets []detect.Detection) {
	label, conf, best := demoLabel(dets)
	detJSON, err := json.Marshal(dets)
	if err != nil {
		m.finishError(ctx, q, r, err)
		return
	}

	q.ResultLabel = &label
	q.Confidence = &conf
	q.Status = data.QueryDone
	q.Detections = detJSON
	if err := m.Queries.UpdateResult(ctx, q); err != nil {
		log.Printf("[Demo] query %s: store result: %v", q.ID, err)
	}

	r.ResultLabel = &label
	r.Confidence = &conf
	r.Status = data.QueryDone
	if err := m.Repo.FinishResult(ctx, r); err != nil {
		log.Printf("[Demo] result %s: finish: %v", r.ID, err)
	}

	for i, d := range dets {
		if i == best {
			continue
		}
		extra := &data.DemoResult{
			SessionID:     r.SessionID,
			QueryID:       q.ID,
			DetectorID:    r.DetectorID,
			Status:        data.QueryDone,
			FrameNumber:   r.FrameNumber,
			CaptureMethod: r.CaptureMethod,
		}
		if err := m.Repo.CreateResult(ctx, extra); err != nil {
			log.Printf("[Demo] query %s: extra result: %v", q.ID, err)
			continue
		}
		lbl, cf := d.Label, d.Confidence
		extra.ResultLabel = &lbl
		extra.Confidence = &cf
		extra.Status = data.QueryDone
		if err := m.Repo.FinishResult(ctx, extra); err != nil {
			log.Printf("[Demo] query %s: extra result: %v", q.ID, err)
		}
	}

	if len(dets) > 0 {
		if err := m.Repo.AddFrames(ctx, sessionID, 0, len(dets)); err != nil {
			log.Printf("[Demo] session %s: count detections: %v", sessionID, err)
		}
	}
}

func (m *Manager) finishError(ctx context.Context, q *data.Query, r *data.DemoResult, cause error) {
	log.Printf("[Demo] query %s: inference: %v", q.ID, cause)
	if err := m.Queries.SetStatus(ctx, q.ID, data.QueryError); err != nil {
		log.Printf("[Demo] query %s: mark ERROR: %v", q.ID, err)
	}
	r.Status = data.QueryError
	if err := m.Repo.FinishResult(ctx, r); err != nil {
		log.Printf("[Demo] result %s: finish: %v", r.ID, err)
	}
}

func (m *Manager) imagesContainer() string {
	if m.ImagesContainer != "" {
		return m.ImagesContainer
	}
	return queries.DefaultImagesContainer
}

// captureFailed marks the session errored after a broken read and drops the
// worker registration. Runs on a fresh context: the worker's own context may
// already be racing a Stop.
func (m *Manager) captureFailed(sessionID uuid.UUID, cause error) {
	log.Printf("[Demo] session %s: capture failed: %v", sessionID, cause)

	ctx, cancel := context.WithTimeout(context.Background(), StopTimeout)
	defer cancel()
	if err := m.Repo.SetSessionStatus(ctx, sessionID, data.DemoErrored, cause.Error()); err != nil {
		log.Printf("[Demo] session %s: mark error: %v", sessionID, err)
	}
	m.release(sessionID)
}

func (m *Manager) release(sessionID uuid.UUID) {
	m.mu.Lock()
	delete(m.workers, sessionID)
	m.mu.Unlock()
}

// demoLabel reduces a detection list for the session feed: the strongest
// detection wins, an empty list is recorded as "no_detection".
func demoLabel(dets []detect.Detection) (string, float64, int) {
	if len(dets) == 0 {
		return "no_detection", 0, -1
	}
	best := 0
	for i, d := range dets {
		if d.Confidence > dets[best].Confidence {
			best = i
		}
	}
	return dets[best].Label, dets[best].Confidence, best
}

// captureWorker is one session's capture loop.
type captureWorker struct {
	sessionID uuid.UUID
	mode      string
	interval  time.Duration
	threshold float64
	source    ingest.FrameSource

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	prev *vision.Gray
}

func (w *captureWorker) run(m *Manager) {
	defer close(w.done)
	defer w.source.Close()

	frame := 0
	for {
		if w.ctx.Err() != nil {
			return
		}
		start := time.Now()

		fr, err := w.source.Read()
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			m.captureFailed(w.sessionID, err)
			return
		}
		frame++

		switch {
		case w.mode == ModeMotion && w.still(fr):
			metrics.RecordDemoFrame("still")
		default:
			if err := m.ProcessFrame(w.ctx, w.sessionID, frame, fr.Data); err != nil {
				log.Printf("[Demo] session %s: frame %d: %v", w.sessionID, frame, err)
				metrics.RecordDemoFrame("failed")
				if errs.KindOf(err) == errs.KindConflict {
					// The session was stopped or errored underneath us.
					m.release(w.sessionID)
					return
				}
			} else {
				metrics.RecordDemoFrame("submitted")
			}
		}

		if !w.pace(start) {
			return
		}
	}
}

// still compares the frame against the previous one at a fixed small size
// and reports whether the scene is effectively unchanged. Undecodable
// frames pass straight through.
func (w *captureWorker) still(fr *ingest.Frame) bool {
	img, err := vision.Decode(fr.Data)
	if err != nil {
		return false
	}
	gray := vision.Grayscale(img).Resize(motionW, motionH)
	prev := w.prev
	w.prev = gray
	if prev == nil {
		return false
	}
	return vision.AbsDiffMean(gray, prev)*motionScale < w.threshold
}

func (w *captureWorker) pace(since time.Time) bool {
	wait := w.interval - time.Since(since)
	if wait <= 0 {
		return w.ctx.Err() == nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-w.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
