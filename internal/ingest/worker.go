package ingest

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/camhealth"
	"github.com/intellioptics/platform/internal/errs"
	"github.com/intellioptics/platform/internal/metrics"
	"github.com/intellioptics/platform/internal/vision"
)

// State is where a worker currently sits in its capture loop.
type State int32

const (
	StateIdle State = iota
	StateResolving
	StateOpen
	StateRead
	StateGate
	StateSubmit
	StateBackoff
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateOpen:
		return "open"
	case StateRead:
		return "read"
	case StateGate:
		return "gate"
	case StateSubmit:
		return "submit"
	case StateBackoff:
		return "backoff"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Status is a point-in-time snapshot of one worker for the supervision API.
type Status struct {
	Name            string     `json:"name"`
	State           string     `json:"state"`
	DetectorID      string     `json:"detector_id"`
	FramesSubmitted int64      `json:"frames_submitted"`
	FramesSkipped   int64      `json:"frames_skipped"`
	FramesFailed    int64      `json:"frames_failed"`
	Reconnects      int64      `json:"reconnects"`
	LastFrameAt     *time.Time `json:"last_frame_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// Worker ingests one stream: resolve, open, then read frames, gate them
// through the health monitor and submit survivors, reconnecting with a
// delay whenever any step fails.
type Worker struct {
	name       string
	cfg        StreamConfig
	detectorID uuid.UUID

	submitter Submitter
	resolver  Resolver
	opener    Opener
	monitor   *camhealth.Monitor

	state           atomic.Int32
	framesSubmitted atomic.Int64
	framesSkipped   atomic.Int64
	framesFailed    atomic.Int64
	reconnects      atomic.Int64

	mu          sync.Mutex
	lastErr     string
	lastFrameAt time.Time
	lastCheck   time.Time
	lastResult  *camhealth.Result
}

// NewWorker validates the stream config and builds the worker. The health
// monitor is created only when the gate is enabled.
func NewWorker(name string, cfg StreamConfig, submitter Submitter, resolver Resolver, opener Opener) (*Worker, error) {
	detectorID, err := uuid.Parse(cfg.DetectorID)
	if err != nil {
		return nil, errs.Newf(errs.KindBadInput, "stream %q: bad detector_id %q", name, cfg.DetectorID)
	}

	w := &Worker{
		name:       name,
		cfg:        cfg,
		detectorID: detectorID,
		submitter:  submitter,
		resolver:   resolver,
		opener:     opener,
	}
	if cfg.Health.Enabled {
		w.monitor = camhealth.NewMonitor(cfg.Health.Thresholds())
	}
	return w, nil
}

func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) Snapshot() Status {
	w.mu.Lock()
	lastErr := w.lastErr
	lastFrame := w.lastFrameAt
	w.mu.Unlock()

	st := Status{
		Name:            w.name,
		State:           w.State().String(),
		DetectorID:      w.cfg.DetectorID,
		FramesSubmitted: w.framesSubmitted.Load(),
		FramesSkipped:   w.framesSkipped.Load(),
		FramesFailed:    w.framesFailed.Load(),
		Reconnects:      w.reconnects.Load(),
		LastError:       lastErr,
	}
	if !lastFrame.IsZero() {
		t := lastFrame
		st.LastFrameAt = &t
	}
	return st
}

// Run drives the capture loop until ctx is cancelled. Every state observes
// the stop signal at its head, so shutdown happens between reads.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[Ingest] stream %s: starting (detector %s, %s submission)", w.name, w.cfg.DetectorID, w.submissionName())
	defer func() {
		w.setState(StateStopped)
		log.Printf("[Ingest] stream %s: stopped", w.name)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		w.setState(StateResolving)
		playable, err := w.resolve(ctx)
		if err != nil {
			w.noteError("resolve", err)
			if !w.backoff(ctx) {
				return
			}
			continue
		}

		w.setState(StateOpen)
		src, err := w.opener.Open(ctx, w.cfg, playable)
		if err != nil {
			w.noteError("open", err)
			if !w.backoff(ctx) {
				return
			}
			continue
		}

		err = w.readLoop(ctx, src)
		src.Close()
		if ctx.Err() != nil {
			return
		}
		w.noteError("read", err)
		if !w.backoff(ctx) {
			return
		}
	}
}

// readLoop pumps frames until the source fails. Submit errors do not break
// the loop; a broken read releases the capture and reconnects.
func (w *Worker) readLoop(ctx context.Context, src FrameSource) error {
	for {
		if ctx.Err() != nil {
			w.setState(StateStopping)
			return ctx.Err()
		}

		w.setState(StateRead)
		readStart := time.Now()
		frame, err := src.Read()
		if err != nil {
			return err
		}
		w.noteFrame()

		w.setState(StateGate)
		if !w.gate(frame) {
			w.framesSkipped.Add(1)
			metrics.RecordIngestFrame(w.name, "skipped")
			if !w.pace(ctx, readStart) {
				return ctx.Err()
			}
			continue
		}

		w.setState(StateSubmit)
		if err := w.submitter.Submit(ctx, w.name, w.detectorID, frame); err != nil {
			w.framesFailed.Add(1)
			metrics.RecordIngestFrame(w.name, "failed")
			log.Printf("[Ingest] stream %s: submit frame: %v", w.name, err)
		} else {
			w.framesSubmitted.Add(1)
			metrics.RecordIngestFrame(w.name, "submitted")
		}

		if !w.pace(ctx, readStart) {
			return ctx.Err()
		}
	}
}

// resolve produces the playable URL. Synthetic streams and plain stream
// URLs pass through; watch-page URLs go through the resolver tool.
func (w *Worker) resolve(ctx context.Context) (string, error) {
	if w.cfg.synthetic() {
		return w.cfg.URL, nil
	}
	if w.cfg.needsResolve() {
		return w.resolver.Resolve(ctx, w.cfg.URL)
	}
	return w.cfg.SourceURL(w.name), nil
}

// gate runs the health check and decides whether the frame may be
// submitted. Assessment problems fail open: a broken gate must not silence
// a stream.
func (w *Worker) gate(frame *Frame) bool {
	if w.monitor == nil {
		return true
	}

	res := w.cachedResult()
	if res == nil {
		img, err := vision.Decode(frame.Data)
		if err != nil {
			log.Printf("[Ingest] stream %s: decode frame for health check: %v", w.name, err)
			return true
		}
		res = w.monitor.Assess(img, w.cfg.Health.CheckTampering)

		w.mu.Lock()
		w.lastCheck = time.Now()
		w.lastResult = res
		w.mu.Unlock()

		if w.cfg.Health.LogHealthStatus {
			w.logHealth(res)
		}
	}

	if w.cfg.Health.SkipUnhealthyFrames && res.Status == camhealth.StatusCritical {
		log.Printf("[Ingest] stream %s: skipping unhealthy frame (score %.1f)", w.name, res.Score)
		return false
	}
	return true
}

// cachedResult returns the previous assessment while it is still fresh, or
// nil when a new one is due. A zero check interval assesses every frame.
func (w *Worker) cachedResult() *camhealth.Result {
	interval := w.cfg.healthCheckInterval()
	if interval <= 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastResult == nil || time.Since(w.lastCheck) >= interval {
		return nil
	}
	return w.lastResult
}

func (w *Worker) logHealth(res *camhealth.Result) {
	level := "INFO"
	if res.Status == camhealth.StatusCritical {
		level = "WARN"
	}
	log.Printf("[Ingest] [%s] stream %s: health status=%s score=%.1f blur=%.1f brightness=%.1f contrast=%.1f quality=%v tampering=%v",
		level, w.name, res.Status, res.Score,
		res.Quality.BlurScore, res.Quality.Brightness, res.Quality.Contrast,
		res.QualityIssues, res.TamperingIssues)
}

// pace enforces the sampling interval: a fast source sleeps out the rest of
// the interval, a source already pacing at the interval passes straight
// through. Returns false when the stop signal arrived during the wait.
func (w *Worker) pace(ctx context.Context, since time.Time) bool {
	wait := w.cfg.samplingInterval() - time.Since(since)
	if wait <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// backoff sleeps the reconnect delay before the next attempt. Returns false
// when the stop signal arrived during the wait.
func (w *Worker) backoff(ctx context.Context) bool {
	w.setState(StateBackoff)
	w.reconnects.Add(1)
	metrics.RecordIngestReconnect(w.name)

	timer := time.NewTimer(w.cfg.reconnectDelay())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

func (w *Worker) noteFrame() {
	w.mu.Lock()
	w.lastFrameAt = time.Now()
	w.mu.Unlock()
}

func (w *Worker) noteError(step string, err error) {
	if err == nil {
		return
	}
	w.mu.Lock()
	w.lastErr = err.Error()
	w.mu.Unlock()
	log.Printf("[Ingest] stream %s: %s: %v (reconnecting in %s)", w.name, step, err, w.cfg.reconnectDelay())
}

func (w *Worker) submissionName() string {
	if w.cfg.Submission == SubmissionAPI {
		return "api"
	}
	return "pipeline"
}
