// Package inspect is the periodic camera fleet inspector: it connects to
// every camera, samples frames for FPS and quality, compares the view against
// the stored baseline and raises operational alerts. One cycle produces one
// InspectionRun row with per-camera health records hanging off it.
package inspect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"image"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/metrics"
	"github.com/intellioptics/platform/internal/storage"
	"github.com/intellioptics/platform/internal/vision"
)

const (
	// DefaultConnectTimeout bounds how long a camera may take to answer.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultFrameSamples is how many frames the FPS measurement reads.
	DefaultFrameSamples = 30
	// DefaultExpectedFPS is assumed when a camera has no configured rate.
	DefaultExpectedFPS = 30.0

	// View comparison runs at a fixed geometry so baselines taken at other
	// resolutions stay comparable.
	viewWidth  = 640
	viewHeight = 480

	// Below this match ratio the scene no longer resembles the baseline.
	matchRatioFloor = 0.3

	// BaselineContainer holds the per-camera reference captures.
	BaselineContainer = "camera-baselines"
)

// FrameSource is one open camera connection.
type FrameSource interface {
	Read() (image.Image, error)
	Close() error
}

// Connector opens camera streams with a bounded wait.
type Connector interface {
	Connect(ctx context.Context, url string, timeout time.Duration) (FrameSource, error)
}

// Store is the slice of inspection storage the service needs.
type Store interface {
	GetConfig(ctx context.Context) (*data.InspectionConfig, error)
	CreateRun(ctx context.Context, r *data.InspectionRun) error
	UpdateRun(ctx context.Context, r *data.InspectionRun) error
	CreateHealthRecord(ctx context.Context, h *data.HealthRecord) error
	CreateAlert(ctx context.Context, a *data.InspectionAlert) error
	MarkAlertEmailSent(ctx context.Context, id uuid.UUID) error
}

// CameraStore lists the fleet and receives the health roll-ups.
type CameraStore interface {
	ListCameras(ctx context.Context) ([]*data.Camera, error)
	UpdateCameraHealth(ctx context.Context, id uuid.UUID, status string, score float64, checkedAt time.Time) error
	SetViewChange(ctx context.Context, id uuid.UUID, changed bool) error
}

// Mailer delivers HTML alert mail.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, htmlBody string) error
}

// Service runs inspection cycles. Blobs and Mail are optional; without Blobs
// view-change detection is skipped, without Mail alerts stay in the database.
type Service struct {
	Repo      Store
	Cameras   CameraStore
	Blobs     storage.Gateway
	Connector Connector
	Mail      Mailer

	ConnectTimeout time.Duration
	FrameSamples   int
	ExpectedFPS    float64

	mu        sync.Mutex
	baselines map[uuid.UUID]*vision.Gray
}

// report is the measured state of one camera during one cycle.
type report struct {
	status          data.CameraStatus
	connectionError string
	fps             float64
	expectedFPS     float64
	resolution      string
	latencyMS       float64
	brightness      *float64
	sharpness       *float64
	similarity      *float64
	matchCount      *int
	viewChanged     bool
}

// RunCycle inspects every camera once. The returned run is nil when there
// were no cameras or the run row could not be created.
func (s *Service) RunCycle(ctx context.Context) (*data.InspectionRun, error) {
	cfg := s.config(ctx)

	cameras, err := s.Cameras.ListCameras(ctx)
	if err != nil {
		metrics.RecordInspectionCycle("failed")
		return nil, err
	}
	if len(cameras) == 0 {
		log.Print("[Inspector] no cameras registered, skipping cycle")
		metrics.RecordInspectionCycle("skipped")
		return nil, nil
	}
	log.Printf("[Inspector] starting cycle over %d cameras", len(cameras))

	run := &data.InspectionRun{TotalCameras: len(cameras), Status: "running"}
	if err := s.Repo.CreateRun(ctx, run); err != nil {
		log.Printf("[Inspector] create run: %v", err)
		run = nil
	}

	var healthy, warning, failed int
	for _, cam := range cameras {
		rep := s.inspectSafely(ctx, cfg, cam)
		if rep == nil {
			failed++
			continue
		}

		s.persist(ctx, cam, rep)
		s.checkAlerts(ctx, cfg, cam, rep)

		switch rep.status {
		case data.CameraHealthy:
			healthy++
		case data.CameraWarning:
			warning++
		default:
			failed++
		}
	}

	if run != nil {
		now := time.Now().UTC()
		run.CompletedAt = &now
		run.Inspected = len(cameras)
		run.Healthy = healthy
		run.Warning = warning
		run.Failed = failed
		run.Status = "completed"
		if err := s.Repo.UpdateRun(ctx, run); err != nil {
			log.Printf("[Inspector] update run %s: %v", run.ID, err)
		}
	}
	log.Printf("[Inspector] cycle complete: %d healthy, %d warning, %d failed", healthy, warning, failed)
	metrics.RecordInspectionCycle("completed")
	return run, nil
}

// config loads the operator settings, falling back to defaults so a broken
// config row never stops inspections.
func (s *Service) config(ctx context.Context) *data.InspectionConfig {
	cfg, err := s.Repo.GetConfig(ctx)
	if err != nil {
		if !errors.Is(err, data.ErrRecordNotFound) {
			log.Printf("[Inspector] load config: %v", err)
		}
		return data.DefaultInspectionConfig()
	}
	return cfg
}

// inspectSafely keeps a misbehaving camera from taking the cycle down.
func (s *Service) inspectSafely(ctx context.Context, cfg *data.InspectionConfig, cam *data.Camera) (rep *report) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Inspector] camera %s (%s): panic: %v", cam.Name, cam.ID, r)
			rep = nil
		}
	}()
	return s.inspect(ctx, cfg, cam)
}

func (s *Service) inspect(ctx context.Context, cfg *data.InspectionConfig, cam *data.Camera) *report {
	rep := &report{status: data.CameraCritical, expectedFPS: s.expectedFPS()}

	// 1. Connect with a bounded wait; the elapsed time is the latency metric
	// whether or not the connection succeeds.
	start := time.Now()
	src, err := s.Connector.Connect(ctx, cam.URL, s.connectTimeout())
	rep.latencyMS = float64(time.Since(start).Milliseconds())
	if err != nil {
		rep.connectionError = err.Error()
		log.Printf("[Inspector] camera %s (%s): offline: %v", cam.Name, cam.ID, err)
		return rep
	}
	defer src.Close()
	rep.status = data.CameraHealthy

	// 2. Sample frames for the FPS measurement, keeping the last one.
	var last image.Image
	frames := 0
	fpsStart := time.Now()
	for i := 0; i < s.frameSamples(); i++ {
		img, err := src.Read()
		if err != nil {
			break
		}
		frames++
		last = img
	}
	if elapsed := time.Since(fpsStart).Seconds(); elapsed > 0 {
		rep.fps = float64(frames) / elapsed
	}

	// 3. Quality metrics and the baseline comparison on the captured frame.
	if last != nil {
		b := last.Bounds()
		rep.resolution = fmt.Sprintf("%dx%d", b.Dx(), b.Dy())

		gray := vision.Grayscale(last)
		brightness := gray.Mean()
		sharpness := gray.LaplacianVariance()
		rep.brightness = &brightness
		rep.sharpness = &sharpness

		if base := s.baseline(ctx, cam); base != nil {
			sim, matches, changed := viewChange(gray, base, cfg.ViewChangeThreshold)
			rep.similarity = &sim
			rep.matchCount = &matches
			rep.viewChanged = changed
		}
	}

	// 4. A reachable camera that is slow or starved is degraded, not offline.
	if rep.fps < rep.expectedFPS*cfg.FPSDropThresholdPercent || rep.latencyMS > float64(cfg.LatencyThresholdMS) {
		rep.status = data.CameraWarning
	}
	return rep
}

// persist writes the health record and rolls the result up onto the camera.
// Storage failures here are logged so the cycle keeps moving.
func (s *Service) persist(ctx context.Context, cam *data.Camera, rep *report) {
	record := &data.HealthRecord{
		CameraID:           cam.ID,
		Status:             rep.status,
		ConnectionError:    rep.connectionError,
		FPS:                rep.fps,
		ExpectedFPS:        rep.expectedFPS,
		Resolution:         rep.resolution,
		AvgBrightness:      rep.brightness,
		SharpnessScore:     rep.sharpness,
		LatencyMS:          &rep.latencyMS,
		ViewSimilarity:     rep.similarity,
		ViewChangeDetected: rep.viewChanged,
		FeatureMatchCount:  rep.matchCount,
	}
	if err := s.Repo.CreateHealthRecord(ctx, record); err != nil {
		log.Printf("[Inspector] camera %s: store health record: %v", cam.ID, err)
	}

	checkedAt := time.Now().UTC()
	if err := s.Cameras.UpdateCameraHealth(ctx, cam.ID, string(rep.status), statusScore(rep.status), checkedAt); err != nil {
		log.Printf("[Inspector] camera %s: update health: %v", cam.ID, err)
	}
}

// checkAlerts raises one alert per matched predicate. Latency issues skip
// email; they page nobody at 3am.
func (s *Service) checkAlerts(ctx context.Context, cfg *data.InspectionConfig, cam *data.Camera, rep *report) {
	emails := cfg.AlertEmails

	if rep.status == data.CameraCritical {
		s.raise(ctx, cam, "offline", "critical",
			fmt.Sprintf("Camera %s is offline (connection failed)", cam.Name),
			emails, "Camera connection failed")
	}

	fpsFloor := rep.expectedFPS * cfg.FPSDropThresholdPercent
	if rep.fps > 0 && rep.fps < fpsFloor {
		s.raise(ctx, cam, "fps_drop", "warning",
			fmt.Sprintf("FPS dropped to %.1f (expected %.0f)", rep.fps, rep.expectedFPS),
			emails, fmt.Sprintf("FPS dropped to %.1f", rep.fps))
	}

	if rep.viewChanged {
		sim := 0.0
		if rep.similarity != nil {
			sim = *rep.similarity
		}
		s.raise(ctx, cam, "view_change", "critical",
			fmt.Sprintf("Camera view has changed (similarity: %.2f)", sim),
			emails, "Camera view has been physically changed")
		if err := s.Cameras.SetViewChange(ctx, cam.ID, true); err != nil {
			log.Printf("[Inspector] camera %s: flag view change: %v", cam.ID, err)
		}
	}

	if rep.latencyMS > float64(cfg.LatencyThresholdMS) {
		s.raise(ctx, cam, "network_issue", "warning",
			fmt.Sprintf("High latency: %.0fms", rep.latencyMS), nil, "")
	}
}

// raise stores the alert, then mails it when recipients and a body exist.
func (s *Service) raise(ctx context.Context, cam *data.Camera, alertType, severity, message string, emails []string, emailBody string) {
	alert := &data.InspectionAlert{
		CameraID:  cam.ID,
		AlertType: alertType,
		Severity:  severity,
		Message:   message,
	}
	if err := s.Repo.CreateAlert(ctx, alert); err != nil {
		log.Printf("[Inspector] camera %s: store %s alert: %v", cam.ID, alertType, err)
		return
	}
	log.Printf("[Inspector] camera %s: %s alert: %s", cam.Name, alertType, message)

	if s.Mail == nil || len(emails) == 0 || emailBody == "" {
		return
	}
	subject := fmt.Sprintf("[IntelliOptics] Camera Alert: %s", cam.Name)
	if err := s.Mail.Send(ctx, emails, subject, cameraAlertHTML(cam.Name, alertType, emailBody)); err != nil {
		log.Printf("[Inspector] camera %s: alert mail: %v", cam.ID, err)
		return
	}
	if err := s.Repo.MarkAlertEmailSent(ctx, alert.ID); err != nil {
		log.Printf("[Inspector] alert %s: mark email sent: %v", alert.ID, err)
	}
}

// baseline loads and caches the reference capture for view comparison.
func (s *Service) baseline(ctx context.Context, cam *data.Camera) *vision.Gray {
	if cam.BaselineImagePath == "" || s.Blobs == nil {
		return nil
	}

	s.mu.Lock()
	cached := s.baselines[cam.ID]
	s.mu.Unlock()
	if cached != nil {
		return cached
	}

	container, name, err := storage.SplitPath(cam.BaselineImagePath)
	if err != nil {
		log.Printf("[Inspector] camera %s: baseline path %q: %v", cam.ID, cam.BaselineImagePath, err)
		return nil
	}
	blob, err := s.Blobs.Download(ctx, container, name)
	if err != nil {
		log.Printf("[Inspector] camera %s: fetch baseline: %v", cam.ID, err)
		return nil
	}
	img, err := vision.Decode(blob)
	if err != nil {
		log.Printf("[Inspector] camera %s: decode baseline: %v", cam.ID, err)
		return nil
	}
	gray := vision.Grayscale(img)

	s.mu.Lock()
	if s.baselines == nil {
		s.baselines = make(map[uuid.UUID]*vision.Gray)
	}
	s.baselines[cam.ID] = gray
	s.mu.Unlock()
	return gray
}

// InvalidateBaseline drops the cached reference, forcing a refetch on the
// next cycle. Called after an operator stores a new baseline capture.
func (s *Service) InvalidateBaseline(cameraID uuid.UUID) {
	s.mu.Lock()
	delete(s.baselines, cameraID)
	s.mu.Unlock()
}

// viewChange compares the frame to the baseline at a fixed geometry. A low
// structural similarity decides immediately; otherwise the feature-match
// ratio gets the final say.
func viewChange(current, baseline *vision.Gray, ssimThreshold float64) (similarity float64, matchCount int, changed bool) {
	cur := current.Resize(viewWidth, viewHeight)
	base := baseline.Resize(viewWidth, viewHeight)

	similarity = vision.SSIM(base, cur)
	if similarity < ssimThreshold {
		return similarity, 0, true
	}

	baseFeats := vision.ExtractFeatures(base)
	curFeats := vision.ExtractFeatures(cur)
	if len(baseFeats.Keypoints) == 0 || len(curFeats.Keypoints) == 0 {
		return similarity, 0, false
	}

	matches := vision.MatchFeatures(baseFeats, curFeats)
	denom := len(baseFeats.Keypoints)
	if len(curFeats.Keypoints) > denom {
		denom = len(curFeats.Keypoints)
	}
	ratio := float64(len(matches)) / float64(denom)
	return similarity, len(matches), ratio < matchRatioFloor
}

// statusScore maps the rolled-up status onto the camera health score.
func statusScore(status data.CameraStatus) float64 {
	switch status {
	case data.CameraHealthy:
		return 100
	case data.CameraWarning:
		return 50
	default:
		return 0
	}
}

func (s *Service) connectTimeout() time.Duration {
	if s.ConnectTimeout > 0 {
		return s.ConnectTimeout
	}
	return DefaultConnectTimeout
}

func (s *Service) frameSamples() int {
	if s.FrameSamples > 0 {
		return s.FrameSamples
	}
	return DefaultFrameSamples
}

func (s *Service) expectedFPS() float64 {
	if s.ExpectedFPS > 0 {
		return s.ExpectedFPS
	}
	return DefaultExpectedFPS
}

var cameraAlertTmpl = template.Must(template.New("camera-alert").Parse(`<html>
<body style="font-family: Arial, sans-serif; color: #333;">
  <h2>Camera Health Alert</h2>
  <p><strong>Camera:</strong> {{.Camera}}</p>
  <p><strong>Alert Type:</strong> {{.Type}}</p>
  <p><strong>Message:</strong> {{.Message}}</p>
  <p><strong>Time:</strong> {{.Time}}</p>
  <hr>
  <p><em>This is an automated alert from the IntelliOptics camera inspection system.</em></p>
</body>
</html>`))

func cameraAlertHTML(cameraName, alertType, message string) string {
	var buf bytes.Buffer
	err := cameraAlertTmpl.Execute(&buf, struct {
		Camera  string
		Type    string
		Message string
		Time    string
	}{cameraName, alertType, message, time.Now().UTC().Format("2006-01-02 15:04:05 UTC")})
	if err != nil {
		log.Printf("[Inspector] render alert mail: %v", err)
		return message
	}
	return buf.String()
}
