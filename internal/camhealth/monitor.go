// Package camhealth scores frame quality and watches for camera tampering
// against a reference frame. A Monitor is owned by one stream; Assess is safe
// for concurrent use.
package camhealth

import (
	"image"
	"sync"

	"github.com/intellioptics/platform/internal/vision"
)

// Status is the rolled-up verdict for one frame.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Issue names one detected problem.
type Issue string

const (
	IssueBlur           Issue = "blur"
	IssueLowBrightness  Issue = "low_brightness"
	IssueHighBrightness Issue = "high_brightness"
	IssueLowContrast    Issue = "low_contrast"
	IssueOverexposure   Issue = "overexposure"
	IssueUnderexposure  Issue = "underexposure"

	IssueObstruction       Issue = "obstruction"
	IssueCameraMoved       Issue = "camera_moved"
	IssueFocusChanged      Issue = "focus_changed"
	IssueSignificantChange Issue = "significant_change"
)

const (
	// Exposure is judged on the fraction of saturated pixels.
	overexposedRatio  = 0.1
	underexposedRatio = 0.3

	// Pixels darker than this count toward obstruction.
	obstructionPixel = 30

	// Fewer cross-checked matches than this means the scene is unrecognizable.
	minMatches = 4
)

// Thresholds tune the monitor. All comparisons are strict.
type Thresholds struct {
	Blur           float64 `json:"blur_threshold" yaml:"blur_threshold"`
	BrightnessLow  float64 `json:"brightness_low" yaml:"brightness_low"`
	BrightnessHigh float64 `json:"brightness_high" yaml:"brightness_high"`
	ContrastLow    float64 `json:"contrast_low" yaml:"contrast_low"`
	Overexposure   float64 `json:"overexposure_threshold" yaml:"overexposure_threshold"`
	Underexposure  float64 `json:"underexposure_threshold" yaml:"underexposure_threshold"`
	Obstruction    float64 `json:"obstruction_threshold" yaml:"obstruction_threshold"`
	Movement       float64 `json:"movement_threshold" yaml:"movement_threshold"`
	FocusChange    float64 `json:"focus_change_threshold" yaml:"focus_change_threshold"`
	FrameDiff      float64 `json:"frame_diff_threshold" yaml:"frame_diff_threshold"`
}

// DefaultThresholds returns the stock tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Blur:           100.0,
		BrightnessLow:  40.0,
		BrightnessHigh: 220.0,
		ContrastLow:    30.0,
		Overexposure:   250.0,
		Underexposure:  20.0,
		Obstruction:    0.3,
		Movement:       50.0,
		FocusChange:    0.3,
		FrameDiff:      0.4,
	}
}

// QualityMetrics are the per-frame measurements with their verdicts.
type QualityMetrics struct {
	BlurScore    float64 `json:"blur_score"`
	Brightness   float64 `json:"brightness"`
	Contrast     float64 `json:"contrast"`
	Sharpness    float64 `json:"sharpness"`
	Blurry       bool    `json:"is_blurry"`
	TooDark      bool    `json:"is_too_dark"`
	TooBright    bool    `json:"is_too_bright"`
	LowContrast  bool    `json:"is_low_contrast"`
	Overexposed  bool    `json:"is_overexposed"`
	Underexposed bool    `json:"is_underexposed"`
}

// TamperingMetrics compare the frame against the reference.
type TamperingMetrics struct {
	ObstructionRatio  float64 `json:"obstruction_ratio"`
	MovementScore     float64 `json:"movement_score"`
	FocusChangeScore  float64 `json:"focus_change_score"`
	FrameDiffScore    float64 `json:"frame_diff_score"`
	Obstructed        bool    `json:"is_obstructed"`
	Moved             bool    `json:"has_moved"`
	FocusChanged      bool    `json:"focus_changed"`
	SignificantChange bool    `json:"significant_change"`
}

// Result is one complete frame assessment. Tampering is nil when no
// reference existed yet or tampering checks were skipped.
type Result struct {
	Status          Status            `json:"status"`
	Score           float64           `json:"overall_score"`
	Quality         QualityMetrics    `json:"quality_metrics"`
	Tampering       *TamperingMetrics `json:"tampering_metrics,omitempty"`
	QualityIssues   []Issue           `json:"quality_issues"`
	TamperingIssues []Issue           `json:"tampering_issues"`
}

var penalties = map[Issue]float64{
	IssueBlur:           20,
	IssueLowBrightness:  15,
	IssueHighBrightness: 15,
	IssueLowContrast:    10,
	IssueOverexposure:   10,
	IssueUnderexposure:  10,

	IssueObstruction:       50,
	IssueCameraMoved:       30,
	IssueFocusChanged:      20,
	IssueSignificantChange: 15,
}

// Monitor holds the thresholds and the tampering reference for one stream.
type Monitor struct {
	thresholds Thresholds

	mu       sync.Mutex
	ref      *vision.Gray
	refBlur  float64
	refFeats *vision.Features
}

// NewMonitor builds a monitor with the given tuning.
func NewMonitor(t Thresholds) *Monitor {
	return &Monitor{thresholds: t}
}

// Assess scores one frame. With checkTampering set, the first frame becomes
// the reference and reports no tampering; later frames are compared to it.
func (m *Monitor) Assess(img image.Image, checkTampering bool) *Result {
	gray := vision.Grayscale(img)

	quality := m.assessQuality(gray)
	qIssues := qualityIssues(quality)

	var tampering *TamperingMetrics
	tIssues := []Issue{}

	if checkTampering {
		m.mu.Lock()
		if m.ref == nil {
			m.setReference(gray)
		} else {
			tampering = m.assessTampering(gray, quality.BlurScore)
			tIssues = tamperingIssues(tampering)
		}
		m.mu.Unlock()
	}

	status, score := healthStatus(qIssues, tIssues)
	return &Result{
		Status:          status,
		Score:           score,
		Quality:         quality,
		Tampering:       tampering,
		QualityIssues:   qIssues,
		TamperingIssues: tIssues,
	}
}

// ResetReference replaces the tampering reference. A nil frame clears it so
// the next assessed frame seeds a new one.
func (m *Monitor) ResetReference(img image.Image) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if img == nil {
		m.ref = nil
		m.refBlur = 0
		m.refFeats = nil
		return
	}
	m.setReference(vision.Grayscale(img))
}

// setReference is called with mu held.
func (m *Monitor) setReference(gray *vision.Gray) {
	m.ref = gray.Clone()
	m.refBlur = gray.LaplacianVariance()
	m.refFeats = vision.ExtractFeatures(gray)
}

func (m *Monitor) assessQuality(gray *vision.Gray) QualityMetrics {
	t := m.thresholds

	blur := gray.LaplacianVariance()
	sharpness := 1.0
	if t.Blur > 0 && blur < t.Blur {
		sharpness = blur / t.Blur
	}

	brightness := gray.Mean()
	contrast := gray.StdDev()

	return QualityMetrics{
		BlurScore:    blur,
		Brightness:   brightness,
		Contrast:     contrast,
		Sharpness:    sharpness,
		Blurry:       blur < t.Blur,
		TooDark:      brightness < t.BrightnessLow,
		TooBright:    brightness > t.BrightnessHigh,
		LowContrast:  contrast < t.ContrastLow,
		Overexposed:  gray.RatioAbove(uint8(t.Overexposure)) > overexposedRatio,
		Underexposed: gray.RatioBelow(uint8(t.Underexposure)) > underexposedRatio,
	}
}

// assessTampering is called with mu held and a non-nil reference.
func (m *Monitor) assessTampering(gray *vision.Gray, blur float64) *TamperingMetrics {
	t := m.thresholds

	obstruction := gray.RatioBelow(obstructionPixel)
	movement := m.movementScore(gray)

	focusChange := 0.0
	if m.refBlur > 0 {
		focusChange = (blur - m.refBlur) / m.refBlur
		if focusChange < 0 {
			focusChange = -focusChange
		}
	}

	frameDiff := vision.AbsDiffMean(gray, m.ref) / 255.0

	return &TamperingMetrics{
		ObstructionRatio:  obstruction,
		MovementScore:     movement,
		FocusChangeScore:  focusChange,
		FrameDiffScore:    frameDiff,
		Obstructed:        obstruction > t.Obstruction,
		Moved:             movement > t.Movement,
		FocusChanged:      focusChange > t.FocusChange,
		SignificantChange: frameDiff > t.FrameDiff,
	}
}

// movementScore matches the frame's features against the reference set and
// averages the match distances. Too few matches means the scene no longer
// resembles the reference at all.
func (m *Monitor) movementScore(gray *vision.Gray) float64 {
	if m.refFeats == nil || len(m.refFeats.Descriptors) == 0 {
		return 0
	}
	cur := vision.ExtractFeatures(gray)
	if len(cur.Descriptors) == 0 {
		return 0
	}
	matches := vision.MatchFeatures(m.refFeats, cur)
	if len(matches) < minMatches {
		return 100.0
	}
	return vision.MeanMatchDistance(matches)
}

func qualityIssues(q QualityMetrics) []Issue {
	issues := []Issue{}
	if q.Blurry {
		issues = append(issues, IssueBlur)
	}
	if q.TooDark {
		issues = append(issues, IssueLowBrightness)
	}
	if q.TooBright {
		issues = append(issues, IssueHighBrightness)
	}
	if q.LowContrast {
		issues = append(issues, IssueLowContrast)
	}
	if q.Overexposed {
		issues = append(issues, IssueOverexposure)
	}
	if q.Underexposed {
		issues = append(issues, IssueUnderexposure)
	}
	return issues
}

func tamperingIssues(t *TamperingMetrics) []Issue {
	issues := []Issue{}
	if t.Obstructed {
		issues = append(issues, IssueObstruction)
	}
	if t.Moved {
		issues = append(issues, IssueCameraMoved)
	}
	if t.FocusChanged {
		issues = append(issues, IssueFocusChanged)
	}
	if t.SignificantChange {
		issues = append(issues, IssueSignificantChange)
	}
	return issues
}

// healthStatus folds the issue penalties into a 0-100 score. Obstruction is
// always critical regardless of the remaining score.
func healthStatus(quality, tampering []Issue) (Status, float64) {
	score := 100.0
	for _, issue := range quality {
		score -= penalties[issue]
	}
	obstructed := false
	for _, issue := range tampering {
		score -= penalties[issue]
		if issue == IssueObstruction {
			obstructed = true
		}
	}
	if score < 0 {
		score = 0
	}

	switch {
	case obstructed:
		return StatusCritical, score
	case score >= 80:
		return StatusHealthy, score
	case score >= 50:
		return StatusWarning, score
	default:
		return StatusCritical, score
	}
}
