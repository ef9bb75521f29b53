// Package infer coordinates a full inference pass for one image: model
// acquisition, the optional in-domain gate, the detection engine, and
// latency accounting.
package infer

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/detect"
	"github.com/intellioptics/platform/internal/errs"
	"github.com/intellioptics/platform/internal/modelcache"
	"github.com/intellioptics/platform/internal/oodd"
	"github.com/intellioptics/platform/internal/vision"
)

// DefaultTimeout bounds one inference call end to end.
const DefaultTimeout = 60 * time.Second

// Held is a checked-out model session.
type Held interface {
	Run(input []float32, shape []int64) ([]modelcache.Output, error)
	Release()
}

// Source yields held sessions for model artifacts.
type Source interface {
	Acquire(ctx context.Context, detectorID, role, blobPath string) (Held, error)
}

// CacheSource adapts the model cache to the dispatcher.
type CacheSource struct {
	Cache *modelcache.Cache
}

func (s CacheSource) Acquire(ctx context.Context, detectorID, role, blobPath string) (Held, error) {
	h, err := s.Cache.Acquire(ctx, detectorID, role, blobPath)
	if err != nil {
		return nil, err
	}
	return cacheHeld{h}, nil
}

type cacheHeld struct {
	h *modelcache.Handle
}

func (c cacheHeld) Run(input []float32, shape []int64) ([]modelcache.Output, error) {
	return c.h.Session.Run(input, shape)
}

func (c cacheHeld) Release() { c.h.Release() }

// ModelInfo reports which artifacts served a request.
type ModelInfo struct {
	PrimaryModel string  `json:"primary_model"`
	OODDModel    *string `json:"oodd_model"`
	Mode         string  `json:"mode"`
	InputSize    int     `json:"input_size"`
}

// Response is the full inference assembly. PromptsUsed is only set on the
// open-vocabulary path.
type Response struct {
	Detections  []detect.Detection `json:"detections"`
	LatencyMS   int64              `json:"latency_ms"`
	OODD        *oodd.Result       `json:"oodd_result"`
	ModelInfo   ModelInfo          `json:"model_info"`
	PromptsUsed []string           `json:"prompts_used,omitempty"`
}

// Dispatcher runs detector inference. It is safe for concurrent use; all
// shared state lives in the model cache behind Source.
type Dispatcher struct {
	Models  Source
	Timeout time.Duration
}

func New(models Source) *Dispatcher {
	return &Dispatcher{Models: models, Timeout: DefaultTimeout}
}

// Run executes one inference under the dispatcher timeout. A detector with
// no primary model cannot infer; an unloadable gate model is logged and
// skipped. Latency covers decode through confidence adjustment.
func (d *Dispatcher) Run(ctx context.Context, cfg *data.DetectorConfig, imageBytes []byte) (*Response, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		resp *Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := d.run(ctx, cfg, imageBytes)
		done <- outcome{resp, err}
	}()

	select {
	case o := <-done:
		return o.resp, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errs.Newf(errs.KindInferenceTimeout, "inference exceeded %s", timeout)
		}
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context, cfg *data.DetectorConfig, imageBytes []byte) (*Response, error) {
	// 1. A primary artifact is mandatory.
	if cfg.PrimaryModelPath == "" {
		return nil, errs.Newf(errs.KindConfigMissingModel, "detector %s has no primary model configured", cfg.DetectorID)
	}
	detectorID := cfg.DetectorID.String()

	// 2. Acquire sessions. The gate is optional: a failed load logs and
	// continues without it.
	primary, err := d.Models.Acquire(ctx, detectorID, modelcache.RolePrimary, cfg.PrimaryModelPath)
	if err != nil {
		return nil, err
	}
	defer primary.Release()

	var gate Held
	if cfg.OODDModelPath != "" {
		gate, err = d.Models.Acquire(ctx, detectorID, modelcache.RoleOODD, cfg.OODDModelPath)
		if err != nil {
			log.Printf("[Dispatcher] detector %s: gate model unavailable: %v, continuing without it", detectorID, err)
			gate = nil
		} else {
			defer gate.Release()
		}
	}

	// 3. Decode. The latency clock starts here.
	started := time.Now()
	img, err := vision.Decode(imageBytes)
	if err != nil {
		return nil, err
	}
	rgba := vision.ToRGBA(img)

	// 4. Gate verdict before the primary pass.
	var gateResult *oodd.Result
	if gate != nil {
		r, err := oodd.Evaluate(gate, rgba, cfg.OODDThreshold)
		if err != nil {
			return nil, err
		}
		gateResult = &r
		log.Printf("[Dispatcher] detector %s: in_domain=%t score=%.3f", detectorID, r.IsInDomain, r.InDomainScore)
	}

	// 5-7. Letterbox, forward pass, post-process.
	inputSize := cfg.InputWidth
	if inputSize <= 0 {
		inputSize = detect.DefaultInputSize
	}
	dets, err := detect.Run(primary, rgba, inputSize, detect.Params{
		ConfThreshold:      cfg.DetectionParams.MinScoreThreshold,
		IoUThreshold:       cfg.DetectionParams.IOUThreshold,
		MaxDetections:      cfg.DetectionParams.MaxDetections,
		ClassNames:         cfg.ClassNames,
		PerClassThresholds: cfg.PerClassThresholds,
		DefaultThreshold:   cfg.ConfidenceThreshold,
		OpenVocabulary:     cfg.Mode == data.ModeOpenVocab,
	})
	if err != nil {
		return nil, err
	}

	// 8. Attenuate every detection when the image is out of domain.
	if gateResult != nil && !gateResult.IsInDomain {
		for i := range dets {
			dets[i].Confidence *= gateResult.ConfidenceAdjustment
			dets[i].OODDAdjusted = true
		}
	}
	if dets == nil {
		dets = []detect.Detection{}
	}

	info := ModelInfo{
		PrimaryModel: cfg.PrimaryModelPath,
		Mode:         string(cfg.Mode),
		InputSize:    inputSize,
	}
	if cfg.OODDModelPath != "" {
		path := cfg.OODDModelPath
		info.OODDModel = &path
	}

	return &Response{
		Detections: dets,
		LatencyMS:  time.Since(started).Milliseconds(),
		OODD:       gateResult,
		ModelInfo:  info,
	}, nil
}
