// Package oodd scores how much an image resembles the training distribution
// of a detector's primary model. Out-of-domain images keep their detections
// but have the confidence attenuated.
package oodd

import (
	"image"
	"math"

	"github.com/intellioptics/platform/internal/errs"
	"github.com/intellioptics/platform/internal/modelcache"
	"github.com/intellioptics/platform/internal/vision"
)

const (
	DefaultThreshold = 0.444
	inputSize        = 224
)

// ImageNet channel statistics; every gate model is trained on them.
var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Result is the gate verdict for one image.
type Result struct {
	InDomainScore        float64 `json:"in_domain_score"`
	IsInDomain           bool    `json:"is_in_domain"`
	ConfidenceAdjustment float64 `json:"confidence_adjustment"`
	CalibratedThreshold  float64 `json:"calibrated_threshold"`
}

// Model is the slice of a loaded inference session the gate needs.
type Model interface {
	Run(input []float32, shape []int64) ([]modelcache.Output, error)
}

// Evaluate runs the gate model on img. A non-positive threshold falls back
// to the calibrated default.
func Evaluate(m Model, img *image.RGBA, threshold float64) (Result, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	input := Tensor(img)
	outs, err := m.Run(input, []int64{1, 3, inputSize, inputSize})
	if err != nil {
		return Result{}, err
	}
	if len(outs) == 0 {
		return Result{}, errs.New(errs.KindBadModelOutput, "gate model produced no outputs")
	}
	score, err := Score(outs[0].Data)
	if err != nil {
		return Result{}, err
	}
	return Assess(score, threshold), nil
}

// Tensor resizes img to 224x224 and normalizes it with the ImageNet
// statistics, channel-first.
func Tensor(img *image.RGBA) []float32 {
	resized := vision.ResizeRGBA(img, inputSize, inputSize)
	plane := inputSize * inputSize
	out := make([]float32, 3*plane)
	for y := 0; y < inputSize; y++ {
		for x := 0; x < inputSize; x++ {
			off := resized.PixOffset(x, y)
			idx := y*inputSize + x
			out[idx] = (float32(resized.Pix[off])/255 - imagenetMean[0]) / imagenetStd[0]
			out[plane+idx] = (float32(resized.Pix[off+1])/255 - imagenetMean[1]) / imagenetStd[1]
			out[2*plane+idx] = (float32(resized.Pix[off+2])/255 - imagenetMean[2]) / imagenetStd[2]
		}
	}
	return out
}

// Score maps raw gate logits to an in-domain score in [0,1]. Two logits are
// softmaxed and index 1 taken; anything else is a sigmoid of the first.
func Score(raw []float32) (float64, error) {
	if len(raw) == 0 {
		return 0, errs.New(errs.KindBadModelOutput, "gate model output is empty")
	}
	var score float64
	if len(raw) == 2 {
		// Subtract the max before exponentiation to stay stable.
		m := math.Max(float64(raw[0]), float64(raw[1]))
		e0 := math.Exp(float64(raw[0]) - m)
		e1 := math.Exp(float64(raw[1]) - m)
		score = e1 / (e0 + e1)
	} else {
		score = 1 / (1 + math.Exp(-float64(raw[0])))
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

// Assess turns a score into the gate verdict. A score exactly at the
// threshold counts as in-domain.
func Assess(score, threshold float64) Result {
	inDomain := score >= threshold
	adjustment := score
	if !inDomain {
		adjustment = score * 0.5
	}
	return Result{
		InDomainScore:        score,
		IsInDomain:           inDomain,
		ConfidenceAdjustment: adjustment,
		CalibratedThreshold:  threshold,
	}
}
