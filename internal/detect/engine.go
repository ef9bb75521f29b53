package detect

import (
	"image"

	"github.com/intellioptics/platform/internal/errs"
	"github.com/intellioptics/platform/internal/modelcache"
)

const DefaultInputSize = 640

// Model is the slice of a loaded inference session the engine needs.
type Model interface {
	Run(input []float32, shape []int64) ([]modelcache.Output, error)
}

// Run letterboxes img to inputSize, executes the model and post-processes
// the first output tensor into detections in img space.
func Run(m Model, img *image.RGBA, inputSize int, p Params) ([]Detection, error) {
	if inputSize <= 0 {
		inputSize = DefaultInputSize
	}
	canvas, lb := LetterboxImage(img, inputSize)
	input := CHWTensor(canvas)

	outs, err := m.Run(input, []int64{1, 3, int64(inputSize), int64(inputSize)})
	if err != nil {
		return nil, err
	}
	if len(outs) == 0 {
		return nil, errs.New(errs.KindBadModelOutput, "model produced no outputs")
	}
	return Postprocess(outs[0].Data, outs[0].Shape, lb, p)
}
