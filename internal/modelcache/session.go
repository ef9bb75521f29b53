package modelcache

import (
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/intellioptics/platform/internal/errs"
)

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// InitRuntime initializes the process-wide ONNX runtime environment. An empty
// libraryPath leaves the runtime's default shared-library lookup in place.
// Only the first call takes effect.
func InitRuntime(libraryPath string) error {
	runtimeOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		runtimeErr = ort.InitializeEnvironment()
	})
	return runtimeErr
}

// ShutdownRuntime tears the environment down. Call only after every session
// is closed.
func ShutdownRuntime() {
	if ort.IsInitialized() {
		_ = ort.DestroyEnvironment()
	}
}

// Output is one raw tensor produced by a model run.
type Output struct {
	Data  []float32
	Shape []int64
}

// Session wraps one loaded ONNX model. Run calls are serialized with a
// mutex: the runtime does not document its sessions as re-entrant.
type Session struct {
	Path        string
	InputName   string
	OutputNames []string
	InputShape  []int64

	mu   sync.Mutex
	sess *ort.DynamicAdvancedSession
}

// OpenSession loads the model at path, reading input and output names from
// the model metadata. The runtime environment must be initialized first;
// OpenSession initializes it with defaults if the caller has not.
func OpenSession(path string) (*Session, error) {
	if err := InitRuntime(""); err != nil {
		return nil, errs.Wrap(errs.KindBadModelOutput, "initialize onnx runtime", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindBadModelOutput, "read model metadata "+path, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, errs.Newf(errs.KindBadModelOutput, "model %s declares %d inputs and %d outputs", path, len(inputs), len(outputs))
	}

	inputName := inputs[0].Name
	outputNames := make([]string, len(outputs))
	for i, o := range outputs {
		outputNames[i] = o.Name
	}
	inputShape := make([]int64, len(inputs[0].Dimensions))
	copy(inputShape, inputs[0].Dimensions)

	sess, err := ort.NewDynamicAdvancedSession(path, []string{inputName}, outputNames, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindBadModelOutput, "load model "+path, err)
	}
	return &Session{
		Path:        path,
		InputName:   inputName,
		OutputNames: outputNames,
		InputShape:  inputShape,
		sess:        sess,
	}, nil
}

// Run executes the model on one float32 tensor of the given shape and
// returns every output as a flat slice plus its shape. The returned slices
// are copies and stay valid after the next Run.
func (s *Session) Run(input []float32, shape []int64) ([]Output, error) {
	tensor, err := ort.NewTensor(ort.NewShape(shape...), input)
	if err != nil {
		return nil, errs.Wrap(errs.KindBadModelOutput, "build input tensor", err)
	}
	defer tensor.Destroy()

	raw := make([]ort.Value, len(s.OutputNames))
	s.mu.Lock()
	err = s.sess.Run([]ort.Value{tensor}, raw)
	s.mu.Unlock()
	if err != nil {
		return nil, errs.Wrap(errs.KindBadModelOutput, "run model "+s.Path, err)
	}

	// Non-float32 outputs (label tensors and the like) are skipped; every
	// layout the post-processors accept is float32.
	results := make([]Output, 0, len(raw))
	for _, v := range raw {
		if v == nil {
			continue
		}
		t, ok := v.(*ort.Tensor[float32])
		if !ok {
			v.Destroy()
			continue
		}
		data := t.GetData()
		out := Output{Data: make([]float32, len(data)), Shape: make([]int64, len(t.GetShape()))}
		copy(out.Data, data)
		copy(out.Shape, t.GetShape())
		results = append(results, out)
		t.Destroy()
	}
	if len(results) == 0 {
		return nil, errs.Newf(errs.KindBadModelOutput, "model %s produced no float32 outputs", s.Path)
	}
	return results, nil
}

// Close releases the runtime session. Run must not be called after Close.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil {
		_ = s.sess.Destroy()
		s.sess = nil
	}
}
