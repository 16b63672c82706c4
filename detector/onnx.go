package detector

import (
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/intrusion-warning/config"
	"github.com/nvr-ai/intrusion-warning/models/model/preprocess"
)

var ortInit sync.Mutex

// OnnxBackend runs a YOLOv4 ONNX export through ONNX Runtime. The model must
// output a single [1, N, 5+C] (or [1, 5+C, N]) tensor with normalised boxes.
type OnnxBackend struct {
	session      *ort.DynamicAdvancedSession
	preprocessor *preprocess.Preprocessor
}

// NewOnnxBackend initialises the runtime once per process and opens a session.
func NewOnnxBackend(conf config.DetectorConfig) (*OnnxBackend, error) {
	ortInit.Lock()
	if !ort.IsInitialized() {
		if conf.OnnxLibrary != "" {
			ort.SetSharedLibraryPath(conf.OnnxLibrary)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			ortInit.Unlock()
			return nil, errors.Wrapf(ErrModelLoad, "initialize onnxruntime: %v", err)
		}
	}
	ortInit.Unlock()

	inputs, outputs, err := ort.GetInputOutputInfo(conf.Weights)
	if err != nil {
		return nil, errors.Wrapf(ErrModelLoad, "inspect %s: %v", conf.Weights, err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, errors.Wrapf(ErrModelLoad, "%s: want 1 input and at least 1 output, have %d and %d",
			conf.Weights, len(inputs), len(outputs))
	}

	options, err := sessionOptions(conf)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(conf.Weights,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, options)
	if err != nil {
		return nil, errors.Wrapf(ErrModelLoad, "open session %s: %v", conf.Weights, err)
	}

	return &OnnxBackend{
		session:      session,
		preprocessor: preprocess.NewPreprocessor(preprocess.GetYOLOv4Config(conf.InputSize, conf.Letterbox)),
	}, nil
}

// Forward converts the BGR frame to an RGB CHW tensor and runs the session.
// The returned boxes are normalised to the frame, with any letterbox padding removed.
func (b *OnnxBackend) Forward(frame gocv.Mat) ([][]float32, error) {
	img, err := frame.ToImage()
	if err != nil {
		return nil, errors.Wrap(err, "convert frame")
	}

	input, err := b.preprocessor.Preprocess(img)
	if err != nil {
		return nil, err
	}

	tensor, err := ort.NewTensor(ort.NewShape(input.Shape...), input.Data)
	if err != nil {
		return nil, errors.Wrap(err, "input tensor")
	}
	defer tensor.Destroy()

	outputs := []ort.Value{nil}
	if err := b.session.Run([]ort.Value{tensor}, outputs); err != nil {
		return nil, errors.Wrap(err, "run session")
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.New("output is not a float32 tensor")
	}

	rows, err := splitRows(out.GetData(), out.GetShape())
	if err != nil {
		return nil, err
	}
	restoreRows(b.preprocessor, input, rows)
	return rows, nil
}

// restoreRows rewrites the box of every row from model input space to frame space.
func restoreRows(p *preprocess.Preprocessor, input *preprocess.Result, rows [][]float32) {
	for _, row := range rows {
		row[0], row[1], row[2], row[3] = p.ToSource(input, row[0], row[1], row[2], row[3])
	}
}

// splitRows reshapes a [1, N, K] or [1, K, N] output into N rows of K values.
// The smaller of the two trailing dimensions is taken as K.
func splitRows(data []float32, shape ort.Shape) ([][]float32, error) {
	if len(shape) != 3 {
		return nil, errors.Errorf("unexpected output shape %v", shape)
	}

	n, k := int(shape[1]), int(shape[2])
	transposed := false
	if k > n {
		n, k = k, n
		transposed = true
	}
	if n*k > len(data) || k <= 5 {
		return nil, errors.Errorf("unexpected output shape %v", shape)
	}

	rows := make([][]float32, n)
	for i := 0; i < n; i++ {
		row := make([]float32, k)
		for j := 0; j < k; j++ {
			if transposed {
				row[j] = data[j*n+i]
			} else {
				row[j] = data[i*k+j]
			}
		}
		rows[i] = row
	}
	return rows, nil
}

// Close destroys the session.
func (b *OnnxBackend) Close() error {
	return b.session.Destroy()
}
