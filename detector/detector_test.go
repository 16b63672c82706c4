package detector

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/intrusion-warning/config"
	"github.com/nvr-ai/intrusion-warning/models/model/preprocess"
)

var classes = []string{"person", "bicycle", "car"}

var frameSize = image.Pt(1280, 720)

// row builds an anchor row with the given normalised box and class scores.
func row(cx, cy, w, h float32, scores ...float32) []float32 {
	return append([]float32{cx, cy, w, h, 1}, scores...)
}

type fakeBackend struct {
	rows   [][]float32
	err    error
	calls  int
	closed bool
}

func (f *fakeBackend) Forward(gocv.Mat) ([][]float32, error) {
	f.calls++
	return f.rows, f.err
}

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

func TestDecodeScalesByFrameSize(t *testing.T) {
	rows := [][]float32{row(0.5, 0.5, 0.1, 0.2, 0.9, 0.05, 0.05)}

	got := Decode(rows, classes, "person", frameSize, 0.5, 0.4)

	require.Len(t, got, 1)
	assert.Equal(t, "person", got[0].ClassName)
	assert.Equal(t, 0, got[0].ClassID)
	assert.Equal(t, float32(0.9), got[0].Confidence)
	assert.Equal(t, image.Rect(576, 288, 704, 432), got[0].Box)
	assert.Equal(t, image.Pt(640, 360), got[0].Centroid())
}

func TestDecodeFilters(t *testing.T) {
	rows := [][]float32{
		row(0.2, 0.2, 0.1, 0.1, 0.49, 0.1, 0.1),  // below threshold
		row(0.4, 0.4, 0.1, 0.1, 0.50, 0.1, 0.1),  // threshold is inclusive
		row(0.6, 0.6, 0.1, 0.1, 0.2, 0.1, 0.95),  // car
		row(0.8, 0.8, 0.1, 0.1),                  // no scores
		row(0.9, 0.9, 0.05, 0.05, 0.7, 0.8, 0.1), // bicycle wins arg-max
	}

	got := Decode(rows, classes, "person", frameSize, 0.5, 0.4)

	require.Len(t, got, 1)
	assert.Equal(t, float32(0.5), got[0].Confidence)
}

func TestDecodeAppliesNMS(t *testing.T) {
	// Same height and top, widths 100 and 60 px sharing the left edge: IoU 0.6.
	rows := [][]float32{
		row(50.0/1280, 50.0/720, 100.0/1280, 100.0/720, 0.9),
		row(30.0/1280, 50.0/720, 60.0/1280, 100.0/720, 0.7),
	}

	got := Decode(rows, []string{"person"}, "person", frameSize, 0.5, 0.4)

	require.Len(t, got, 1)
	assert.Equal(t, float32(0.9), got[0].Confidence)
}

func TestDecodeEmpty(t *testing.T) {
	assert.Empty(t, Decode(nil, classes, "person", frameSize, 0.5, 0.4))
}

func TestCentroid(t *testing.T) {
	tests := []struct {
		box  image.Rectangle
		want image.Point
	}{
		{image.Rect(0, 0, 10, 10), image.Pt(5, 5)},
		{image.Rect(10, 20, 15, 27), image.Pt(12, 23)},
		{image.Rect(-5, -5, 0, 0), image.Pt(-3, -3)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Detection{Box: tt.box}.Centroid(), "box %v", tt.box)
	}

	detections := []Detection{{Box: tests[0].box}, {Box: tests[1].box}}
	assert.Equal(t, []image.Point{tests[0].want, tests[1].want}, Centroids(detections))
	assert.Empty(t, Centroids(nil))
}

func TestDetectUsesBackend(t *testing.T) {
	backend := &fakeBackend{rows: [][]float32{row(0.5, 0.5, 0.1, 0.1, 0.8, 0, 0)}}
	d := NewWithBackend(backend, classes, "person", frameSize)

	frame := gocv.NewMatWithSize(720, 1280, gocv.MatTypeCV8UC3)
	defer frame.Close()

	got, err := d.Detect(frame, 0.5, 0.4)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 1, backend.calls)

	backend.err = errors.New("inference failed")
	_, err = d.Detect(frame, 0.5, 0.4)
	assert.Error(t, err)

	require.NoError(t, d.Close())
	assert.True(t, backend.closed)
}

func TestDetectEmptyFrame(t *testing.T) {
	backend := &fakeBackend{}
	d := NewWithBackend(backend, classes, "person", frameSize)

	frame := gocv.NewMat()
	defer frame.Close()

	got, err := d.Detect(frame, 0.5, 0.4)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, backend.calls)
}

func TestLoadClassNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classes.names")
	require.NoError(t, os.WriteFile(path, []byte("person\nbicycle\r\ncar\n\n"), 0o644))

	names, err := LoadClassNames(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"person", "bicycle", "car"}, names)
	assert.Equal(t, 2, ClassIndex(names, "car"))
	assert.Equal(t, -1, ClassIndex(names, "dog"))
}

func TestModelLoadErrors(t *testing.T) {
	dir := t.TempDir()
	names := filepath.Join(dir, "classes.names")
	require.NoError(t, os.WriteFile(names, []byte("person\n"), 0o644))
	empty := filepath.Join(dir, "empty.names")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	base := config.Default().Detector
	tests := []struct {
		name   string
		mutate func(*config.DetectorConfig)
	}{
		{"missing class names", func(c *config.DetectorConfig) { c.ClassNames = filepath.Join(dir, "nope.names") }},
		{"empty class names", func(c *config.DetectorConfig) { c.ClassNames = empty }},
		{"target class missing", func(c *config.DetectorConfig) { c.ClassNames = names; c.TargetClass = "dog" }},
		{"missing weights", func(c *config.DetectorConfig) {
			c.ClassNames = names
			c.Weights = filepath.Join(dir, "yolov4-tiny.weights")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := base
			tt.mutate(&conf)
			_, err := New(conf, frameSize)
			assert.Equal(t, ErrModelLoad, errors.Cause(err))
		})
	}
}

func TestSplitRows(t *testing.T) {
	// Two anchors of six values each.
	data := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}

	rows, err := splitRows(data, ort.NewShape(1, 2, 6))
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 2, 3, 4, 5, 6}, {7, 8, 9, 10, 11, 12}}, rows)

	// The same anchors laid out as [1, 6, 2].
	transposed := []float32{1, 7, 2, 8, 3, 9, 4, 10, 5, 11, 6, 12}
	rows, err = splitRows(transposed, ort.NewShape(1, 6, 2))
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 2, 3, 4, 5, 6}, {7, 8, 9, 10, 11, 12}}, rows)

	_, err = splitRows(data, ort.NewShape(12))
	assert.Error(t, err)
}

func TestRestoreRowsRemovesLetterbox(t *testing.T) {
	// 1280x720 letterboxed into 416x416: scale 0.325, image rows 91..325.
	p := preprocess.NewPreprocessor(preprocess.GetYOLOv4Config(416, true))
	input := &preprocess.Result{ScaleX: 0.325, ScaleY: 0.325, PadTop: 91, Source: frameSize}

	rows := [][]float32{row(0.5, 0.5, 0.1, 46.8/416, 0.9)}
	restoreRows(p, input, rows)

	assert.InDelta(t, 0.5, rows[0][0], 1e-5)
	assert.InDelta(t, 0.5, rows[0][1], 1e-5)
	assert.InDelta(t, 0.1, rows[0][2], 1e-5)
	assert.InDelta(t, 0.2, rows[0][3], 1e-5)
	assert.Equal(t, float32(0.9), rows[0][5], "scores untouched")

	got := Decode(rows, []string{"person"}, "person", frameSize, 0.5, 0.4)
	require.Len(t, got, 1)
	assert.InDelta(t, 640, got[0].Centroid().X, 1)
	assert.InDelta(t, 360, got[0].Centroid().Y, 1)
}

func TestParseProvider(t *testing.T) {
	for name, want := range map[string]ProviderBackend{
		"":         CPUProviderBackend,
		"cpu":      CPUProviderBackend,
		"cuda":     CUDAProviderBackend,
		"coreml":   CoreMLProviderBackend,
		"openvino": OpenVINOProviderBackend,
	} {
		got, err := ParseProvider(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got)
	}

	_, err := ParseProvider("tpu")
	assert.Error(t, err)
}
