package detector

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/intrusion-warning/config"
)

// DarknetBackend runs a darknet model (weights + cfg) through OpenCV DNN.
type DarknetBackend struct {
	net       gocv.Net
	outNames  []string
	inputSize image.Point
}

// NewDarknetBackend loads the network and resolves its output layers.
func NewDarknetBackend(conf config.DetectorConfig) (*DarknetBackend, error) {
	net := gocv.ReadNet(conf.Weights, conf.Topology)
	if net.Empty() {
		return nil, errors.Wrapf(ErrModelLoad, "read darknet model %s / %s", conf.Weights, conf.Topology)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	layers := net.GetLayerNames()
	var outNames []string
	for _, id := range net.GetUnconnectedOutLayers() {
		if id < 1 || id > len(layers) {
			net.Close()
			return nil, errors.Wrapf(ErrModelLoad, "output layer id %d out of range", id)
		}
		outNames = append(outNames, layers[id-1])
	}
	if len(outNames) == 0 {
		net.Close()
		return nil, errors.Wrap(ErrModelLoad, "model has no output layers")
	}

	return &DarknetBackend{
		net:       net,
		outNames:  outNames,
		inputSize: image.Pt(conf.InputSize, conf.InputSize),
	}, nil
}

// Forward resizes the frame to the network input, scales it to [0, 1], swaps
// BGR to RGB and returns the rows of every output layer.
func (b *DarknetBackend) Forward(frame gocv.Mat) ([][]float32, error) {
	blob := gocv.BlobFromImage(frame, 1.0/255.0, b.inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	b.net.SetInput(blob, "")
	outs := b.net.ForwardLayers(b.outNames)
	defer func() {
		for i := range outs {
			outs[i].Close()
		}
	}()

	var rows [][]float32
	for _, out := range outs {
		data, err := out.DataPtrFloat32()
		if err != nil {
			return nil, errors.Wrap(err, "read output layer")
		}
		cols := out.Cols()
		if cols == 0 {
			continue
		}
		for r := 0; r < out.Rows(); r++ {
			row := make([]float32, cols)
			copy(row, data[r*cols:(r+1)*cols])
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// Close releases the network.
func (b *DarknetBackend) Close() error {
	return b.net.Close()
}
