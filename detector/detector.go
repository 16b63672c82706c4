// Package detector runs a YOLO person detector on camera frames.
//
// A Backend performs one forward pass and returns raw anchor rows of the form
// [cx, cy, w, h, objectness, score_0 ... score_{C-1}] with coordinates
// normalised to [0, 1]. The Detector filters those rows down to the target
// class, maps them to frame pixels and applies greedy NMS.
package detector

import (
	"image"
	"os"
	"sync"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/intrusion-warning/config"
	"github.com/nvr-ai/intrusion-warning/images"
	"github.com/nvr-ai/intrusion-warning/models/postprocess"
)

// ErrModelLoad is returned when the model weights, topology or class names cannot be loaded.
var ErrModelLoad = errors.New("model load failed")

// Detection is one detected object in frame pixel coordinates.
type Detection struct {
	ClassID    int
	ClassName  string
	Confidence float32
	Box        image.Rectangle
}

// Centroid returns the integer center of the box.
func (d Detection) Centroid() image.Point {
	return image.Pt(floorDiv(d.Box.Min.X+d.Box.Max.X, 2), floorDiv(d.Box.Min.Y+d.Box.Max.Y, 2))
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Centroids returns the centroid of every detection.
func Centroids(detections []Detection) []image.Point {
	out := make([]image.Point, len(detections))
	for i, d := range detections {
		out[i] = d.Centroid()
	}
	return out
}

// Backend runs the network on a frame.
type Backend interface {
	Forward(frame gocv.Mat) ([][]float32, error)
	Close() error
}

// Detector detects people in frames.
type Detector struct {
	backend     Backend
	classes     []string
	targetClass string
	frameSize   image.Point

	sizeWarning sync.Once
}

// New loads the class names and the configured backend.
//
// Box coordinates are scaled by frameSize, the configured capture resolution,
// not by the size of each frame passed to Detect.
func New(conf config.DetectorConfig, frameSize image.Point) (*Detector, error) {
	classes, err := LoadClassNames(conf.ClassNames)
	if err != nil {
		return nil, err
	}
	if ClassIndex(classes, conf.TargetClass) < 0 {
		return nil, errors.Wrapf(ErrModelLoad, "class %q not in %s", conf.TargetClass, conf.ClassNames)
	}

	for _, path := range []string{conf.Weights, conf.Topology} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return nil, errors.Wrapf(ErrModelLoad, "%v", err)
		}
	}

	var backend Backend
	switch conf.Backend {
	case "onnx":
		backend, err = NewOnnxBackend(conf)
	default:
		backend, err = NewDarknetBackend(conf)
	}
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"backend": conf.Backend,
		"weights": conf.Weights,
		"classes": len(classes),
		"target":  conf.TargetClass,
	}).Info("detector ready")

	return NewWithBackend(backend, classes, conf.TargetClass, frameSize), nil
}

// NewWithBackend builds a Detector around an existing backend.
func NewWithBackend(backend Backend, classes []string, targetClass string, frameSize image.Point) *Detector {
	return &Detector{
		backend:     backend,
		classes:     classes,
		targetClass: targetClass,
		frameSize:   frameSize,
	}
}

// Detect runs one forward pass and returns the surviving target-class
// detections in no particular order. An empty result is not an error.
//
// Arguments:
//   - frame: A BGR frame.
//   - confidenceThreshold: Minimum class score, inclusive.
//   - nmsThreshold: IoU above which the weaker of two boxes is suppressed.
func (d *Detector) Detect(frame gocv.Mat, confidenceThreshold, nmsThreshold float32) ([]Detection, error) {
	if frame.Empty() {
		return nil, nil
	}

	if frame.Cols() != d.frameSize.X || frame.Rows() != d.frameSize.Y {
		d.sizeWarning.Do(func() {
			log.WithFields(log.Fields{
				"frame":      image.Pt(frame.Cols(), frame.Rows()),
				"configured": d.frameSize,
			}).Warn("frame size differs from configured size, boxes will be misplaced")
		})
	}

	rows, err := d.backend.Forward(frame)
	if err != nil {
		return nil, errors.Wrap(err, "forward pass")
	}

	return Decode(rows, d.classes, d.targetClass, d.frameSize, confidenceThreshold, nmsThreshold), nil
}

// Close releases the backend.
func (d *Detector) Close() error {
	return d.backend.Close()
}

// Decode turns raw anchor rows into detections.
//
// The class of a row is the arg-max of its class scores and its confidence is
// that score. Rows below the threshold, of another class, or with a non-finite
// score are dropped. Survivors go through greedy NMS.
func Decode(rows [][]float32, classes []string, targetClass string, frameSize image.Point, confidenceThreshold, nmsThreshold float32) []Detection {
	w := float32(frameSize.X)
	h := float32(frameSize.Y)

	var candidates []postprocess.Result
	for _, row := range rows {
		if len(row) <= 5 {
			continue
		}

		classID := 0
		score := row[5]
		for j := 6; j < len(row); j++ {
			if row[j] > score {
				score = row[j]
				classID = j - 5
			}
		}
		if math32.IsNaN(score) || math32.IsInf(score, 0) || score < confidenceThreshold {
			continue
		}
		if classID >= len(classes) || classes[classID] != targetClass {
			continue
		}

		centerX := int(row[0] * w)
		centerY := int(row[1] * h)
		width := int(row[2] * w)
		height := int(row[3] * h)
		x := int(math32.Trunc(float32(centerX) - float32(width)/2))
		y := int(math32.Trunc(float32(centerY) - float32(height)/2))

		candidates = append(candidates, postprocess.Result{
			Box:   images.Rect{X1: x, Y1: y, X2: x + width, Y2: y + height},
			Score: score,
			Class: classID,
		})
	}

	kept := postprocess.ApplyGreedyNMS(candidates, &postprocess.NMSConfig{IoUThreshold: nmsThreshold})

	detections := make([]Detection, 0, len(kept))
	for _, r := range kept {
		detections = append(detections, Detection{
			ClassID:    r.Class,
			ClassName:  classes[r.Class],
			Confidence: r.Score,
			Box:        r.Box.Rectangle(),
		})
	}
	return detections
}
