// Package snapshot writes downscaled JPEG copies of alert frames to disk.
package snapshot

import (
	"bytes"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"

	"github.com/nvr-ai/intrusion-warning/config"
)

const nameLayout = "20060102_150405"

// Snapshot is an encoded alert frame.
type Snapshot struct {
	Path       string
	Data       []byte
	CapturedAt time.Time
}

// Name returns the base name of the file written for a capture time.
func (s Snapshot) Name() string {
	return filepath.Base(s.Path)
}

// Writer encodes and stores snapshots.
type Writer struct {
	dir     string
	scale   float64
	quality int
}

// NewWriter creates the snapshot directory if needed.
func NewWriter(conf config.SnapshotConfig) (*Writer, error) {
	if err := os.MkdirAll(conf.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create snapshot dir")
	}
	return &Writer{dir: conf.Dir, scale: conf.Scale, quality: conf.Quality}, nil
}

// Encode downscales img by the configured factor and encodes it as JPEG.
func (w *Writer) Encode(img image.Image) ([]byte, error) {
	width := uint(float64(img.Bounds().Dx()) * w.scale)
	if width == 0 {
		width = 1
	}
	small := resize.Resize(width, 0, img, resize.Bilinear)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, small, &jpeg.Options{Quality: w.quality}); err != nil {
		return nil, errors.Wrap(err, "encode jpeg")
	}
	return buf.Bytes(), nil
}

// Save encodes img and writes it as alert_{YYYYMMDD_HHMMSS}.jpg. A second
// snapshot within the same second gets a unique suffix instead of
// overwriting the first.
func (w *Writer) Save(at time.Time, img image.Image) (*Snapshot, error) {
	data, err := w.Encode(img)
	if err != nil {
		return nil, err
	}

	base := "alert_" + at.Format(nameLayout)
	path := filepath.Join(w.dir, base+".jpg")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		path = filepath.Join(w.dir, base+"_"+uuid.NewString()[:8]+".jpg")
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		return nil, errors.Wrap(err, "create snapshot")
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return nil, errors.Wrapf(err, "write %s", path)
	}

	return &Snapshot{Path: path, Data: data, CapturedAt: at}, nil
}
