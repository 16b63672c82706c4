package snapshot

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/intrusion-warning/config"
)

func frame(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

func newWriter(t *testing.T) *Writer {
	t.Helper()
	conf := config.Default().Snapshot
	conf.Dir = filepath.Join(t.TempDir(), "snaps")
	w, err := NewWriter(conf)
	require.NoError(t, err)
	return w
}

func TestEncodeDownscales(t *testing.T) {
	w := newWriter(t)

	data, err := w.Encode(frame(1280, 720))
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 256, img.Bounds().Dx())
	assert.Equal(t, 144, img.Bounds().Dy())
}

func TestSave(t *testing.T) {
	w := newWriter(t)
	at := time.Date(2024, 5, 1, 8, 15, 30, 0, time.Local)

	first, err := w.Save(at, frame(100, 50))
	require.NoError(t, err)
	assert.Equal(t, "alert_20240501_081530.jpg", first.Name())
	assert.Equal(t, at, first.CapturedAt)

	onDisk, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	assert.Equal(t, first.Data, onDisk)

	second, err := w.Save(at, frame(100, 50))
	require.NoError(t, err)
	assert.NotEqual(t, first.Path, second.Path)
	assert.FileExists(t, second.Path)
}
