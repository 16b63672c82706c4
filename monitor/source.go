package monitor

import (
	"image"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/intrusion-warning/config"
	"github.com/nvr-ai/intrusion-warning/util"
)

var (
	// ErrEndOfStream is returned when a video file or image directory is exhausted.
	ErrEndOfStream = errors.New("end of stream")
	// ErrReadFailed is a transient read failure; the loop retries.
	ErrReadFailed = errors.New("frame read failed")
)

// Source produces frames for the loop.
type Source interface {
	// Read fills dst with the next frame.
	Read(dst *gocv.Mat) error
	// Live reports whether frames come from a camera.
	Live() bool
	Close() error
}

// OpenSource opens the source selected by the configuration: an image
// directory, then a video file, then the camera device.
func OpenSource(conf config.CameraConfig) (Source, error) {
	switch {
	case conf.Images != "":
		return NewImageSource(conf.Images)
	case conf.Video != "":
		capture, err := gocv.OpenVideoCapture(conf.Video)
		if err != nil {
			return nil, errors.Wrapf(err, "open video %s", conf.Video)
		}
		log.WithField("path", conf.Video).Info("processing video")
		return &captureSource{capture: capture}, nil
	default:
		capture, err := gocv.OpenVideoCapture(conf.Device)
		if err != nil {
			return nil, errors.Wrapf(err, "open camera %d", conf.Device)
		}
		capture.Set(gocv.VideoCaptureFrameWidth, float64(conf.Width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(conf.Height))
		capture.Set(gocv.VideoCaptureFPS, conf.FPS)
		log.WithFields(log.Fields{
			"device": conf.Device,
			"width":  conf.Width,
			"height": conf.Height,
		}).Info("camera opened")
		return &captureSource{capture: capture, live: true}, nil
	}
}

type captureSource struct {
	capture *gocv.VideoCapture
	live    bool
}

func (s *captureSource) Read(dst *gocv.Mat) error {
	if ok := s.capture.Read(dst); ok && !dst.Empty() {
		return nil
	}
	if s.live {
		return ErrReadFailed
	}
	return ErrEndOfStream
}

func (s *captureSource) Live() bool { return s.live }

func (s *captureSource) Close() error {
	return s.capture.Close()
}

// ImageSource replays the images of a directory in frame order.
type ImageSource struct {
	files []util.ImageFile
	next  int
}

// NewImageSource lists the images of dir without reading them.
func NewImageSource(dir string) (*ImageSource, error) {
	files, err := util.LoadDirectoryImageFiles(dir)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"dir": dir, "images": len(files)}).Info("replaying image directory")
	return &ImageSource{files: files}, nil
}

// Read decodes the next image. An unreadable image is skipped with ErrReadFailed.
func (s *ImageSource) Read(dst *gocv.Mat) error {
	if s.next >= len(s.files) {
		return ErrEndOfStream
	}
	file := s.files[s.next]
	s.next++

	img := gocv.IMRead(file.Path, gocv.IMReadColor)
	defer img.Close()
	if img.Empty() {
		return errors.Wrapf(ErrReadFailed, "decode %s", file.Path)
	}
	img.CopyTo(dst)
	return nil
}

// Live is false for replays.
func (s *ImageSource) Live() bool { return false }

// Close is a no-op.
func (s *ImageSource) Close() error { return nil }

// Display shows frames and returns the key pressed, or -1.
type Display interface {
	Show(frame gocv.Mat) int
	Close() error
}

// OpenCV's EVENT_LBUTTONDOWN.
const eventLeftButtonDown = 1

// WindowDisplay is a highgui window. Left clicks are reported to onClick from
// inside Show, on the loop goroutine.
type WindowDisplay struct {
	window *gocv.Window
}

// NewWindowDisplay opens a window named name.
func NewWindowDisplay(name string, onClick func(image.Point)) *WindowDisplay {
	w := gocv.NewWindow(name)
	w.SetMouseHandler(func(event, x, y, flags int, _ interface{}) {
		if event == eventLeftButtonDown && onClick != nil {
			onClick(image.Pt(x, y))
		}
	}, nil)
	return &WindowDisplay{window: w}
}

// Show displays frame and waits 1 ms for a key.
func (d *WindowDisplay) Show(frame gocv.Mat) int {
	d.window.IMShow(frame)
	return d.window.WaitKey(1)
}

// Close destroys the window.
func (d *WindowDisplay) Close() error {
	return d.window.Close()
}
