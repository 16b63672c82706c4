// Package preprocess turns frames into model input tensors.
package preprocess

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// ModelConfig defines preprocessing configuration for a specific model.
type ModelConfig struct {
	// Name of the model for logging.
	Name string
	// InputWidth is the expected width of the model input.
	InputWidth int
	// InputHeight is the expected height of the model input.
	InputHeight int
	// KeepAspectRatio if true, maintains aspect ratio with letterboxing.
	KeepAspectRatio bool
	// LetterboxColor is the color used for letterbox padding (default black).
	LetterboxColor color.Color
}

// Result contains the tensor data and the geometry needed to map boxes back.
type Result struct {
	// Data is the float32 tensor scaled to [0, 1].
	Data []float32
	// Shape is [1, 3, H, W].
	Shape []int64
	// ScaleX is the horizontal scaling factor applied.
	ScaleX float64
	// ScaleY is the vertical scaling factor applied.
	ScaleY float64
	// PadLeft is the left padding applied for letterboxing.
	PadLeft int
	// PadTop is the top padding applied for letterboxing.
	PadTop int
	// Source is the size of the original image.
	Source image.Point
}

// Preprocessor handles image preprocessing for ONNX models.
type Preprocessor struct {
	config ModelConfig
}

// NewPreprocessor creates a new preprocessor with the given configuration.
//
// Arguments:
//   - config: The model-specific preprocessing configuration.
//
// Returns:
//   - A configured Preprocessor instance.
//
// @example
//
//	p := NewPreprocessor(GetYOLOv4Config(416, false))
//	result, err := p.Preprocess(frame)
func NewPreprocessor(config ModelConfig) *Preprocessor {
	if config.LetterboxColor == nil {
		config.LetterboxColor = color.Black
	}
	return &Preprocessor{config: config}
}

// Config returns the preprocessing configuration.
func (p *Preprocessor) Config() ModelConfig {
	return p.config
}

// Preprocess resizes img to the model input and converts it to a normalised tensor.
//
// Arguments:
//   - img: The frame to preprocess.
//
// Returns:
//   - *Result: The tensor and the applied scaling.
//   - error: If the image is empty or the configuration has no input size.
func (p *Preprocessor) Preprocess(img image.Image) (*Result, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("image is empty")
	}
	if p.config.InputWidth <= 0 || p.config.InputHeight <= 0 {
		return nil, errors.Errorf("invalid input size %dx%d", p.config.InputWidth, p.config.InputHeight)
	}

	resized, scaleX, scaleY, padLeft, padTop := p.resizeImage(img)

	return &Result{
		Data:    p.imageToTensor(resized),
		Shape:   []int64{1, 3, int64(p.config.InputHeight), int64(p.config.InputWidth)},
		ScaleX:  scaleX,
		ScaleY:  scaleY,
		PadLeft: padLeft,
		PadTop:  padTop,
		Source:  image.Pt(img.Bounds().Dx(), img.Bounds().Dy()),
	}, nil
}

// ToSource maps a box given as centre and size normalised to the model input
// back to coordinates normalised to the source image, removing letterbox
// padding. For a stretched input it returns the box unchanged.
func (p *Preprocessor) ToSource(r *Result, cx, cy, w, h float32) (float32, float32, float32, float32) {
	if r.Source.X <= 0 || r.Source.Y <= 0 {
		return cx, cy, w, h
	}
	inW := float64(p.config.InputWidth)
	inH := float64(p.config.InputHeight)
	srcW := r.ScaleX * float64(r.Source.X)
	srcH := r.ScaleY * float64(r.Source.Y)

	x := (float64(cx)*inW - float64(r.PadLeft)) / srcW
	y := (float64(cy)*inH - float64(r.PadTop)) / srcH
	return float32(x), float32(y), float32(float64(w) * inW / srcW), float32(float64(h) * inH / srcH)
}

// resizeImage resizes the image to the model's input dimensions.
//
// Returns:
//   - The resized image.
//   - scaleX, scaleY: Scaling factors.
//   - padLeft, padTop: Letterbox padding.
func (p *Preprocessor) resizeImage(img image.Image) (image.Image, float64, float64, int, int) {
	bounds := img.Bounds()
	srcWidth := bounds.Dx()
	srcHeight := bounds.Dy()

	scaleX := float64(p.config.InputWidth) / float64(srcWidth)
	scaleY := float64(p.config.InputHeight) / float64(srcHeight)

	if !p.config.KeepAspectRatio {
		resized := resize.Resize(uint(p.config.InputWidth), uint(p.config.InputHeight), img, resize.Bilinear)
		return resized, scaleX, scaleY, 0, 0
	}

	scale := min(scaleX, scaleY)
	newWidth := max(1, int(float64(srcWidth)*scale))
	newHeight := max(1, int(float64(srcHeight)*scale))
	resized := resize.Resize(uint(newWidth), uint(newHeight), img, resize.Bilinear)

	padLeft := (p.config.InputWidth - newWidth) / 2
	padTop := (p.config.InputHeight - newHeight) / 2

	letterboxed := image.NewRGBA(image.Rect(0, 0, p.config.InputWidth, p.config.InputHeight))
	draw.Draw(letterboxed, letterboxed.Bounds(), &image.Uniform{C: p.config.LetterboxColor}, image.Point{}, draw.Src)
	draw.Draw(letterboxed, image.Rect(padLeft, padTop, padLeft+newWidth, padTop+newHeight),
		resized, resized.Bounds().Min, draw.Src)

	return letterboxed, scale, scale, padLeft, padTop
}

// imageToTensor converts an image to an RGB CHW float32 tensor scaled to [0, 1].
func (p *Preprocessor) imageToTensor(img image.Image) []float32 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	plane := width * height

	tensor := make([]float32, plane*3)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			tensor[y*width+x] = float32(r>>8) / 255
			tensor[plane+y*width+x] = float32(g>>8) / 255
			tensor[2*plane+y*width+x] = float32(b>>8) / 255
		}
	}

	return tensor
}

// GetYOLOv4Config returns the input configuration of a darknet YOLOv4 export:
// a square RGB CHW input. Without letterbox the frame is stretched to size,
// matching how OpenCV's blobFromImage feeds the darknet network.
//
// Arguments:
//   - inputSize: The input size (typically 416, 512, or 608).
//   - letterbox: Keep the aspect ratio and pad with gray.
//
// Returns:
//   - A configured ModelConfig for YOLOv4.
func GetYOLOv4Config(inputSize int, letterbox bool) ModelConfig {
	config := ModelConfig{
		Name:        "yolov4",
		InputWidth:  inputSize,
		InputHeight: inputSize,
	}
	if letterbox {
		config.KeepAspectRatio = true
		config.LetterboxColor = color.Gray{Y: 114}
	}
	return config
}
