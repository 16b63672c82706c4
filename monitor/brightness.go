package monitor

import (
	"math"

	"gocv.io/x/gocv"
)

// BrightnessMode selects how the displayed frame is brightened.
type BrightnessMode int

const (
	// BrightnessSimple scales every channel.
	BrightnessSimple BrightnessMode = iota
	// BrightnessContrast scales every channel and adds a fixed offset.
	BrightnessContrast
	// BrightnessHSV scales the value channel only.
	BrightnessHSV
)

const (
	minBrightness     = 0.5
	maxBrightness     = 3.0
	brightnessStep    = 0.1
	defaultBrightness = 1.5
	contrastOffset    = 10
)

func (m BrightnessMode) String() string {
	switch m {
	case BrightnessContrast:
		return "Contrast"
	case BrightnessHSV:
		return "HSV"
	default:
		return "Simple"
	}
}

// Brightness is the display adjustment controlled from the keyboard. It only
// affects what the operator sees. Detection uses the raw frame and snapshots
// use the frame with overlays.
type Brightness struct {
	Factor float64
	Mode   BrightnessMode
}

// DefaultBrightness returns factor 1.5 in simple mode.
func DefaultBrightness() Brightness {
	return Brightness{Factor: defaultBrightness, Mode: BrightnessSimple}
}

// Increase raises the factor by one step, up to 3.0.
func (b *Brightness) Increase() {
	b.Factor = clampFactor(b.Factor + brightnessStep)
}

// Decrease lowers the factor by one step, down to 0.5.
func (b *Brightness) Decrease() {
	b.Factor = clampFactor(b.Factor - brightnessStep)
}

// Cycle switches to the next mode.
func (b *Brightness) Cycle() {
	b.Mode = (b.Mode + 1) % 3
}

// clampFactor also rounds to one decimal so repeated steps do not drift.
func clampFactor(f float64) float64 {
	f = math.Round(f*10) / 10
	return math.Max(minBrightness, math.Min(maxBrightness, f))
}

// Apply writes the adjusted src into dst.
func (b Brightness) Apply(src gocv.Mat, dst *gocv.Mat) {
	switch b.Mode {
	case BrightnessContrast:
		gocv.ConvertScaleAbs(src, dst, b.Factor, contrastOffset)
	case BrightnessHSV:
		hsv := gocv.NewMat()
		defer hsv.Close()
		gocv.CvtColor(src, &hsv, gocv.ColorBGRToHSV)

		channels := gocv.Split(hsv)
		defer func() {
			for _, c := range channels {
				c.Close()
			}
		}()
		gocv.ConvertScaleAbs(channels[2], &channels[2], b.Factor, 0)
		gocv.Merge(channels, &hsv)

		gocv.CvtColor(hsv, dst, gocv.ColorHSVToBGR)
	default:
		gocv.ConvertScaleAbs(src, dst, b.Factor, 0)
	}
}
