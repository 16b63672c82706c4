package monitor

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/nvr-ai/intrusion-warning/alert"
	"github.com/nvr-ai/intrusion-warning/controller"
)

var (
	red   = color.RGBA{255, 0, 0, 0}
	green = color.RGBA{0, 255, 0, 0}
	blue  = color.RGBA{0, 0, 255, 0}
	white = color.RGBA{255, 255, 255, 0}
)

// overlay is what the loop draws on top of a frame.
type overlay struct {
	points     []image.Point
	result     controller.Result
	paused     bool
	inSchedule bool
	fps        float64
	brightness Brightness
	// connected is nil when telemetry is disabled.
	connected *bool
}

// drawRegion draws the vertices and the edges between consecutive vertices.
func drawRegion(img *gocv.Mat, points []image.Point) {
	for _, p := range points {
		gocv.Circle(img, p, 5, red, -1)
	}
	for i := 1; i < len(points); i++ {
		gocv.Line(img, points[i-1], points[i], blue, 2)
	}
}

func drawDetections(img *gocv.Mat, result controller.Result) {
	for i, d := range result.Detections {
		c := green
		if i < len(result.Inside) && result.Inside[i] {
			c = red
		}
		gocv.Rectangle(img, d.Box, c, 2)
		label := fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence)
		gocv.PutText(img, label, d.Box.Min.Sub(image.Pt(10, 10)), gocv.FontHersheySimplex, 0.5, c, 2)
		gocv.Circle(img, d.Centroid(), 5, c, -1)
	}
}

func drawOverlay(img *gocv.Mat, o overlay) {
	drawRegion(img, o.points)
	drawDetections(img, o.result)

	rows := img.Rows()

	switch {
	case o.result.Decision.Mode == alert.Monitoring:
		if o.result.Count > 0 {
			gocv.PutText(img, "ALARM!!!!", image.Pt(10, 50), gocv.FontHersheySimplex, 1, red, 2)
		}
		gocv.PutText(img, fmt.Sprintf("People in area: %d", o.result.Count), image.Pt(10, 80),
			gocv.FontHersheySimplex, 0.7, green, 2)
	case o.paused:
		gocv.PutText(img, "Paused, press 'p' to resume", image.Pt(10, 30), gocv.FontHersheySimplex, 0.45, red, 2)
	case !o.inSchedule:
		gocv.PutText(img, "Outside monitoring schedule", image.Pt(10, 30), gocv.FontHersheySimplex, 0.45, red, 2)
	default:
		gocv.PutText(img, "Define area and press 'd' to start detection", image.Pt(10, 30),
			gocv.FontHersheySimplex, 0.45, red, 2)
	}

	gocv.PutText(img, fmt.Sprintf("FPS: %.2f", o.fps), image.Pt(10, rows-60), gocv.FontHersheySimplex, 0.5, white, 1)
	gocv.PutText(img, fmt.Sprintf("Brightness: %.1f | Mode: %s", o.brightness.Factor, o.brightness.Mode),
		image.Pt(10, rows-30), gocv.FontHersheySimplex, 0.45, white, 1)

	if o.connected != nil {
		status, c := "Disconnected", red
		if *o.connected {
			status, c = "Connected", green
		}
		gocv.PutText(img, "MQTT: "+status, image.Pt(10, rows-10), gocv.FontHersheySimplex, 0.45, c, 1)
	}
}
