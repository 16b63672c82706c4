// Package postprocess - Postprocessing utilities for detector outputs.
package postprocess

import "github.com/nvr-ai/intrusion-warning/images"

// Result represents a single detection result.
type Result struct {
	// The bounding box of the result in frame pixels.
	Box images.Rect
	// The confidence score of the result.
	Score float32
	// The predicted class index of the result.
	Class int
}
