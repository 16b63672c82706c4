// Package images - geometry helpers shared by the detector and the region tracker.
package images

import (
	"image"

	"github.com/pkg/errors"
)

// ErrInvalidRegion is returned when a polygon has fewer than three distinct vertices.
var ErrInvalidRegion = errors.New("region needs at least 3 distinct vertices")

// Rect is a lightweight bounding box.
type Rect struct {
	// X2,Y2 are exclusive (like image.Rectangle).
	X1, Y1, X2, Y2 int
}

// RectFrom converts an image.Rectangle into a Rect.
func RectFrom(r image.Rectangle) Rect {
	return Rect{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}
}

// Rectangle returns the box as an image.Rectangle.
func (r Rect) Rectangle() image.Rectangle {
	return image.Rect(r.X1, r.Y1, r.X2, r.Y2)
}

// CalculateIoU returns the intersection over union of two boxes.
//
// The intersection is bounded by the larger of the two top-left corners and the
// smaller of the two bottom-right corners. Boxes that only touch, or do not
// overlap at all, score 0.
//
// Arguments:
//   - r: The first rectangle.
//   - o: The rectangle to compare against.
//
// Returns:
//   - float32: A value in [0, 1].
//
// @example
//
//	a := Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}
//	b := Rect{X1: 5, Y1: 5, X2: 15, Y2: 15}
//	CalculateIoU(a, b) // 25 / 175 = 0.142857
func CalculateIoU(r, o Rect) float32 {
	ix1 := max(r.X1, o.X1)
	iy1 := max(r.Y1, o.Y1)
	ix2 := min(r.X2, o.X2)
	iy2 := min(r.Y2, o.Y2)

	interW := ix2 - ix1
	interH := iy2 - iy1
	if interW <= 0 || interH <= 0 {
		return 0.0
	}
	interArea := interW * interH

	areaR := (r.X2 - r.X1) * (r.Y2 - r.Y1)
	areaO := (o.X2 - o.X1) * (o.Y2 - o.Y1)
	unionArea := areaR + areaO - interArea
	if unionArea <= 0 {
		return 0.0
	}

	return float32(interArea) / float32(unionArea)
}

// DistinctVertices counts the unique vertices of a polygon, so a closing vertex
// equal to the first one is not counted twice.
func DistinctVertices(polygon []image.Point) int {
	seen := make(map[image.Point]struct{}, len(polygon))
	for _, p := range polygon {
		seen[p] = struct{}{}
	}
	return len(seen)
}

// IsInside reports whether p lies inside polygon using even-odd ray casting.
//
// The polygon may be open or closed (last vertex equal to the first) and wound
// in either direction. Points exactly on an edge may be reported either way.
//
// Arguments:
//   - polygon: Vertices in drawing order.
//   - p: The point to test.
//
// Returns:
//   - bool: True when p is inside.
//   - error: ErrInvalidRegion when the polygon has fewer than 3 distinct vertices.
func IsInside(polygon []image.Point, p image.Point) (bool, error) {
	if DistinctVertices(polygon) < 3 {
		return false, ErrInvalidRegion
	}

	n := len(polygon)
	if polygon[0] == polygon[n-1] {
		n--
	}

	inside := false
	px, py := float64(p.X), float64(p.Y)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := float64(polygon[i].X), float64(polygon[i].Y)
		xj, yj := float64(polygon[j].X), float64(polygon[j].Y)

		if (yi > py) != (yj > py) {
			cross := (xj-xi)*(py-yi)/(yj-yi) + xi
			if px < cross {
				inside = !inside
			}
		}
	}

	return inside, nil
}
