// Package region tracks the operator-drawn polygon that defines the protected area.
package region

import (
	"image"

	"github.com/pkg/errors"

	"github.com/nvr-ai/intrusion-warning/images"
)

var (
	// ErrInsufficientPoints is returned when finalizing a region with fewer than three points.
	ErrInsufficientPoints = errors.New("region needs at least 3 points")
	// ErrNotFinalized is returned when testing containment before the region is closed.
	ErrNotFinalized = errors.New("region is not finalized")
	// ErrAlreadyFinalized is returned when editing a region that has been closed.
	ErrAlreadyFinalized = errors.New("region is already finalized")
)

// Tracker holds the region vertices and whether the region has been closed.
//
// A Tracker is owned by the frame loop and is not safe for concurrent use.
type Tracker struct {
	points    []image.Point
	finalized bool
}

// New returns an empty, open region.
func New() *Tracker {
	return &Tracker{}
}

// AddPoint appends a vertex to an open region.
func (t *Tracker) AddPoint(p image.Point) error {
	if t.finalized {
		return ErrAlreadyFinalized
	}
	t.points = append(t.points, p)
	return nil
}

// Finalize closes the polygon by repeating the first vertex.
//
// Returns:
//   - error: ErrInsufficientPoints with fewer than 3 points, ErrAlreadyFinalized
//     when already closed. The region is unchanged on error.
func (t *Tracker) Finalize() error {
	if t.finalized {
		return ErrAlreadyFinalized
	}
	if len(t.points) < 3 {
		return errors.Wrapf(ErrInsufficientPoints, "have %d", len(t.points))
	}
	if images.DistinctVertices(t.points) < 3 {
		return errors.Wrap(ErrInsufficientPoints, "points are not distinct")
	}
	t.points = append(t.points, t.points[0])
	t.finalized = true
	return nil
}

// Reset clears all vertices and reopens the region.
func (t *Tracker) Reset() {
	t.points = nil
	t.finalized = false
}

// IsFinalized reports whether the region is closed.
func (t *Tracker) IsFinalized() bool {
	return t.finalized
}

// Len returns the number of vertices, including the closing vertex once finalized.
func (t *Tracker) Len() int {
	return len(t.points)
}

// Points returns a copy of the vertices for rendering.
func (t *Tracker) Points() []image.Point {
	out := make([]image.Point, len(t.points))
	copy(out, t.points)
	return out
}

// Contains reports whether p lies inside the finalized region.
func (t *Tracker) Contains(p image.Point) (bool, error) {
	if !t.finalized {
		return false, ErrNotFinalized
	}
	return images.IsInside(t.points, p)
}

// CountInside returns how many of the given points fall inside the region,
// along with a per-point flag. Each point counts once; there is no identity
// across frames.
func (t *Tracker) CountInside(points []image.Point) (int, []bool, error) {
	if !t.finalized {
		return 0, nil, ErrNotFinalized
	}
	count := 0
	inside := make([]bool, len(points))
	for i, p := range points {
		in, err := images.IsInside(t.points, p)
		if err != nil {
			return 0, nil, err
		}
		inside[i] = in
		if in {
			count++
		}
	}
	return count, inside, nil
}
