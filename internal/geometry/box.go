package geometry

import (
	"fmt"
	"math"
)

// BoundingBox is an axis-aligned box in image coordinates.
// Invariant: X2 >= X1 and Y2 >= Y1. Zero-area boxes are allowed.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// NewBoundingBox builds a box from two corners, swapping coordinates where
// needed so the invariant holds.
func NewBoundingBox(x1, y1, x2, y2 float64) BoundingBox {
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if y2 < y1 {
		y1, y2 = y2, y1
	}
	return BoundingBox{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

// FromXYWH converts a top-left/size box into corner form.
func FromXYWH(x, y, w, h float64) BoundingBox {
	return NewBoundingBox(x, y, x+w, y+h)
}

// FromSlice reads [x1, y1, x2, y2]. It fails on any other length.
func FromSlice(v []float64) (BoundingBox, error) {
	if len(v) != 4 {
		return BoundingBox{}, fmt.Errorf("bounding box needs 4 coordinates, got %d", len(v))
	}
	return NewBoundingBox(v[0], v[1], v[2], v[3]), nil
}

// Slice returns the coordinates as [x1, y1, x2, y2].
func (b BoundingBox) Slice() []float64 {
	return []float64{b.X1, b.Y1, b.X2, b.Y2}
}

// Coord returns coordinate i in x1, y1, x2, y2 order.
func (b BoundingBox) Coord(i int) float64 {
	switch i {
	case 0:
		return b.X1
	case 1:
		return b.Y1
	case 2:
		return b.X2
	default:
		return b.Y2
	}
}

// FromCoords is the inverse of Coord. The result is canonicalised, so a
// fitted box whose corners crossed comes back valid.
func FromCoords(c [4]float64) BoundingBox {
	return NewBoundingBox(c[0], c[1], c[2], c[3])
}

// Width of the box.
func (b BoundingBox) Width() float64 { return b.X2 - b.X1 }

// Height of the box.
func (b BoundingBox) Height() float64 { return b.Y2 - b.Y1 }

// Area of the box; zero for degenerate boxes.
func (b BoundingBox) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Center returns the box centre point.
func (b BoundingBox) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Valid reports whether the coordinate invariant holds and every coordinate
// is finite.
func (b BoundingBox) Valid() bool {
	for i := 0; i < 4; i++ {
		v := b.Coord(i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.X2 >= b.X1 && b.Y2 >= b.Y1
}

// Intersect returns the overlapping region, or false when the boxes do not
// overlap with positive area.
func (b BoundingBox) Intersect(o BoundingBox) (BoundingBox, bool) {
	ix1 := math.Max(b.X1, o.X1)
	iy1 := math.Max(b.Y1, o.Y1)
	ix2 := math.Min(b.X2, o.X2)
	iy2 := math.Min(b.Y2, o.Y2)
	if ix2 <= ix1 || iy2 <= iy1 {
		return BoundingBox{}, false
	}
	return BoundingBox{X1: ix1, Y1: iy1, X2: ix2, Y2: iy2}, true
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("[%.2f, %.2f, %.2f, %.2f]", b.X1, b.Y1, b.X2, b.Y2)
}

// Ptr returns a pointer to a copy of b. Handy where nil means "absent".
func (b BoundingBox) Ptr() *BoundingBox {
	return &b
}
