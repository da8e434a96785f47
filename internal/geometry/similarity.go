package geometry

import "math"

// AspectEpsilon guards the aspect-ratio denominator for zero-height boxes.
const AspectEpsilon = 1e-5

// IoU returns intersection over union of a and b in [0, 1].
// ok is false when either box is absent; a zero union yields (0, true).
func IoU(a, b *BoundingBox) (iou float64, ok bool) {
	if a == nil || b == nil {
		return 0, false
	}
	var inter float64
	if overlap, hit := a.Intersect(*b); hit {
		inter = overlap.Area()
	}
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0, true
	}
	return clampUnit(inter / union), true
}

// AreaRatio returns min(area)/max(area) in [0, 1].
// ok is false when either box is absent; a zero denominator yields (0, true).
func AreaRatio(a, b *BoundingBox) (ratio float64, ok bool) {
	if a == nil || b == nil {
		return 0, false
	}
	return minOverMax(a.Area(), b.Area()), true
}

// AspectRatioSimilarity compares width/max(height, AspectEpsilon) of both
// boxes as min/max in [0, 1]. ok is false when either box is absent.
func AspectRatioSimilarity(a, b *BoundingBox) (similarity float64, ok bool) {
	if a == nil || b == nil {
		return 0, false
	}
	return minOverMax(aspect(*a), aspect(*b)), true
}

func aspect(b BoundingBox) float64 {
	return b.Width() / math.Max(b.Height(), AspectEpsilon)
}

func minOverMax(x, y float64) float64 {
	hi := math.Max(x, y)
	if hi <= 0 || math.IsNaN(hi) {
		return 0
	}
	return clampUnit(math.Min(x, y) / hi)
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
