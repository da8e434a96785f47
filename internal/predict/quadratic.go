package predict

import "github.com/banshee-data/trajectory.report/internal/geometry"

// Quadratic fits a degree-2 polynomial per coordinate over the last N boxes
// and evaluates it one frame ahead.
type Quadratic struct {
	N int
}

// Predict implements Predictor.
func (q *Quadratic) Predict(history []*geometry.BoundingBox) (geometry.BoundingBox, bool) {
	if q.N < 3 {
		return geometry.BoundingBox{}, false
	}
	boxes, ok := window(history, q.N)
	if !ok {
		return geometry.BoundingBox{}, false
	}
	xs := offsets(q.N)
	return perCoordinate(boxes, func(ys []float64) (float64, bool) {
		a, b, c, ok := fitQuadratic(xs, ys, nil)
		if !ok {
			return 0, false
		}
		return evalQuadratic(a, b, c, 1), true
	})
}
