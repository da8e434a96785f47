package predict

import "github.com/banshee-data/trajectory.report/internal/geometry"

// Linear extrapolates with the mean frame-to-frame displacement over the last
// N boxes.
type Linear struct {
	N int
}

// Predict implements Predictor.
func (l *Linear) Predict(history []*geometry.BoundingBox) (geometry.BoundingBox, bool) {
	if l.N < 2 {
		return geometry.BoundingBox{}, false
	}
	boxes, ok := window(history, l.N)
	if !ok {
		return geometry.BoundingBox{}, false
	}
	return perCoordinate(boxes, func(ys []float64) (float64, bool) {
		var sum float64
		for i := 1; i < len(ys); i++ {
			sum += ys[i] - ys[i-1]
		}
		return ys[len(ys)-1] + sum/float64(len(ys)-1), true
	})
}
