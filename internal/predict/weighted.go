package predict

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/trajectory.report/internal/geometry"
)

// IQRFactor scales the interquartile range when fencing outliers.
const IQRFactor = 1.5

// minSurvivors is the number of inlier points a quadratic fit needs.
const minSurvivors = 3

// WeightedQuadratic drops per-coordinate outliers outside the Tukey fences,
// then fits a quadratic to the survivors with weights rising linearly from
// 1.0 (oldest) to 2.0 (newest).
type WeightedQuadratic struct {
	N int
}

// Predict implements Predictor.
func (w *WeightedQuadratic) Predict(history []*geometry.BoundingBox) (geometry.BoundingBox, bool) {
	if w.N < 3 {
		return geometry.BoundingBox{}, false
	}
	boxes, ok := window(history, w.N)
	if !ok {
		return geometry.BoundingBox{}, false
	}
	xs := offsets(w.N)
	return perCoordinate(boxes, func(ys []float64) (float64, bool) {
		keepX, keepY := rejectOutliers(xs, ys)
		if len(keepY) < minSurvivors {
			return 0, false
		}
		a, b, c, ok := fitQuadratic(keepX, keepY, rampWeights(len(keepY)))
		if !ok {
			return 0, false
		}
		return evalQuadratic(a, b, c, 1), true
	})
}

// fences returns the Tukey outlier bounds of ys.
func fences(ys []float64) (lo, hi float64) {
	sorted := append([]float64(nil), ys...)
	sort.Float64s(sorted)
	q1 := stat.Quantile(0.25, stat.LinInterp, sorted, nil)
	q3 := stat.Quantile(0.75, stat.LinInterp, sorted, nil)
	iqr := q3 - q1
	return q1 - IQRFactor*iqr, q3 + IQRFactor*iqr
}

// rejectOutliers keeps the (x, y) pairs whose y lies inside the fences,
// preserving order.
func rejectOutliers(xs, ys []float64) (keepX, keepY []float64) {
	lo, hi := fences(ys)
	for i, y := range ys {
		if y >= lo && y <= hi {
			keepX = append(keepX, xs[i])
			keepY = append(keepY, y)
		}
	}
	return keepX, keepY
}

// rampWeights returns n weights spaced evenly from 1.0 to 2.0.
func rampWeights(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 1 + float64(i)/float64(n-1)
	}
	return w
}
