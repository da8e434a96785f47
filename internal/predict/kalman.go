package predict

import (
	"math"

	"github.com/banshee-data/trajectory.report/internal/geometry"
)

// Kalman noise defaults, in pixels² per frame.
const (
	DefaultKalmanProcessNoise     = 0.1
	DefaultKalmanMeasurementNoise = 1.0

	kalmanInitialVelocityVar = 100.0
)

// Kalman runs an independent constant-velocity Kalman filter over each
// coordinate of the last N boxes and returns one predict step past the end.
// The filter is rebuilt from the window on every call, so it keeps no state
// between frames.
type Kalman struct {
	N                int
	ProcessNoise     float64
	MeasurementNoise float64
}

// kalman1D is the state of a single coordinate: position, velocity and the
// 2x2 covariance stored row-major.
type kalman1D struct {
	pos, vel float64
	P        [4]float64
}

// Predict implements Predictor.
func (k *Kalman) Predict(history []*geometry.BoundingBox) (geometry.BoundingBox, bool) {
	if k.N < 2 {
		return geometry.BoundingBox{}, false
	}
	boxes, ok := window(history, k.N)
	if !ok {
		return geometry.BoundingBox{}, false
	}
	q, r := k.noise()
	return perCoordinate(boxes, func(ys []float64) (float64, bool) {
		f := kalman1D{
			pos: ys[0],
			vel: ys[1] - ys[0],
			P:   [4]float64{r, 0, 0, kalmanInitialVelocityVar},
		}
		for _, z := range ys[1:] {
			f.predict(q)
			f.update(z, r)
		}
		f.predict(q)
		if math.IsNaN(f.pos) || math.IsInf(f.pos, 0) {
			return 0, false
		}
		return f.pos, true
	})
}

func (k *Kalman) noise() (q, r float64) {
	q, r = k.ProcessNoise, k.MeasurementNoise
	if q == 0 {
		q = DefaultKalmanProcessNoise
	}
	if r == 0 {
		r = DefaultKalmanMeasurementNoise
	}
	return q, r
}

// predict advances one frame with F = [1 1; 0 1] and adds q to the diagonal.
func (f *kalman1D) predict(q float64) {
	f.pos += f.vel

	// P' = F P Fᵀ + Q
	p00, p01, p10, p11 := f.P[0], f.P[1], f.P[2], f.P[3]
	f.P[0] = p00 + p01 + p10 + p11 + q
	f.P[1] = p01 + p11
	f.P[2] = p10 + p11
	f.P[3] = p11 + q
}

// update folds in a position measurement z with variance r.
func (f *kalman1D) update(z, r float64) {
	s := f.P[0] + r
	if s <= 0 {
		return
	}
	k0 := f.P[0] / s
	k1 := f.P[2] / s

	innov := z - f.pos
	f.pos += k0 * innov
	f.vel += k1 * innov

	// P' = (I - K H) P
	p00, p01, p10, p11 := f.P[0], f.P[1], f.P[2], f.P[3]
	f.P[0] = (1 - k0) * p00
	f.P[1] = (1 - k0) * p01
	f.P[2] = p10 - k1*p00
	f.P[3] = p11 - k1*p01
}
