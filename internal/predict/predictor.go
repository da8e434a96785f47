// Package predict estimates a track's next-frame bounding box from its recent
// history.
//
// Every strategy looks at the last N entries of a history. If fewer than N
// entries exist, or any of them is a gap, the strategy declines to predict.
package predict

import (
	"errors"
	"fmt"
	"strings"

	"github.com/banshee-data/trajectory.report/internal/geometry"
)

// ErrUnknownStrategy is returned for a strategy name outside the Kind enum.
var ErrUnknownStrategy = errors.New("unknown prediction strategy")

// Predictor produces a next-frame box for one track. The boolean is false
// when no prediction can be made.
type Predictor interface {
	Predict(history []*geometry.BoundingBox) (geometry.BoundingBox, bool)
}

// Kind names a prediction strategy.
type Kind string

const (
	KindLinear            Kind = "linear"
	KindQuadratic         Kind = "quadratic"
	KindWeightedQuadratic Kind = "weighted_quadratic"
	KindKalman            Kind = "kalman"
)

// Kinds lists every supported strategy in a stable order.
var Kinds = []Kind{KindLinear, KindQuadratic, KindWeightedQuadratic, KindKalman}

// Default window sizes per strategy.
const (
	DefaultLinearWindow    = 4
	DefaultQuadraticWindow = 10
	DefaultWeightedWindow  = 10
	DefaultKalmanWindow    = 5
)

// ParseKind resolves a strategy name. Matching ignores case and surrounding
// whitespace.
func ParseKind(name string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}

// minWindow is the smallest N the strategy can work with.
func (k Kind) minWindow() int {
	switch k {
	case KindQuadratic, KindWeightedQuadratic:
		return 3
	default:
		return 2
	}
}

func (k Kind) defaultWindow() int {
	switch k {
	case KindLinear:
		return DefaultLinearWindow
	case KindQuadratic:
		return DefaultQuadraticWindow
	case KindWeightedQuadratic:
		return DefaultWeightedWindow
	case KindKalman:
		return DefaultKalmanWindow
	}
	return 0
}

// Config selects and parameterises a strategy. A zero Window picks the
// strategy default; zero Kalman noise values pick the Kalman defaults.
type Config struct {
	Kind   Kind
	Window int

	ProcessNoise     float64 // kalman only
	MeasurementNoise float64 // kalman only
}

// New resolves cfg into a Predictor. It is intended to run once at startup.
func New(cfg Config) (Predictor, error) {
	kind, err := ParseKind(string(cfg.Kind))
	if err != nil {
		return nil, err
	}
	n := cfg.Window
	if n == 0 {
		n = kind.defaultWindow()
	}
	if n < kind.minWindow() {
		return nil, fmt.Errorf("%s window must be >= %d, got %d", kind, kind.minWindow(), n)
	}

	switch kind {
	case KindLinear:
		return &Linear{N: n}, nil
	case KindQuadratic:
		return &Quadratic{N: n}, nil
	case KindWeightedQuadratic:
		return &WeightedQuadratic{N: n}, nil
	case KindKalman:
		k := &Kalman{N: n, ProcessNoise: cfg.ProcessNoise, MeasurementNoise: cfg.MeasurementNoise}
		if k.ProcessNoise < 0 || k.MeasurementNoise < 0 {
			return nil, fmt.Errorf("kalman noise must be non-negative")
		}
		return k, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, cfg.Kind)
}

// window returns the last n boxes of history, or false if there are fewer
// than n or any of them is a gap.
func window(history []*geometry.BoundingBox, n int) ([]geometry.BoundingBox, bool) {
	if n <= 0 || len(history) < n {
		return nil, false
	}
	tail := history[len(history)-n:]
	out := make([]geometry.BoundingBox, n)
	for i, b := range tail {
		if b == nil {
			return nil, false
		}
		out[i] = *b
	}
	return out, true
}

// column extracts coordinate k (0..3) from every box.
func column(boxes []geometry.BoundingBox, k int) []float64 {
	out := make([]float64, len(boxes))
	for i := range boxes {
		out[i] = boxes[i].Coord(k)
	}
	return out
}

// offsets returns the frame indices -(n-1)..0 used as the fit abscissa.
func offsets(n int) []float64 {
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i - (n - 1))
	}
	return xs
}

// perCoordinate runs fn on each of the four coordinate series and assembles
// the results. Any coordinate failing fails the whole prediction.
func perCoordinate(boxes []geometry.BoundingBox, fn func(ys []float64) (float64, bool)) (geometry.BoundingBox, bool) {
	var c [4]float64
	for k := 0; k < 4; k++ {
		v, ok := fn(column(boxes, k))
		if !ok {
			return geometry.BoundingBox{}, false
		}
		c[k] = v
	}
	return geometry.FromCoords(c), true
}
