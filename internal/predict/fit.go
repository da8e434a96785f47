package predict

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// fitQuadratic solves the least-squares problem for y = a·x² + b·x + c. When
// w is non-nil each residual is scaled by its weight before squaring.
// It reports false if the system is rank deficient.
func fitQuadratic(xs, ys, w []float64) (a, b, c float64, ok bool) {
	n := len(xs)
	if n < 3 || len(ys) != n || (w != nil && len(w) != n) {
		return 0, 0, 0, false
	}
	design := mat.NewDense(n, 3, nil)
	rhs := mat.NewVecDense(n, nil)
	for i, x := range xs {
		scale := 1.0
		if w != nil {
			scale = w[i]
		}
		design.Set(i, 0, scale*x*x)
		design.Set(i, 1, scale*x)
		design.Set(i, 2, scale)
		rhs.SetVec(i, scale*ys[i])
	}

	var coef mat.VecDense
	if err := coef.SolveVec(design, rhs); err != nil {
		return 0, 0, 0, false
	}
	a, b, c = coef.AtVec(0), coef.AtVec(1), coef.AtVec(2)
	if math.IsNaN(a) || math.IsNaN(b) || math.IsNaN(c) {
		return 0, 0, 0, false
	}
	return a, b, c, true
}

func evalQuadratic(a, b, c, x float64) float64 {
	return a*x*x + b*x + c
}
