package additive

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// initialNoiseVar is the observation variance (in scaled units) assumed
// for the first pass before it is re-estimated from residuals.
const initialNoiseVar = 0.01

// solveMAP returns the posterior mode of β for y = Xβ + ε with
// ε ~ N(0, σ²) and β_j ~ N(0, 1/precision_j), i.e. the solution of
// (XᵀX + σ²·diag(precision)) β = Xᵀy. σ² starts at initialNoiseVar and is
// re-estimated once from the first-pass residuals.
func solveMAP(x *mat.Dense, y []float64, precision []float64) ([]float64, float64, error) {
	n, p := x.Dims()
	if len(y) != n || len(precision) != p {
		return nil, 0, fmt.Errorf("additive: dimension mismatch (%d rows, %d targets, %d columns, %d priors)", n, len(y), p, len(precision))
	}
	yv := mat.NewVecDense(n, y)

	var xtx mat.SymDense
	xtx.SymOuterK(1, x.T())
	var xty mat.VecDense
	xty.MulVec(x.T(), yv)

	sigma2 := initialNoiseVar
	var beta *mat.VecDense
	for pass := 0; pass < 2; pass++ {
		a := mat.NewSymDense(p, nil)
		a.CopySym(&xtx)
		for j := 0; j < p; j++ {
			a.SetSym(j, j, a.At(j, j)+sigma2*precision[j])
		}

		b, err := solveSym(a, &xty)
		if err != nil {
			return nil, 0, err
		}
		beta = b

		var fit mat.VecDense
		fit.MulVec(x, beta)
		var rss float64
		for i := 0; i < n; i++ {
			r := y[i] - fit.AtVec(i)
			rss += r * r
		}
		sigma2 = math.Max(rss/float64(n), 1e-10)
	}

	out := make([]float64, p)
	for j := range out {
		out[j] = beta.AtVec(j)
	}
	return out, math.Sqrt(sigma2), nil
}

// solveSym solves a·x = b for symmetric positive definite a, falling back
// to LU when the Cholesky factorization fails numerically.
func solveSym(a *mat.SymDense, b *mat.VecDense) (*mat.VecDense, error) {
	var chol mat.Cholesky
	if chol.Factorize(a) {
		var x mat.VecDense
		if err := chol.SolveVecTo(&x, b); err == nil {
			return &x, nil
		}
	}

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("additive: solve normal equations: %w", err)
		}
	}
	return &x, nil
}
