package optimization

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	defaultInnerFactor    = 20
	defaultBisectionSteps = 200
	defaultStepTolerance  = 1e-12
	maxBracketDoublings   = 60
)

// DualSolver solves the risk-bounded problem by dualizing the risk constraint.
//
// For a multiplier θ ≥ 0 the subproblem
//
//	minimize w'Σw - θ·μ'w  over {0 ≤ w ≤ u, Σw = 1}
//
// is a convex QP, solved with accelerated projected gradient (FISTA with
// adaptive restart). Its solution traces the efficient frontier from the
// minimum-variance portfolio (θ = 0) towards the return-maximizing vertex
// (θ → ∞); both return and risk are non-decreasing in θ. θ is bisected until
// the risk bound is met, always keeping the feasible end of the bracket.
type DualSolver struct {
	innerFactor    int
	bisectionSteps int
	stepTolerance  float64
}

// NewDualSolver creates the default solver.
func NewDualSolver() *DualSolver {
	return &DualSolver{
		innerFactor:    defaultInnerFactor,
		bisectionSteps: defaultBisectionSteps,
		stepTolerance:  defaultStepTolerance,
	}
}

// Name implements Solver.
func (s *DualSolver) Name() string { return MethodDual }

// Solve implements Solver.
func (s *DualSolver) Solve(ctx context.Context, p Problem) (*Solution, error) {
	vol := func(w []float64) float64 { return portfolioVolatility(w, p.Covariance) }

	vertex := greedyVertex(p.Mean, p.Upper)
	if vol(vertex) <= p.RiskLevel {
		return &Solution{Weights: vertex, Status: "risk bound inactive"}, nil
	}

	lipschitz := 2 * gershgorinBound(p.Covariance)
	if lipschitz <= 0 {
		return &Solution{Weights: vertex, Status: "risk bound inactive"}, nil
	}
	budget := p.MaxIterations
	if budget <= 0 {
		budget = 1000
	}

	qp := &frontierQP{
		mean:    p.Mean,
		cov:     p.Covariance,
		upper:   p.Upper,
		step:    1 / lipschitz,
		maxIter: s.innerFactor * budget,
		tol:     s.stepTolerance,
	}
	total := 0

	minVar, k, err := qp.solve(ctx, 0, p.Initial)
	total += k
	if err != nil {
		return nil, err
	}
	minVol := vol(minVar)
	if minVol > p.RiskLevel+p.Tolerance {
		return nil, fmt.Errorf("%w: risk level %.6g is below the minimum achievable volatility %.6g",
			ErrInfeasibleConstraints, p.RiskLevel, minVol)
	}
	if minVol >= p.RiskLevel {
		return &Solution{Weights: minVar, Iterations: total, Status: "risk bound met by minimum-variance portfolio"}, nil
	}

	// Bracket θ: the solution at lo satisfies the bound, the one at hi does not.
	lo, wLo := 0.0, minVar
	hi := lipschitz / math.Max(floats.Norm(p.Mean, math.Inf(1)), 1e-300)
	bracketed := false
	for i := 0; i < maxBracketDoublings; i++ {
		w, k, err := qp.solve(ctx, hi, wLo)
		total += k
		if err != nil {
			return nil, err
		}
		if vol(w) > p.RiskLevel {
			bracketed = true
			break
		}
		lo, wLo = hi, w
		hi *= 4
	}
	if !bracketed {
		return &Solution{Weights: wLo, Iterations: total, Status: "risk bound not reached along the frontier"}, nil
	}

	for step := 0; step < s.bisectionSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.RiskLevel-vol(wLo) <= 1e-3*p.Tolerance {
			break
		}
		mid := lo + 0.5*(hi-lo)
		if mid <= lo || mid >= hi {
			break
		}
		w, k, err := qp.solve(ctx, mid, wLo)
		total += k
		if err != nil {
			return nil, err
		}
		if vol(w) <= p.RiskLevel {
			lo, wLo = mid, w
		} else {
			hi = mid
		}
	}

	return &Solution{Weights: wLo, Iterations: total, Status: "risk bound active"}, nil
}

// frontierQP is the θ-parametrized subproblem of DualSolver.
type frontierQP struct {
	mean    []float64
	cov     *mat.SymDense
	upper   float64
	step    float64
	maxIter int
	tol     float64
}

func (q *frontierQP) solve(ctx context.Context, theta float64, warm []float64) ([]float64, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	n := len(q.mean)
	x := projectCappedSimplex(nil, warm, q.upper)
	xPrev := make([]float64, n)
	y := append([]float64(nil), x...)
	grad := make([]float64, n)
	trial := make([]float64, n)
	yVec := mat.NewVecDense(n, y)
	gradVec := mat.NewVecDense(n, grad)

	t := 1.0
	for k := 1; k <= q.maxIter; k++ {
		// ∇f(y) = 2Σy - θμ
		gradVec.MulVec(q.cov, yVec)
		for i := range grad {
			grad[i] = 2*grad[i] - theta*q.mean[i]
			trial[i] = y[i] - q.step*grad[i]
		}
		copy(xPrev, x)
		projectCappedSimplex(x, trial, q.upper)

		if maxAbsDiff(x, xPrev) <= q.tol {
			return x, k, nil
		}

		// Restart the momentum when it points uphill.
		var uphill float64
		for i := range x {
			uphill += (y[i] - x[i]) * (x[i] - xPrev[i])
		}
		if uphill > 0 {
			t = 1
		}
		tNext := (1 + math.Sqrt(1+4*t*t)) / 2
		beta := (t - 1) / tNext
		for i := range y {
			y[i] = x[i] + beta*(x[i]-xPrev[i])
		}
		t = tNext

		if k%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, k, err
			}
		}
	}
	return nil, q.maxIter, fmt.Errorf("%w: frontier subproblem (theta=%.3g) still moving after %d iterations",
		ErrOptimizationDidNotConverge, theta, q.maxIter)
}

func maxAbsDiff(a, b []float64) float64 {
	var d float64
	for i := range a {
		d = math.Max(d, math.Abs(a[i]-b[i]))
	}
	return d
}
