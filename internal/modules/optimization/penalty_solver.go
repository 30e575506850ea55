package optimization

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// penaltySchedule is the sequence of risk penalty weights, each stage warm
// started from the previous one.
var penaltySchedule = []float64{1e2, 1e4, 1e6, 1e8}

// PenaltySolver maximizes return with gonum/optimize on a projected objective:
// the free variable x is mapped onto the capped simplex, and the risk bound
// enters as a quadratic penalty on the relative violation. Whatever violation
// remains after the last stage is repaired by moving towards the
// minimum-variance portfolio along a straight line, on which volatility is
// convex. The first stage starts from that portfolio.
type PenaltySolver struct {
	schedule []float64
	// converged statuses accepted from gonum/optimize
	accepted map[optimize.Status]bool
	// budget statuses whose best point is still usable
	budgeted map[optimize.Status]bool
}

// NewPenaltySolver creates the alternate solver.
func NewPenaltySolver() *PenaltySolver {
	return &PenaltySolver{
		schedule: penaltySchedule,
		accepted: map[optimize.Status]bool{
			optimize.Success:             true,
			optimize.GradientThreshold:   true,
			optimize.FunctionConvergence: true,
		},
		budgeted: map[optimize.Status]bool{
			optimize.IterationLimit:          true,
			optimize.FunctionEvaluationLimit: true,
		},
	}
}

// Name implements Solver.
func (s *PenaltySolver) Name() string { return MethodPenalty }

// Solve implements Solver.
func (s *PenaltySolver) Solve(ctx context.Context, p Problem) (*Solution, error) {
	n := len(p.Mean)
	vol := func(w []float64) float64 { return portfolioVolatility(w, p.Covariance) }

	vertex := greedyVertex(p.Mean, p.Upper)
	if vol(vertex) <= p.RiskLevel {
		return &Solution{Weights: vertex, Status: "risk bound inactive"}, nil
	}

	budget := p.MaxIterations
	if budget <= 0 {
		budget = 1000
	}

	// The minimum-variance portfolio decides feasibility and anchors the repair.
	minVar := p.Initial
	total := 0
	if lipschitz := 2 * gershgorinBound(p.Covariance); lipschitz > 0 {
		qp := &frontierQP{
			mean:    p.Mean,
			cov:     p.Covariance,
			upper:   p.Upper,
			step:    1 / lipschitz,
			maxIter: defaultInnerFactor * budget,
			tol:     defaultStepTolerance,
		}
		w, k, err := qp.solve(ctx, 0, p.Initial)
		total += k
		if err != nil {
			return nil, err
		}
		minVar = w
	}
	if minVol := vol(minVar); minVol > p.RiskLevel+p.Tolerance {
		return nil, fmt.Errorf("%w: risk level %.6g is below the minimum achievable volatility %.6g",
			ErrInfeasibleConstraints, p.RiskLevel, minVol)
	}

	scale := floats.Norm(p.Mean, math.Inf(1))
	if scale == 0 {
		scale = 1
	}

	x := append([]float64(nil), minVar...)
	for _, rho := range s.schedule {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		penalty := rho
		objective := func(x []float64) float64 {
			w := projectCappedSimplex(make([]float64, n), x, p.Upper)
			obj := -floats.Dot(p.Mean, w) / scale
			if excess := vol(w)/p.RiskLevel - 1; excess > 0 {
				obj += penalty * excess * excess
			}
			return obj
		}

		result, err := s.minimizeStage(objective, x, budget)
		if err != nil {
			return nil, err
		}
		total += result.Stats.MajorIterations
		x = result.X
	}

	final := projectCappedSimplex(nil, x, p.Upper)
	if vol(final) > p.RiskLevel {
		final = repairTowards(final, minVar, p.RiskLevel, vol)
	}
	if floats.Dot(p.Mean, final) < floats.Dot(p.Mean, minVar) {
		final = minVar
	}

	cons := Constraints{NumAssets: n, RiskLevel: p.RiskLevel, MaxWeight: p.Upper}
	if err := cons.Check(final, p.Covariance, p.Tolerance); err != nil {
		return nil, fmt.Errorf("%w: penalty result after %d iterations: %v",
			ErrOptimizationDidNotConverge, total, err)
	}
	return &Solution{Weights: final, Iterations: total, Status: "penalty converged"}, nil
}

// minimizeStage runs NelderMead from x and retries with BFGS on a
// finite-difference gradient when NelderMead stops without converging. A
// stage that only runs out of budget still hands back its best point; the
// caller validates the final portfolio.
func (s *PenaltySolver) minimizeStage(f func([]float64) float64, x []float64, budget int) (*optimize.Result, error) {
	settings := &optimize.Settings{
		MajorIterations: budget,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Iterations: 100,
		},
	}

	result, err := optimize.Minimize(optimize.Problem{Func: f}, x, settings, &optimize.NelderMead{})
	if err != nil && result == nil {
		return nil, fmt.Errorf("%w: %v", ErrOptimizationDidNotConverge, err)
	}
	if s.accepted[result.Status] {
		return result, nil
	}

	// Try with a gradient method
	problem := optimize.Problem{
		Func: f,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, f, x, nil)
		},
	}
	retry, err := optimize.Minimize(problem, result.X, settings, &optimize.BFGS{})
	if err == nil && retry != nil && retry.F <= result.F {
		retry.Stats.MajorIterations += result.Stats.MajorIterations
		return retry, nil
	}

	if !s.budgeted[result.Status] {
		return nil, fmt.Errorf("%w: status=%v after %d iterations",
			ErrOptimizationDidNotConverge, result.Status, result.Stats.MajorIterations)
	}
	return result, nil
}

// repairTowards returns the point of the segment w -> anchor closest to w whose
// volatility is within bound. anchor itself must satisfy the bound.
func repairTowards(w, anchor []float64, bound float64, vol func([]float64) float64) []float64 {
	blend := func(lambda float64) []float64 {
		out := make([]float64, len(w))
		for i := range w {
			out[i] = (1-lambda)*w[i] + lambda*anchor[i]
		}
		return out
	}
	lo, hi := 0.0, 1.0
	for iter := 0; iter < 100; iter++ {
		mid := 0.5 * (lo + hi)
		if vol(blend(mid)) <= bound {
			hi = mid
		} else {
			lo = mid
		}
	}
	return blend(hi)
}
