package optimization

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
)

// Portfolio is an optimal allocation plus the diagnostics of the solve that
// produced it.
type Portfolio struct {
	Weights        WeightVector
	ExpectedReturn float64
	Volatility     float64
	Method         string
	Iterations     int
	Status         string
	// ConditionNumber of the covariance handed to the solver.
	ConditionNumber float64
	// Ridge added to the covariance diagonal; 0 when it was used unchanged.
	Ridge float64
}

// Regularized reports whether the covariance had to be regularized.
func (p *Portfolio) Regularized() bool { return p.Ridge > 0 }

// MVOptimizer performs risk-bounded mean-variance optimization.
//
// Mathematical formulation:
//   - maximize μ'w
//   - Σw = 1 (weights sum to 1)
//   - 0 ≤ w_i ≤ max_weight
//   - sqrt(w'Σw) ≤ risk_level
type MVOptimizer struct {
	solver             Solver
	tolerance          float64
	maxIterations      int
	conditionThreshold float64
	policy             ConditioningPolicy
	log                zerolog.Logger
}

// NewMVOptimizer creates an optimizer using the solver named by opts.Method.
func NewMVOptimizer(opts Options, log zerolog.Logger) (*MVOptimizer, error) {
	solver, err := NewSolver(opts.Method)
	if err != nil {
		return nil, err
	}
	return NewMVOptimizerWithSolver(solver, opts, log), nil
}

// NewMVOptimizerWithSolver creates an optimizer around an explicit solver.
func NewMVOptimizerWithSolver(solver Solver, opts Options, log zerolog.Logger) *MVOptimizer {
	opts = opts.withDefaults()
	return &MVOptimizer{
		solver:             solver,
		tolerance:          opts.Tolerance,
		maxIterations:      opts.MaxIterations,
		conditionThreshold: opts.ConditionThreshold,
		policy:             opts.Policy,
		log:                log.With().Str("component", "mv_optimizer").Logger(),
	}
}

// Method returns the name of the configured solver.
func (mvo *MVOptimizer) Method() string { return mvo.solver.Name() }

// Optimize solves the problem defined by stats and cons. The returned weights
// satisfy every constraint within the configured tolerance, checked against the
// original (unregularized) covariance.
func (mvo *MVOptimizer) Optimize(ctx context.Context, stats *Statistics, cons Constraints) (*Portfolio, error) {
	n := stats.NumAssets()
	if n != cons.NumAssets {
		return nil, fmt.Errorf("constraints built for %d assets, statistics have %d", cons.NumAssets, n)
	}

	cov, report, err := conditionCovariance(stats.Covariance, mvo.conditionThreshold, mvo.policy)
	if err != nil {
		return nil, err
	}
	if report.Ridge > 0 {
		mvo.log.Warn().
			Float64("ridge", report.Ridge).
			Float64("condition_number", report.ConditionNumber).
			Msg("Covariance matrix is ill-conditioned, applying ridge")
	}

	sol, err := mvo.solver.Solve(ctx, Problem{
		Mean:          stats.Mean,
		Covariance:    cov,
		Upper:         cons.MaxWeight,
		RiskLevel:     cons.RiskLevel,
		Initial:       equalWeightGuess(n, cons.MaxWeight),
		Tolerance:     mvo.tolerance,
		MaxIterations: mvo.maxIterations,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInfeasibleConstraints),
			errors.Is(err, ErrOptimizationDidNotConverge),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrOptimizationDidNotConverge, err)
		}
	}

	weights, err := mvo.finalize(sol.Weights, cons)
	if err != nil {
		return nil, err
	}
	if err := cons.Check(weights, stats.Covariance, mvo.tolerance); err != nil {
		return nil, fmt.Errorf("%w: solver result violates constraints: %v", ErrOptimizationDidNotConverge, err)
	}

	return &Portfolio{
		Weights:         NewWeightVector(stats.Tickers, weights),
		ExpectedReturn:  floats.Dot(stats.Mean, weights),
		Volatility:      portfolioVolatility(weights, stats.Covariance),
		Method:          mvo.solver.Name(),
		Iterations:      sol.Iterations,
		Status:          sol.Status,
		ConditionNumber: report.ConditionNumber,
		Ridge:           report.Ridge,
	}, nil
}

// finalize clamps weights that sit within tolerance outside the box and
// renormalizes. Anything further out is a solver failure.
func (mvo *MVOptimizer) finalize(raw []float64, cons Constraints) ([]float64, error) {
	if len(raw) != cons.NumAssets {
		return nil, fmt.Errorf("%w: solver returned %d weights for %d assets",
			ErrOptimizationDidNotConverge, len(raw), cons.NumAssets)
	}
	w := make([]float64, len(raw))
	for i, v := range raw {
		if math.IsNaN(v) || v < -mvo.tolerance || v > cons.MaxWeight+mvo.tolerance {
			return nil, fmt.Errorf("%w: weight %d = %g outside [0, %g]",
				ErrOptimizationDidNotConverge, i, v, cons.MaxWeight)
		}
		w[i] = clip(v, 0, cons.MaxWeight)
	}

	sum := floats.Sum(w)
	if math.Abs(sum-1) > mvo.tolerance {
		return nil, fmt.Errorf("%w: weights sum to %.10f", ErrOptimizationDidNotConverge, sum)
	}
	floats.Scale(1/sum, w)
	for i := range w {
		w[i] = clip(w[i], 0, cons.MaxWeight)
	}
	return w, nil
}
