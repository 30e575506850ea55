// Package optimization implements the constrained mean-variance engine:
// statistics estimation, constraint construction and the risk-bounded solve.
package optimization

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// feasibilitySlack absorbs representation error in max_weight * N, e.g. 1/3 * 3.
const feasibilitySlack = 1e-12

// Constraints is the formal constraint set of one request:
//   - Σw = 1
//   - 0 ≤ w_i ≤ MaxWeight
//   - sqrt(w'Σw) ≤ RiskLevel
type Constraints struct {
	NumAssets int
	RiskLevel float64
	MaxWeight float64
}

// ConstraintsBuilder translates request parameters into optimization constraints.
type ConstraintsBuilder struct {
	log zerolog.Logger
}

// NewConstraintsBuilder creates a new constraints builder.
func NewConstraintsBuilder(log zerolog.Logger) *ConstraintsBuilder {
	return &ConstraintsBuilder{
		log: log.With().Str("component", "constraints").Logger(),
	}
}

// BuildConstraints validates the parameters and rejects structurally
// infeasible requests (max_weight * N < 1) before any solver runs.
func (cb *ConstraintsBuilder) BuildConstraints(numAssets int, riskLevel, maxWeight float64) (Constraints, error) {
	if numAssets < 1 {
		return Constraints{}, fmt.Errorf("%w: no assets to allocate", ErrInsufficientData)
	}
	if math.IsNaN(riskLevel) || math.IsInf(riskLevel, 0) || riskLevel <= 0 {
		return Constraints{}, fmt.Errorf("%w: risk level must be a positive finite number, got %g", ErrInvalidParameter, riskLevel)
	}
	if math.IsNaN(maxWeight) || maxWeight <= 0 || maxWeight > 1 {
		return Constraints{}, fmt.Errorf("%w: max weight must be in (0, 1], got %g", ErrInvalidParameter, maxWeight)
	}

	capacity := maxWeight * float64(numAssets)
	if capacity < 1-feasibilitySlack {
		cb.log.Debug().
			Int("num_assets", numAssets).
			Float64("max_weight", maxWeight).
			Msg("Rejecting structurally infeasible weight cap")
		return Constraints{}, fmt.Errorf("%w: %d assets capped at %g can hold at most %.4f of the portfolio",
			ErrInfeasibleConstraints, numAssets, maxWeight, capacity)
	}

	return Constraints{
		NumAssets: numAssets,
		RiskLevel: riskLevel,
		MaxWeight: maxWeight,
	}, nil
}

// Check verifies w against every constraint within tol, using cov for the risk bound.
func (c Constraints) Check(w []float64, cov mat.Symmetric, tol float64) error {
	if len(w) != c.NumAssets {
		return fmt.Errorf("weight vector has %d entries, expected %d", len(w), c.NumAssets)
	}
	for i, wi := range w {
		if math.IsNaN(wi) || wi < -tol || wi > c.MaxWeight+tol {
			return fmt.Errorf("weight %d = %g outside [0, %g]", i, wi, c.MaxWeight)
		}
	}
	if sum := floats.Sum(w); math.Abs(sum-1) > tol {
		return fmt.Errorf("weights sum to %.10f", sum)
	}
	if vol := portfolioVolatility(w, cov); vol > c.RiskLevel+tol {
		return fmt.Errorf("portfolio volatility %.8f exceeds risk level %.8f", vol, c.RiskLevel)
	}
	return nil
}
