package optimization

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Problem is the solver-facing form of one request:
//
//	maximize   μ'w
//	subject to Σw = 1, 0 ≤ w_i ≤ Upper, sqrt(w'Σw) ≤ RiskLevel
type Problem struct {
	Mean          []float64
	Covariance    *mat.SymDense
	Upper         float64
	RiskLevel     float64
	Initial       []float64
	Tolerance     float64
	MaxIterations int
}

// Solution is a candidate weight vector; the optimizer still validates it.
type Solution struct {
	Weights    []float64
	Iterations int
	Status     string
}

// Solver solves a Problem. Implementations must be deterministic and must not
// retain state between calls.
type Solver interface {
	Name() string
	Solve(ctx context.Context, p Problem) (*Solution, error)
}

// Solver method names.
const (
	MethodDual    = "dual"
	MethodPenalty = "penalty"
)

// NewSolver returns the solver registered under method.
func NewSolver(method string) (Solver, error) {
	switch method {
	case MethodDual, "":
		return NewDualSolver(), nil
	case MethodPenalty:
		return NewPenaltySolver(), nil
	default:
		return nil, fmt.Errorf("unknown solver method %q", method)
	}
}
