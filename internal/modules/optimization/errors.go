package optimization

import "errors"

// Failure conditions of an optimization request. Callers match them with
// errors.Is; the wrapped message carries the request-specific detail.
var (
	// ErrInsufficientData: fewer than two observations or no assets.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrInconsistentUniverse: ragged, duplicated or non-numeric input table.
	ErrInconsistentUniverse = errors.New("inconsistent universe")
	// ErrInvalidParameter: risk level or max weight outside its domain.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrInfeasibleConstraints: no weight vector can satisfy the constraints.
	ErrInfeasibleConstraints = errors.New("infeasible constraints")
	// ErrIllConditionedCovariance: covariance too unstable to trust the risk bound.
	ErrIllConditionedCovariance = errors.New("ill-conditioned covariance matrix")
	// ErrOptimizationDidNotConverge: the solver failed or produced an invalid result.
	ErrOptimizationDidNotConverge = errors.New("optimization did not converge")
)
