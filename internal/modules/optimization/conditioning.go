package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ConditioningPolicy decides what happens to a covariance matrix whose
// condition number exceeds the configured threshold.
type ConditioningPolicy string

const (
	// PolicyRegularize adds the smallest ridge δI that brings the condition
	// number down to the threshold.
	PolicyRegularize ConditioningPolicy = "regularize"
	// PolicyReject fails the request with ErrIllConditionedCovariance.
	PolicyReject ConditioningPolicy = "reject"
)

// ConditionReport describes the covariance handed to the solver.
type ConditionReport struct {
	// ConditionNumber is λmax/λmin of the matrix the solver used. It is 0 when
	// the matrix carries no variance at all and +Inf is never reported.
	ConditionNumber float64
	// Ridge is the δ added to the diagonal; 0 when the matrix was used as is.
	Ridge float64
}

// conditionCovariance checks the conditioning of cov and applies policy.
// The input matrix is never modified; a regularized copy is returned instead.
func conditionCovariance(cov *mat.SymDense, threshold float64, policy ConditioningPolicy) (*mat.SymDense, ConditionReport, error) {
	n := cov.SymmetricDim()

	var eig mat.EigenSym
	if ok := eig.Factorize(cov, false); !ok {
		return nil, ConditionReport{}, fmt.Errorf("%w: eigen decomposition failed", ErrIllConditionedCovariance)
	}
	values := eig.Values(nil) // ascending
	minEig, maxEig := values[0], values[n-1]

	// No variance anywhere: every portfolio has zero risk.
	if maxEig <= 0 {
		return cov, ConditionReport{}, nil
	}

	cond := math.Inf(1)
	if minEig > 0 {
		cond = maxEig / minEig
	}
	if cond <= threshold {
		return cov, ConditionReport{ConditionNumber: cond}, nil
	}

	if policy == PolicyReject {
		return nil, ConditionReport{}, fmt.Errorf("%w: condition number %.3g exceeds threshold %.3g (smallest eigenvalue %.3g)",
			ErrIllConditionedCovariance, cond, threshold, minEig)
	}

	// (λmax+δ)/(λmin+δ) = threshold
	delta := (maxEig - threshold*minEig) / (threshold - 1)
	regularized := mat.NewSymDense(n, nil)
	regularized.CopySym(cov)
	for i := 0; i < n; i++ {
		regularized.SetSym(i, i, regularized.At(i, i)+delta)
	}

	return regularized, ConditionReport{
		ConditionNumber: (maxEig + delta) / (minEig + delta),
		Ridge:           delta,
	}, nil
}
