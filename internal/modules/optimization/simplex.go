package optimization

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// projectCappedSimplex writes into dst the Euclidean projection of y onto
// {w : 0 ≤ w_i ≤ upper, Σw = 1} and returns dst. The projection is
// clip(y_i - τ, 0, upper) for the unique shift τ giving a unit sum; τ is found
// by bisection. Requires len(y)*upper ≥ 1.
func projectCappedSimplex(dst, y []float64, upper float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(y))
	}
	lo := floats.Min(y) - upper // every coordinate clipped to upper: sum ≥ 1
	hi := floats.Max(y)         // every coordinate clipped to 0: sum = 0
	for iter := 0; iter < 200; iter++ {
		mid := 0.5 * (lo + hi)
		if mid <= lo || mid >= hi {
			break
		}
		if clippedSum(y, mid, upper) > 1 {
			lo = mid
		} else {
			hi = mid
		}
	}
	tau := 0.5 * (lo + hi)
	for i, v := range y {
		dst[i] = clip(v-tau, 0, upper)
	}
	return dst
}

func clippedSum(y []float64, tau, upper float64) float64 {
	var s float64
	for _, v := range y {
		s += clip(v-tau, 0, upper)
	}
	return s
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// equalWeightGuess is the deterministic starting point: 1/N each, clipped to
// the cap and renormalized.
func equalWeightGuess(n int, upper float64) []float64 {
	y := make([]float64, n)
	for i := range y {
		y[i] = 1.0 / float64(n)
	}
	if y[0] <= upper {
		return y
	}
	return projectCappedSimplex(nil, y, upper)
}

// greedyVertex maximizes μ'w over the capped simplex without a risk bound:
// fill the highest-mean assets up to the cap until the budget is spent.
// Ties keep column order.
func greedyVertex(mu []float64, upper float64) []float64 {
	order := make([]int, len(mu))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return mu[order[a]] > mu[order[b]] })

	w := make([]float64, len(mu))
	remaining := 1.0
	for _, i := range order {
		if remaining <= 0 {
			break
		}
		w[i] = math.Min(upper, remaining)
		remaining -= w[i]
	}
	return w
}

// portfolioVariance returns w'Σw.
func portfolioVariance(w []float64, cov mat.Symmetric) float64 {
	v := mat.NewVecDense(len(w), w)
	return mat.Inner(v, cov, v)
}

// portfolioVolatility returns sqrt(w'Σw), treating tiny negative rounding as zero.
func portfolioVolatility(w []float64, cov mat.Symmetric) float64 {
	return math.Sqrt(math.Max(portfolioVariance(w, cov), 0))
}

// gershgorinBound is an upper bound on the largest eigenvalue of cov.
func gershgorinBound(cov mat.Symmetric) float64 {
	n := cov.SymmetricDim()
	var bound float64
	for i := 0; i < n; i++ {
		var row float64
		for j := 0; j < n; j++ {
			row += math.Abs(cov.At(i, j))
		}
		bound = math.Max(bound, row)
	}
	return bound
}
