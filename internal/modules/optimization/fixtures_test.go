package optimization

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// threeAssetTable returns 8 daily observations of three uncorrelated assets:
//
//	A: mean 0.002,  stdev 0.03
//	B: mean 0.0005, stdev 0.01
//	C: mean 0.0005, stdev 0.01
//
// The columns are built from orthogonal ±1 patterns so the sample covariance
// is exactly diag(9e-4, 1e-4, 1e-4).
func threeAssetTable() ReturnsTable {
	patterns := [3][4]float64{
		{1, 1, -1, -1},
		{1, -1, 1, -1},
		{1, -1, -1, 1},
	}
	means := [3]float64{0.002, 0.0005, 0.0005}
	stdevs := [3]float64{0.03, 0.01, 0.01}
	tickers := []string{"A", "B", "C"}

	// With T=8 and a ±c column, the (T-1) sample variance is 8c²/7.
	scale := math.Sqrt(7.0 / 8.0)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]ReturnsRow, 0, 8)
	for i := 0; i < 8; i++ {
		values := make(map[string]float64, 3)
		for j, ticker := range tickers {
			values[ticker] = means[j] + stdevs[j]*scale*patterns[j][i%4]
		}
		rows = append(rows, ReturnsRow{Date: start.AddDate(0, 0, i), Values: values})
	}
	return NewReturnsTable(tickers, rows)
}

func testTable(tickers []string, data [][]float64) ReturnsTable {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]ReturnsRow, len(data))
	for i, line := range data {
		values := make(map[string]float64, len(tickers))
		for j, ticker := range tickers {
			values[ticker] = line[j]
		}
		rows[i] = ReturnsRow{Date: start.AddDate(0, 0, i), Values: values}
	}
	return NewReturnsTable(tickers, rows)
}

// spySolver records calls and delegates to next.
type spySolver struct {
	next  Solver
	calls int
	last  Problem
}

func (s *spySolver) Name() string { return "spy" }

func (s *spySolver) Solve(ctx context.Context, p Problem) (*Solution, error) {
	s.calls++
	s.last = p
	if s.next == nil {
		return &Solution{Weights: p.Initial, Status: "initial"}, nil
	}
	return s.next.Solve(ctx, p)
}

// fixedSolver always returns the same weights.
type fixedSolver struct {
	weights []float64
	err     error
}

func (s fixedSolver) Name() string { return "fixed" }

func (s fixedSolver) Solve(context.Context, Problem) (*Solution, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &Solution{Weights: append([]float64(nil), s.weights...), Status: "fixed"}, nil
}

// correlatedTable returns T observations of n assets driven by one common
// factor, with betas and idiosyncratic noise growing with the column index.
// With nearDuplicate set the last column tracks the one before it almost
// exactly.
func correlatedTable(n, observations int, nearDuplicate bool) ReturnsTable {
	tickers := make([]string, n)
	for i := range tickers {
		tickers[i] = fmt.Sprintf("S%02d", i+1)
	}
	data := make([][]float64, observations)
	for t := range data {
		market := 0.02 * math.Sin(0.7*float64(t)+0.3)
		line := make([]float64, n)
		for i := range line {
			beta := 0.6 + 0.08*float64(i)
			noise := (0.01 + 0.002*float64(i)) * math.Sin(1.3*float64(t)*float64(i+1)+float64(i))
			line[i] = 0.0003 + 0.0001*float64(i) + beta*market + noise
		}
		if nearDuplicate && n > 1 {
			line[n-1] = line[n-2] + 1e-7*math.Cos(float64(t))
		}
		data[t] = line
	}
	return testTable(tickers, data)
}

// correlatedProblem is a 12-asset one-factor model: Σ = ββ'·4e-4 + diag(s²).
// The minimum-variance volatility under a 0.3 cap is about 0.0153 and the
// return-maximizing vertex sits at about 0.0319.
func correlatedProblem(riskLevel float64) Problem {
	const n = 12
	cov := mat.NewSymDense(n, nil)
	mean := make([]float64, n)
	for i := 0; i < n; i++ {
		mean[i] = 0.0003 + 0.0001*float64(i)
		bi := 0.6 + 0.08*float64(i)
		si := 0.01 + 0.002*float64(i)
		for j := i; j < n; j++ {
			bj := 0.6 + 0.08*float64(j)
			v := bi * bj * 4e-4
			if i == j {
				v += si * si
			}
			cov.SetSym(i, j, v)
		}
	}
	return Problem{
		Mean:          mean,
		Covariance:    cov,
		Upper:         0.3,
		RiskLevel:     riskLevel,
		Initial:       equalWeightGuess(n, 0.3),
		Tolerance:     1e-6,
		MaxIterations: 1000,
	}
}

// minimumVariance solves the θ = 0 frontier subproblem of p.
func minimumVariance(p Problem) ([]float64, error) {
	qp := &frontierQP{
		mean:    p.Mean,
		cov:     p.Covariance,
		upper:   p.Upper,
		step:    1 / (2 * gershgorinBound(p.Covariance)),
		maxIter: defaultInnerFactor * p.MaxIterations,
		tol:     defaultStepTolerance,
	}
	w, _, err := qp.solve(context.Background(), 0, p.Initial)
	return w, err
}
