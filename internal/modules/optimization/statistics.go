package optimization

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Statistics holds the per-request return/risk estimates. Mean and the rows and
// columns of Covariance follow Tickers.
type Statistics struct {
	Tickers      []string
	Mean         []float64
	Covariance   *mat.SymDense
	Observations int
}

// NumAssets returns N.
func (s *Statistics) NumAssets() int { return len(s.Tickers) }

// MeanVector returns the expected returns keyed by ticker.
func (s *Statistics) MeanVector() map[string]float64 {
	out := make(map[string]float64, len(s.Tickers))
	for i, ticker := range s.Tickers {
		out[ticker] = s.Mean[i]
	}
	return out
}

// EstimateStatistics computes the arithmetic mean of each column and the
// unbiased (T-1) sample covariance matrix of a returns table.
func EstimateStatistics(table ReturnsTable) (*Statistics, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}

	x := table.Matrix()
	t, n := x.Dims()

	mean := make([]float64, n)
	col := make([]float64, t)
	for j := 0; j < n; j++ {
		mat.Col(col, j, x)
		mean[j] = stat.Mean(col, nil)
	}

	cov := mat.NewSymDense(n, nil)
	stat.CovarianceMatrix(cov, x, nil)

	return &Statistics{
		Tickers:      append([]string(nil), table.Tickers...),
		Mean:         mean,
		Covariance:   cov,
		Observations: t,
	}, nil
}
