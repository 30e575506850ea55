package optimization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func TestProjectCappedSimplex(t *testing.T) {
	tests := []struct {
		name     string
		y        []float64
		upper    float64
		expected []float64
	}{
		{"already feasible", []float64{0.2, 0.3, 0.5}, 1, []float64{0.2, 0.3, 0.5}},
		{"uniform shift", []float64{1, 1, 1}, 1, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}},
		{"negative clipped", []float64{0.9, 0.5, -2}, 1, []float64{0.7, 0.3, 0}},
		{"cap binds", []float64{5, 0, 0}, 0.5, []float64{0.5, 0.25, 0.25}},
		{"single asset", []float64{-3}, 1, []float64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := projectCappedSimplex(nil, tt.y, tt.upper)
			assert.InDeltaSlice(t, tt.expected, got, 1e-9)
			assert.InDelta(t, 1.0, floats.Sum(got), 1e-9)
		})
	}
}

func TestProjectCappedSimplex_DoesNotModifyInput(t *testing.T) {
	y := []float64{3, -1, 0.5}
	projectCappedSimplex(nil, y, 1)
	assert.Equal(t, []float64{3, -1, 0.5}, y)
}

func TestEqualWeightGuess(t *testing.T) {
	assert.Equal(t, []float64{0.25, 0.25, 0.25, 0.25}, equalWeightGuess(4, 0.5))

	w := equalWeightGuess(3, 1.0/3.0)
	assert.InDeltaSlice(t, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}, w, 1e-12)
}

func TestGreedyVertex(t *testing.T) {
	mu := []float64{0.01, 0.03, 0.02, 0.03}

	assert.Equal(t, []float64{0, 1, 0, 0}, greedyVertex(mu, 1))
	// ties keep column order: index 1 before index 3
	assert.InDeltaSlice(t, []float64{0, 0.4, 0.2, 0.4}, greedyVertex(mu, 0.4), 1e-12)
}

func TestPortfolioVolatility(t *testing.T) {
	cov := mat.NewSymDense(2, []float64{
		0.04, 0.01,
		0.01, 0.09,
	})
	// 0.25·0.04 + 2·0.25·0.01 + 0.25·0.09 = 0.0375
	assert.InDelta(t, 0.0375, portfolioVariance([]float64{0.5, 0.5}, cov), 1e-15)
	assert.InDelta(t, 0.2, portfolioVolatility([]float64{1, 0}, cov), 1e-15)
	assert.InDelta(t, 0.1, gershgorinBound(cov), 1e-15)
}
