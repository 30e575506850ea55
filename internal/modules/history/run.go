// Package history records optimization runs and archives them.
package history

import (
	"time"

	"github.com/google/uuid"

	"github.com/aristath/portfolio-optimizer/internal/modules/optimization"
)

// Run statuses
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run sources
const (
	SourceHTTP      = "http"
	SourceWebSocket = "websocket"
	SourceFrontier  = "frontier"
)

// Run is one recorded optimization request and its outcome.
type Run struct {
	ID              string                     `json:"id"`
	CreatedAt       time.Time                  `json:"created_at"`
	Source          string                     `json:"source"`
	NumAssets       int                        `json:"num_assets"`
	NumObservations int                        `json:"num_observations"`
	RiskLevel       float64                    `json:"risk_level"`
	MaxWeight       float64                    `json:"max_weight"`
	Method          string                     `json:"method"`
	Status          string                     `json:"status"`
	Error           string                     `json:"error,omitempty"`
	Weights         []optimization.AssetWeight `json:"weights,omitempty"`
	ExpectedReturn  float64                    `json:"expected_return"`
	Volatility      float64                    `json:"volatility"`
	Iterations      int                        `json:"iterations"`
	Regularized     bool                       `json:"regularized"`
	Duration        time.Duration              `json:"duration_ns"`
	ArchivedKey     string                     `json:"archived_key,omitempty"`
}

// NewRun starts a run record for a request over table.
func NewRun(source string, table optimization.ReturnsTable, riskLevel, maxWeight float64, method string) *Run {
	return &Run{
		ID:              uuid.New().String(),
		CreatedAt:       time.Now().UTC(),
		Source:          source,
		NumAssets:       table.NumAssets(),
		NumObservations: table.NumObservations(),
		RiskLevel:       riskLevel,
		MaxWeight:       maxWeight,
		Method:          method,
	}
}

// Complete fills in the outcome of the run.
func (r *Run) Complete(p *optimization.Portfolio, err error) {
	r.Duration = time.Since(r.CreatedAt)
	if err != nil {
		r.Status = StatusFailed
		r.Error = err.Error()
		return
	}
	r.Status = StatusSucceeded
	r.Method = p.Method
	r.Weights = p.Weights.Pairs()
	r.ExpectedReturn = p.ExpectedReturn
	r.Volatility = p.Volatility
	r.Iterations = p.Iterations
	r.Regularized = p.Regularized()
}
