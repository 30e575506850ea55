package optimization

import (
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/floats"
)

// Reporting precision of published allocations.
const (
	ReportedDecimals  = 4
	MinReportedWeight = 0.0001
)

// AssetWeight is one (ticker, weight) pair of a WeightVector.
type AssetWeight struct {
	Ticker string  `json:"ticker" csv:"ticker" msgpack:"ticker"`
	Weight float64 `json:"weight" csv:"weight" msgpack:"weight"`
}

// WeightVector is an ordered allocation, one entry per asset in the order of
// the returns table columns. It is never modified after construction; every
// accessor returns a copy.
type WeightVector struct {
	tickers []string
	values  []float64
}

// NewWeightVector pairs tickers with weights. Both slices are copied.
func NewWeightVector(tickers []string, weights []float64) WeightVector {
	return WeightVector{
		tickers: append([]string(nil), tickers...),
		values:  append([]float64(nil), weights...),
	}
}

// Len returns the number of assets.
func (v WeightVector) Len() int { return len(v.values) }

// Tickers returns the asset order.
func (v WeightVector) Tickers() []string { return append([]string(nil), v.tickers...) }

// Values returns the weights in asset order.
func (v WeightVector) Values() []float64 { return append([]float64(nil), v.values...) }

// Sum returns Σw.
func (v WeightVector) Sum() float64 { return floats.Sum(v.values) }

// Weight returns the weight of ticker and whether it is part of the vector.
func (v WeightVector) Weight(ticker string) (float64, bool) {
	for i, t := range v.tickers {
		if t == ticker {
			return v.values[i], true
		}
	}
	return 0, false
}

// Pairs returns the (ticker, weight) pairs in asset order.
func (v WeightVector) Pairs() []AssetWeight {
	out := make([]AssetWeight, len(v.values))
	for i := range v.values {
		out[i] = AssetWeight{Ticker: v.tickers[i], Weight: v.values[i]}
	}
	return out
}

// Map returns the weights keyed by ticker.
func (v WeightVector) Map() map[string]float64 {
	out := make(map[string]float64, len(v.values))
	for i, t := range v.tickers {
		out[t] = v.values[i]
	}
	return out
}

// Rounded returns the pairs rounded to ReportedDecimals, omitting weights that
// round to MinReportedWeight or less.
func (v WeightVector) Rounded() []AssetWeight {
	floor := decimal.NewFromFloat(MinReportedWeight)
	out := make([]AssetWeight, 0, len(v.values))
	for i, w := range v.values {
		rounded := decimal.NewFromFloat(w).Round(ReportedDecimals)
		if !rounded.GreaterThan(floor) {
			continue
		}
		out = append(out, AssetWeight{Ticker: v.tickers[i], Weight: rounded.InexactFloat64()})
	}
	return out
}
