package optimization

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/mat"
)

// ReturnsRow is one dated observation: ticker -> value.
type ReturnsRow struct {
	Date   time.Time
	Values map[string]float64
}

// ReturnsTable is a T x N table of per-period returns. Tickers fixes the column
// order used by every vector and matrix derived from the table.
type ReturnsTable struct {
	Tickers []string
	Rows    []ReturnsRow
}

// NewReturnsTable builds a table that owns copies of its inputs. When tickers is
// empty the column set is the sorted union of the tickers found in the rows, so
// that a row missing one of them is reported by Validate.
func NewReturnsTable(tickers []string, rows []ReturnsRow) ReturnsTable {
	if len(tickers) == 0 {
		seen := make(map[string]struct{})
		for _, row := range rows {
			for ticker := range row.Values {
				if _, ok := seen[ticker]; !ok {
					seen[ticker] = struct{}{}
					tickers = append(tickers, ticker)
				}
			}
		}
		sort.Strings(tickers)
	}
	return ReturnsTable{Tickers: tickers, Rows: rows}.Clone()
}

// Clone returns a deep copy of the table.
func (t ReturnsTable) Clone() ReturnsTable {
	out := ReturnsTable{
		Tickers: append([]string(nil), t.Tickers...),
		Rows:    make([]ReturnsRow, len(t.Rows)),
	}
	for i, row := range t.Rows {
		values := make(map[string]float64, len(row.Values))
		for k, v := range row.Values {
			values[k] = v
		}
		out.Rows[i] = ReturnsRow{Date: row.Date, Values: values}
	}
	return out
}

// NumAssets returns N.
func (t ReturnsTable) NumAssets() int { return len(t.Tickers) }

// NumObservations returns T.
func (t ReturnsTable) NumObservations() int { return len(t.Rows) }

// Validate checks the table invariants: at least one asset, at least two
// observations, unique tickers and dates, every row carrying exactly the
// ticker set with finite values.
func (t ReturnsTable) Validate() error {
	if len(t.Tickers) < 1 {
		return fmt.Errorf("%w: table has no assets", ErrInsufficientData)
	}
	if len(t.Rows) < 2 {
		return fmt.Errorf("%w: need at least 2 observations to estimate variance, got %d", ErrInsufficientData, len(t.Rows))
	}

	columns := make(map[string]struct{}, len(t.Tickers))
	for _, ticker := range t.Tickers {
		if ticker == "" {
			return fmt.Errorf("%w: empty ticker name", ErrInconsistentUniverse)
		}
		if _, dup := columns[ticker]; dup {
			return fmt.Errorf("%w: duplicate ticker %q", ErrInconsistentUniverse, ticker)
		}
		columns[ticker] = struct{}{}
	}

	dates := make(map[int64]int, len(t.Rows))
	for i, row := range t.Rows {
		if !row.Date.IsZero() {
			key := row.Date.UnixNano()
			if prev, dup := dates[key]; dup {
				return fmt.Errorf("%w: rows %d and %d share date %s", ErrInconsistentUniverse, prev, i, row.Date.Format("2006-01-02"))
			}
			dates[key] = i
		}

		for _, ticker := range t.Tickers {
			v, ok := row.Values[ticker]
			if !ok {
				return fmt.Errorf("%w: row %d (%s) is missing ticker %q", ErrInconsistentUniverse, i, rowLabel(row), ticker)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: row %d (%s) has non-numeric value for %q", ErrInconsistentUniverse, i, rowLabel(row), ticker)
			}
		}
		if len(row.Values) != len(t.Tickers) {
			extra := make([]string, 0, len(row.Values)-len(t.Tickers))
			for ticker := range row.Values {
				if _, ok := columns[ticker]; !ok {
					extra = append(extra, ticker)
				}
			}
			sort.Strings(extra)
			return fmt.Errorf("%w: row %d (%s) has unknown tickers %v", ErrInconsistentUniverse, i, rowLabel(row), extra)
		}
	}
	return nil
}

// Matrix returns the table as a fresh T x N matrix in Tickers order.
// The table must be valid.
func (t ReturnsTable) Matrix() *mat.Dense {
	m := mat.NewDense(len(t.Rows), len(t.Tickers), nil)
	for i, row := range t.Rows {
		for j, ticker := range t.Tickers {
			m.Set(i, j, row.Values[ticker])
		}
	}
	return m
}

// ReturnsFromPrices converts a table of prices into simple period returns
// (p_t - p_{t-1}) / p_{t-1}. Rows are put in chronological order first when
// they carry dates; the earliest date has no return and is dropped.
func ReturnsFromPrices(prices ReturnsTable) (ReturnsTable, error) {
	prices = prices.Clone()
	if len(prices.Tickers) < 1 {
		return ReturnsTable{}, fmt.Errorf("%w: price table has no assets", ErrInsufficientData)
	}
	if len(prices.Rows) < 3 {
		return ReturnsTable{}, fmt.Errorf("%w: need at least 3 prices per asset to derive 2 returns, got %d", ErrInsufficientData, len(prices.Rows))
	}
	// Re-use the table checks (ragged rows, NaN, duplicate dates) on the prices.
	if err := prices.Validate(); err != nil {
		return ReturnsTable{}, err
	}

	sort.SliceStable(prices.Rows, func(i, j int) bool {
		return prices.Rows[i].Date.Before(prices.Rows[j].Date)
	})

	out := ReturnsTable{
		Tickers: prices.Tickers,
		Rows:    make([]ReturnsRow, len(prices.Rows)-1),
	}
	for i := range out.Rows {
		out.Rows[i] = ReturnsRow{
			Date:   prices.Rows[i+1].Date,
			Values: make(map[string]float64, len(prices.Tickers)),
		}
	}

	series := make([]float64, len(prices.Rows))
	for _, ticker := range prices.Tickers {
		for i, row := range prices.Rows {
			p := row.Values[ticker]
			if p <= 0 {
				return ReturnsTable{}, fmt.Errorf("%w: non-positive price %g for %q in row %d", ErrInconsistentUniverse, p, ticker, i)
			}
			series[i] = p
		}
		roc := talib.Rocp(series, 1)
		for i := 1; i < len(roc); i++ {
			out.Rows[i-1].Values[ticker] = roc[i]
		}
	}
	return out, nil
}

func rowLabel(row ReturnsRow) string {
	if row.Date.IsZero() {
		return "undated"
	}
	return row.Date.Format("2006-01-02")
}
