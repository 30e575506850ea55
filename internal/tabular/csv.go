// Package tabular reads return and price tables from CSV and writes
// allocations back out.
package tabular

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/aristath/portfolio-optimizer/internal/modules/optimization"
)

// dateLayouts are tried in order for the first column.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"02.01.2006",
	"20060102",
}

// ParseCSV reads a table laid out as
//
//	date,AAPL,MSFT,...
//	2024-01-02,0.012,-0.004,...
//
// The header names the tickers after the first (date) column. Every other cell
// must be a finite number. Structural and parse problems are reported as
// optimization.ErrInconsistentUniverse with the offending line and column.
func ParseCSV(r io.Reader) (optimization.ReturnsTable, error) {
	records, err := gocsv.LazyCSVReader(r).ReadAll()
	if err != nil {
		return optimization.ReturnsTable{}, fmt.Errorf("%w: malformed CSV: %v", optimization.ErrInconsistentUniverse, err)
	}
	records = dropBlankLines(records)
	if len(records) == 0 {
		return optimization.ReturnsTable{}, fmt.Errorf("%w: empty file", optimization.ErrInsufficientData)
	}

	header := records[0]
	if len(header) < 2 {
		return optimization.ReturnsTable{}, fmt.Errorf("%w: header needs a date column and at least one ticker", optimization.ErrInsufficientData)
	}
	tickers := make([]string, len(header)-1)
	for i, name := range header[1:] {
		tickers[i] = strings.TrimSpace(name)
	}

	rows := make([]optimization.ReturnsRow, 0, len(records)-1)
	for idx, record := range records[1:] {
		line := idx + 2
		if len(record) != len(header) {
			return optimization.ReturnsTable{}, fmt.Errorf("%w: line %d has %d fields, header has %d",
				optimization.ErrInconsistentUniverse, line, len(record), len(header))
		}

		date, err := parseDate(record[0])
		if err != nil {
			return optimization.ReturnsTable{}, fmt.Errorf("%w: line %d: unparseable date %q",
				optimization.ErrInconsistentUniverse, line, record[0])
		}

		values := make(map[string]float64, len(tickers))
		for j, ticker := range tickers {
			cell := strings.TrimSpace(record[j+1])
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				return optimization.ReturnsTable{}, fmt.Errorf("%w: line %d, column %q: non-numeric value %q",
					optimization.ErrInconsistentUniverse, line, ticker, cell)
			}
			values[ticker] = v
		}
		rows = append(rows, optimization.ReturnsRow{Date: date, Values: values})
	}

	table := optimization.NewReturnsTable(tickers, rows)
	if err := table.Validate(); err != nil {
		return optimization.ReturnsTable{}, err
	}
	return table, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unknown date format %q", s)
}

func dropBlankLines(records [][]string) [][]string {
	out := records[:0]
	for _, record := range records {
		blank := true
		for _, cell := range record {
			if strings.TrimSpace(cell) != "" {
				blank = false
				break
			}
		}
		if !blank {
			out = append(out, record)
		}
	}
	return out
}

// WriteWeightsCSV writes one "ticker,weight" row per entry.
func WriteWeightsCSV(w io.Writer, weights []optimization.AssetWeight) error {
	rows := make([]*optimization.AssetWeight, len(weights))
	for i := range weights {
		rows[i] = &weights[i]
	}
	if err := gocsv.Marshal(rows, w); err != nil {
		return fmt.Errorf("failed to write weights CSV: %w", err)
	}
	return nil
}
