// Package kdj computes the KDJ stochastic oscillator over provider
// tables. Provider column names vary between the domestic and english
// schemas, so columns are located through an ordered list of matchers
// instead of fixed positions.
package kdj

import (
	"fmt"
	"strconv"
	"strings"

	"stockmonitor/internal/provider"
)

// Params are the smoothing windows: N for the rolling high/low range,
// M1 and M2 for the %K and %D exponential averages.
type Params struct {
	N  int
	M1 int
	M2 int
}

// DefaultParams returns the conventional 9/3/3 configuration.
func DefaultParams() Params {
	return Params{N: 9, M1: 3, M2: 3}
}

// Point is one smoothed observation of the oscillator.
type Point struct {
	Date string
	K    float64
	D    float64
	J    float64
}

// SchemaError reports that a required column could not be located in
// the table.
type SchemaError struct {
	Column  string
	Columns []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("cannot locate %s column among %v", e.Column, e.Columns)
}

// matcher locates one logical column: exact candidates are tried
// first, then case-insensitive substring fallbacks.
type matcher struct {
	name       string
	exact      []string
	substrings []string
}

var columnMatchers = []matcher{
	{name: "date", exact: []string{"日期", "date"}, substrings: []string{"日", "date"}},
	{name: "high", exact: []string{"最高", "high"}, substrings: []string{"高", "high"}},
	{name: "low", exact: []string{"最低", "low"}, substrings: []string{"低", "low"}},
	{name: "close", exact: []string{"收盘", "close"}, substrings: []string{"收", "close"}},
}

func (m matcher) locate(columns []string) (int, error) {
	for _, want := range m.exact {
		for i, col := range columns {
			if col == want {
				return i, nil
			}
		}
	}
	for _, want := range m.substrings {
		for i, col := range columns {
			if strings.Contains(strings.ToLower(col), want) {
				return i, nil
			}
		}
	}
	return 0, &SchemaError{Column: m.name, Columns: columns}
}

// Compute calculates the K, D and J series from a table of OHLC bars.
// Rows before the first full N-bar window are dropped. A flat window
// (highest high equals lowest low) yields a neutral RSV of 50 so the
// series stays contiguous.
func Compute(t *provider.Table, p Params) ([]Point, error) {
	if p.N <= 0 || p.M1 <= 0 || p.M2 <= 0 {
		return nil, fmt.Errorf("invalid kdj params %+v", p)
	}
	if t.Empty() {
		return nil, nil
	}

	idx := make(map[string]int, len(columnMatchers))
	for _, m := range columnMatchers {
		i, err := m.locate(t.Columns)
		if err != nil {
			return nil, err
		}
		idx[m.name] = i
	}

	n := len(t.Rows)
	dates := make([]string, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i, row := range t.Rows {
		dates[i] = row[idx["date"]]
		var err error
		if highs[i], err = parseCell(row[idx["high"]]); err != nil {
			return nil, fmt.Errorf("row %d high: %w", i, err)
		}
		if lows[i], err = parseCell(row[idx["low"]]); err != nil {
			return nil, fmt.Errorf("row %d low: %w", i, err)
		}
		if closes[i], err = parseCell(row[idx["close"]]); err != nil {
			return nil, fmt.Errorf("row %d close: %w", i, err)
		}
	}

	if n < p.N {
		return nil, nil
	}

	alphaK := 1.0 / float64(p.M1)
	alphaD := 1.0 / float64(p.M2)

	points := make([]Point, 0, n-p.N+1)
	var k, d float64
	for i := p.N - 1; i < n; i++ {
		hh, ll := highs[i], lows[i]
		for j := i - p.N + 1; j <= i; j++ {
			if highs[j] > hh {
				hh = highs[j]
			}
			if lows[j] < ll {
				ll = lows[j]
			}
		}

		rsv := 50.0
		if hh != ll {
			rsv = 100 * (closes[i] - ll) / (hh - ll)
		}

		if i == p.N-1 {
			// Seed the exponential averages at the first full window.
			k = rsv
			d = k
		} else {
			k = alphaK*rsv + (1-alphaK)*k
			d = alphaD*k + (1-alphaD)*d
		}

		points = append(points, Point{
			Date: dates[i],
			K:    k,
			D:    d,
			J:    3*k - 2*d,
		})
	}
	return points, nil
}

func parseCell(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	return v, nil
}
