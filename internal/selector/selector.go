// Package selector ranks instruments by their latest J value. Deeply
// oversold names (lowest J) surface at the top of the report.
package selector

import (
	"log/slog"
	"sort"

	"stockmonitor/internal/kdj"
)

// Pick is one ranked entry for the report stage.
type Pick struct {
	Symbol    string
	Name      string
	J         float64
	Date      string
	Dimension string
}

// SelectLowestJ takes per-symbol KDJ series and returns the topN
// symbols with the lowest latest J value, ascending. Symbols with an
// empty series are skipped. names maps symbol to display name and may
// be nil.
func SelectLowestJ(series map[string][]kdj.Point, names map[string]string, dimension string, topN int) []Pick {
	picks := make([]Pick, 0, len(series))
	for symbol, points := range series {
		if len(points) == 0 {
			continue
		}
		latest := points[len(points)-1]
		picks = append(picks, Pick{
			Symbol:    symbol,
			Name:      names[symbol],
			J:         latest.J,
			Date:      latest.Date,
			Dimension: dimension,
		})
	}

	sort.SliceStable(picks, func(i, j int) bool { return picks[i].J < picks[j].J })

	if topN > 0 && len(picks) > topN {
		picks = picks[:topN]
	}

	slog.Debug("selected lowest-J instruments",
		"dimension", dimension, "candidates", len(series), "picked", len(picks))
	return picks
}

// SelectMultiPeriod ranks every period's series independently and
// returns period -> ranked picks, the shape the report stage consumes.
func SelectMultiPeriod(byPeriod map[string]map[string][]kdj.Point, names map[string]string, topN int) map[string][]Pick {
	out := make(map[string][]Pick, len(byPeriod))
	for period, series := range byPeriod {
		out[period] = SelectLowestJ(series, names, period, topN)
	}
	return out
}
