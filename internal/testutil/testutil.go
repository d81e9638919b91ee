package testutil

import (
	"context"
	"fmt"

	"stockmonitor/internal/provider"
)

// MockProvider is a mock implementation of provider.KlineProvider for testing
type MockProvider struct {
	KlinesFunc      func(ctx context.Context, symbol, period, start, end string) (*provider.Table, error)
	InstrumentsFunc func(ctx context.Context) (*provider.Table, error)
}

// Klines implements the KlineProvider interface
func (m *MockProvider) Klines(ctx context.Context, symbol, period, start, end string) (*provider.Table, error) {
	if m.KlinesFunc != nil {
		return m.KlinesFunc(ctx, symbol, period, start, end)
	}
	return SampleBars(symbol, 10), nil
}

// Instruments implements the KlineProvider interface
func (m *MockProvider) Instruments(ctx context.Context) (*provider.Table, error) {
	if m.InstrumentsFunc != nil {
		return m.InstrumentsFunc(ctx)
	}
	return &provider.Table{
		Columns: []string{"code", "name"},
		Rows:    [][]string{{"000001", "Mock Instrument"}},
	}, nil
}

// SampleBars builds a deterministic OHLC table with n rows for tests.
// Prices trend upward so indicator output is stable across runs.
func SampleBars(symbol string, n int) *provider.Table {
	rows := make([][]string, n)
	for i := 0; i < n; i++ {
		base := 10.0 + float64(i)
		rows[i] = []string{
			fmt.Sprintf("2024-01-%02d", i+1),
			fmt.Sprintf("%.2f", base),     // open
			fmt.Sprintf("%.2f", base+0.5), // close
			fmt.Sprintf("%.2f", base+1.0), // high
			fmt.Sprintf("%.2f", base-1.0), // low
			"100000",                      // volume
		}
	}
	return &provider.Table{
		Columns: []string{"日期", "开盘", "收盘", "最高", "最低", "成交量"},
		Rows:    rows,
	}
}
