// Package provider is the boundary to the remote market-data service.
// The wire format is kept opaque to the rest of the system: callers
// get back a Table or an error, nothing else.
package provider

import (
	"context"
	"fmt"

	"stockmonitor/internal/fetcher"
)

// KlineProvider retrieves OHLCV time series and the instrument list
// from the remote data service.
type KlineProvider interface {
	// Klines returns historical bars for a symbol. Dates are YYYYMMDD.
	Klines(ctx context.Context, symbol, period, start, end string) (*Table, error)

	// Instruments returns the tradable instrument list (code, name).
	Instruments(ctx context.Context) (*Table, error)
}

// HTTP fetches market data over the request client, which routes each
// call through the proxy pool.
type HTTP struct {
	client  *fetcher.Client
	baseURL string
}

// NewHTTP creates an HTTP-backed provider against baseURL.
func NewHTTP(client *fetcher.Client, baseURL string) *HTTP {
	return &HTTP{
		client:  client,
		baseURL: baseURL,
	}
}

// Klines fetches historical bars for symbol over [start, end].
func (p *HTTP) Klines(ctx context.Context, symbol, period, start, end string) (*Table, error) {
	body, err := p.client.Get(ctx, p.baseURL+"/kline", map[string]string{
		"symbol":     symbol,
		"period":     period,
		"start_date": start,
		"end_date":   end,
		"adjust":     "qfq",
	})
	if err != nil {
		return nil, fmt.Errorf("fetch klines for %s: %w", symbol, err)
	}
	return parseKlines(body)
}

// Instruments fetches the instrument list.
func (p *HTTP) Instruments(ctx context.Context) (*Table, error) {
	body, err := p.client.Get(ctx, p.baseURL+"/instruments", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch instrument list: %w", err)
	}
	return parseKlines(body)
}

func parseKlines(body []byte) (*Table, error) {
	t, err := UnmarshalTable(body)
	if err != nil {
		return nil, fetcher.NewValidationError(fmt.Sprintf("malformed provider response: %v", err))
	}
	if len(t.Columns) == 0 {
		return nil, fetcher.NewValidationError("provider response has no columns")
	}
	return t, nil
}
