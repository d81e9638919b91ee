package fetcher

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"resty.dev/v3"

	"stockmonitor/internal/proxypool"
	"stockmonitor/internal/ratelimit"
)

const defaultTimeout = 10 * time.Second

// Client issues one HTTP request per call through an endpoint drawn
// from the proxy pool, and reports the outcome back so the pool can
// keep its health scores honest. Retrying is the caller's business
// (see internal/retry); each Get is a single attempt, which lets every
// retry draw a fresh proxy.
type Client struct {
	pool     *proxypool.Pool
	strategy proxypool.Strategy
	timeout  time.Duration
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithStrategy sets the proxy selection strategy.
func WithStrategy(s proxypool.Strategy) Option {
	return func(c *Client) { c.strategy = s }
}

// WithRateLimiter makes every request wait for the provider's rate
// limiter before going out.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// NewClient creates a request client. A nil pool means every request
// goes out directly.
func NewClient(pool *proxypool.Pool, opts ...Option) *Client {
	c := &Client{
		pool:     pool,
		strategy: proxypool.RoundRobin,
		timeout:  defaultTimeout,
		logger:   slog.Default().With("component", "fetcher"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get performs a single GET against url with the given query
// parameters and returns the response body. Non-200 statuses and
// transport failures come back as *FetchError.
func (c *Client) Get(ctx context.Context, url string, query map[string]string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, ratelimit.APIMarketData); err != nil {
			return nil, err
		}
	}

	ep := proxypool.Direct
	if c.pool != nil {
		ep = c.pool.Select(c.strategy)
	}

	client := resty.New().
		SetTimeout(c.timeout).
		SetHeader("Accept", "application/json")
	defer client.Close()
	if !ep.IsDirect() {
		client.SetProxy(string(ep))
	}

	resp, err := client.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get(url)

	if err != nil {
		c.reportOutcome(ep, false)
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode() != 200 {
		c.reportOutcome(ep, false)
		c.logger.Debug("request failed",
			"url", url, "status", resp.StatusCode(), "proxy", ep.String())
		return nil, ClassifyHTTPError(resp.StatusCode())
	}

	c.reportOutcome(ep, true)
	return resp.Bytes(), nil
}

func (c *Client) reportOutcome(ep proxypool.Endpoint, ok bool) {
	if c.pool == nil {
		return
	}
	if ok {
		c.pool.ReportSuccess(ep)
	} else {
		c.pool.ReportFailure(ep)
	}
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewTimeoutError(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(err)
	}
	return NewNetworkError(err)
}
