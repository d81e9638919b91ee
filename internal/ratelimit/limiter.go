package ratelimit

import (
	"context"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// API represents the external services we throttle requests to.
type API string

const (
	// APIMarketData represents the remote kline data provider
	APIMarketData API = "market_data"
	// APIProxyCheck represents the proxy health-check target
	APIProxyCheck API = "proxy_check"
)

// Limiter manages rate limits for the external services. It is
// constructed explicitly and injected where needed rather than held as
// a process-wide singleton, so tests can build isolated instances.
type Limiter struct {
	limiters map[API]*rate.Limiter
	mu       sync.RWMutex
}

// New creates a limiter with conservative per-service defaults. In
// test mode every limit is lifted so tests do not slow down.
func New() *Limiter {
	l := &Limiter{
		limiters: make(map[API]*rate.Limiter),
	}

	if os.Getenv("GO_TESTING") == "1" || isTestMode() {
		l.limiters[APIMarketData] = rate.NewLimiter(rate.Inf, 1)
		l.limiters[APIProxyCheck] = rate.NewLimiter(rate.Inf, 1)
		return l
	}

	// The kline provider throttles aggressive clients, so stay well
	// under its ceiling: 2 requests per second.
	l.limiters[APIMarketData] = rate.NewLimiter(rate.Limit(2), 1)

	// Health-check probes are cheap for the target but there is no
	// reason to hammer it.
	l.limiters[APIProxyCheck] = rate.NewLimiter(rate.Limit(10), 1)

	return l
}

// SetLimit overrides the rate for one service.
func (l *Limiter) SetLimit(api API, limit rate.Limit, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters[api] = rate.NewLimiter(limit, burst)
}

// isTestMode checks if we're running in test mode
func isTestMode() bool {
	for _, arg := range os.Args {
		if len(arg) > 6 && arg[:6] == "-test." {
			return true
		}
	}
	return false
}

// Wait blocks until the rate limiter permits an event for the given API
// It returns an error if the context is canceled before the event can proceed
func (l *Limiter) Wait(ctx context.Context, api API) error {
	l.mu.RLock()
	limiter, exists := l.limiters[api]
	l.mu.RUnlock()

	if !exists {
		// If no limiter exists for this API, allow the request without limiting
		return nil
	}

	return limiter.Wait(ctx)
}

// Allow reports whether an event for the given API may happen now
func (l *Limiter) Allow(api API) bool {
	l.mu.RLock()
	limiter, exists := l.limiters[api]
	l.mu.RUnlock()

	if !exists {
		// If no limiter exists for this API, allow the request
		return true
	}

	return limiter.Allow()
}
