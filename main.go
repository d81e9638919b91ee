package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stockmonitor/internal/cache"
	"stockmonitor/internal/config"
	"stockmonitor/internal/fetcher"
	"stockmonitor/internal/kdj"
	"stockmonitor/internal/orchestrator"
	"stockmonitor/internal/provider"
	"stockmonitor/internal/proxypool"
	"stockmonitor/internal/ratelimit"
	"stockmonitor/internal/retry"
	"stockmonitor/internal/scheduler"
	"stockmonitor/internal/selector"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	// The cache directory being unusable is the only fatal setup error;
	// everything else degrades to a slower but working run.
	store, err := cache.New(cfg.CacheDir)
	if err != nil {
		log.Fatalf("Failed to open cache: %v", err)
	}

	// Build the proxy pool when enabled; a synchronous health check at
	// startup weeds out dead proxies before the first batch.
	var pool *proxypool.Pool
	if cfg.UseProxy {
		pool = proxypool.New(proxypool.Config{
			Proxies:   cfg.Proxies,
			ProxyFile: cfg.ProxyFile,
			CheckURL:  cfg.ProxyCheckURL,
			Timeout:   cfg.ProxyTimeout,
			MaxFails:  cfg.ProxyMaxFails,
		})
		pool.HealthCheck(ctx)
	}

	client := fetcher.NewClient(pool,
		fetcher.WithTimeout(cfg.RequestTimeout),
		fetcher.WithStrategy(proxypool.Strategy(cfg.ProxyStrategy)),
		fetcher.WithRateLimiter(ratelimit.New()),
	)
	prov := provider.NewHTTP(client, cfg.ProviderBaseURL)

	orch := orchestrator.New(prov, store, orchestrator.Options{
		ConcurrencyLimit: cfg.ConcurrencyLimit,
		BatchSize:        cfg.BatchSize,
		RequestDelay:     orchestrator.DelayRange{Min: cfg.RequestDelayMin, Max: cfg.RequestDelayMax},
		BatchDelay:       orchestrator.DelayRange{Min: time.Second, Max: 2 * time.Second},
		PeriodDelay:      orchestrator.DelayRange{Min: 2 * time.Second, Max: 5 * time.Second},
		UseCache:         cfg.UseCache,
		Retry: retry.Policy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBaseDelay,
			Jitter:     true,
			Retryable:  fetcher.IsRetryable,
		},
	})

	// Background maintenance: periodic proxy health checks and cache sweeps.
	jobs := scheduler.New(pool, store)
	jobs.Start(ctx, cfg.ProxyCheckInterval, cfg.CacheSweepInterval)
	defer jobs.Stop()

	symbols, names, err := resolveSymbols(ctx, cfg, orch)
	if err != nil {
		log.Fatalf("Failed to resolve symbols: %v", err)
	}
	if cfg.MaxStocks > 0 && len(symbols) > cfg.MaxStocks {
		symbols = symbols[:cfg.MaxStocks]
	}

	start, end := dateRange(cfg)
	slog.Info("starting batch fetch",
		"symbols", len(symbols), "periods", cfg.Periods, "start", start, "end", end)

	data := orch.FetchMultiPeriod(ctx, symbols, cfg.Periods, start, end)

	params := kdj.Params{N: cfg.KDJWindowN, M1: cfg.KDJSmoothK, M2: cfg.KDJSmoothD}
	byPeriod := make(map[string]map[string][]kdj.Point, len(data))
	for period, bySymbol := range data {
		series := make(map[string][]kdj.Point, len(bySymbol))
		for symbol, table := range bySymbol {
			points, err := kdj.Compute(table, params)
			if err != nil {
				slog.Warn("indicator computation failed", "symbol", symbol, "error", err)
				continue
			}
			series[symbol] = points
		}
		byPeriod[period] = series
	}

	ranked := selector.SelectMultiPeriod(byPeriod, names, cfg.TopN)
	printReport(ranked)

	m := orch.Metrics()
	slog.Info("run complete",
		"requests", m.TotalRequests, "cache_hits", m.CacheHits, "cache_hit_rate", m.CacheHitRate)
}

// resolveSymbols uses the configured symbol list, or falls back to the
// provider's instrument list when none is configured.
func resolveSymbols(ctx context.Context, cfg *config.Config, orch *orchestrator.Orchestrator) ([]string, map[string]string, error) {
	if len(cfg.Symbols) > 0 {
		return cfg.Symbols, nil, nil
	}

	table, err := orch.FetchInstruments(ctx)
	if err != nil {
		return nil, nil, err
	}

	codeIdx, ok := table.ColumnIndex("code")
	if !ok {
		codeIdx = 0
	}
	nameIdx, ok := table.ColumnIndex("name")
	if !ok {
		nameIdx = 1
	}

	symbols := make([]string, 0, len(table.Rows))
	names := make(map[string]string, len(table.Rows))
	for _, row := range table.Rows {
		if codeIdx >= len(row) {
			continue
		}
		code := row[codeIdx]
		symbols = append(symbols, code)
		if nameIdx < len(row) {
			names[code] = row[nameIdx]
		}
	}
	return symbols, names, nil
}

func dateRange(cfg *config.Config) (string, string) {
	start, end := cfg.StartDate, cfg.EndDate
	if end == "" {
		end = time.Now().Format("20060102")
	}
	if start == "" {
		start = time.Now().AddDate(-1, 0, 0).Format("20060102")
	}
	return start, end
}

func printReport(ranked map[string][]selector.Pick) {
	for period, picks := range ranked {
		fmt.Println("================================================")
		fmt.Printf("Lowest J values (%s)\n", period)
		fmt.Println("================================================")
		for i, pick := range picks {
			name := pick.Name
			if name == "" {
				name = "-"
			}
			fmt.Printf("%2d. %s  %s  J=%.2f  (%s)\n", i+1, pick.Symbol, name, pick.J, pick.Date)
		}
	}
}
