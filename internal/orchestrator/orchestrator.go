// Package orchestrator drives the batched, concurrency-bounded fetch
// of many symbols across periods. Each task consults the cache first;
// misses go to the remote provider behind a jittered delay, bounded
// retry, and the proxy pool. One symbol failing never blocks the rest
// of its batch.
package orchestrator

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"stockmonitor/internal/cache"
	"stockmonitor/internal/fetcher"
	"stockmonitor/internal/provider"
	"stockmonitor/internal/retry"
)

// Task identifies one fetch: a symbol, a bar period, and a date range.
type Task struct {
	Symbol string
	Period string
	Start  string
	End    string
}

// Result is the per-task outcome sent through the batch fan-in channel.
type Result struct {
	Symbol string
	Table  *provider.Table
	Err    error
}

// DelayRange is a uniform random delay interval.
type DelayRange struct {
	Min time.Duration
	Max time.Duration
}

func (r DelayRange) pick() time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + time.Duration(rand.Int63n(int64(r.Max-r.Min)))
}

// Options tune batching, concurrency, throttling and retry behavior.
type Options struct {
	// ConcurrencyLimit caps in-flight network calls within a batch.
	ConcurrencyLimit int
	// BatchSize is the number of tasks per sequential batch.
	BatchSize int
	// RequestDelay is the jittered pre-request delay on a cache miss.
	RequestDelay DelayRange
	// BatchDelay is slept between batches (not after the last).
	BatchDelay DelayRange
	// PeriodDelay is slept between periods in FetchMultiPeriod.
	PeriodDelay DelayRange
	// UseCache gates cache lookups and writes.
	UseCache bool
	// Retry wraps each provider call.
	Retry retry.Policy
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		ConcurrencyLimit: 10,
		BatchSize:        20,
		RequestDelay:     DelayRange{Min: time.Second, Max: 3 * time.Second},
		BatchDelay:       DelayRange{Min: time.Second, Max: 2 * time.Second},
		PeriodDelay:      DelayRange{Min: 2 * time.Second, Max: 5 * time.Second},
		UseCache:         true,
		Retry: retry.Policy{
			MaxRetries: 3,
			BaseDelay:  5 * time.Second,
			Jitter:     true,
			Retryable:  fetcher.IsRetryable,
		},
	}
}

// Metrics is a snapshot of the orchestrator's counters.
type Metrics struct {
	TotalRequests int64
	CacheHits     int64
	CacheHitRate  float64
}

// Orchestrator coordinates cache, retry and the provider for batch
// fetches. The proxy pool is owned by the provider's request client;
// the orchestrator never touches it directly.
type Orchestrator struct {
	provider provider.KlineProvider
	store    *cache.Store
	opts     Options
	logger   *slog.Logger

	totalRequests atomic.Int64
	cacheHits     atomic.Int64
}

// New creates an orchestrator. store may be nil to disable caching
// outright.
func New(p provider.KlineProvider, store *cache.Store, opts Options) *Orchestrator {
	if opts.ConcurrencyLimit <= 0 {
		opts.ConcurrencyLimit = DefaultOptions().ConcurrencyLimit
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	return &Orchestrator{
		provider: p,
		store:    store,
		opts:     opts,
		logger:   slog.Default().With("component", "orchestrator"),
	}
}

// FetchOne resolves a single task: cache hit, or provider fetch
// wrapped in the retry policy, with the result written back to the
// cache. An unreadable cached payload counts as a miss and triggers a
// re-fetch.
func (o *Orchestrator) FetchOne(ctx context.Context, task Task) (*provider.Table, error) {
	key := cache.Key("get_stock_data", map[string]string{
		"symbol":     task.Symbol,
		"period":     task.Period,
		"start_date": task.Start,
		"end_date":   task.End,
	})

	if o.useCache() {
		if payload, ok := o.store.Get(key); ok {
			table, err := provider.UnmarshalTable(payload)
			if err == nil {
				o.cacheHits.Add(1)
				return table, nil
			}
			o.logger.Warn("cached payload corrupted, re-fetching",
				"symbol", task.Symbol, "error", err)
		}
	}

	if err := sleepCtx(ctx, o.opts.RequestDelay.pick()); err != nil {
		return nil, err
	}

	var table *provider.Table
	err := o.opts.Retry.DoCtx(ctx, func(ctx context.Context) error {
		o.totalRequests.Add(1)
		var err error
		table, err = o.provider.Klines(ctx, task.Symbol, task.Period, task.Start, task.End)
		return err
	})
	if err != nil {
		return nil, err
	}

	if o.useCache() && !table.Empty() {
		if payload, err := table.Marshal(); err == nil {
			if err := o.store.Put(key, payload, cache.TTLFor(task.Period)); err != nil {
				o.logger.Warn("failed to cache fetched data", "symbol", task.Symbol, "error", err)
			}
		}
	}
	return table, nil
}

// FetchMany runs tasks in sequential batches, bounding in-flight
// fetches per batch with a weighted semaphore. Failed or empty tasks
// are simply absent from the returned mapping; callers can compare
// len(result) against len(tasks) for a completion ratio.
func (o *Orchestrator) FetchMany(ctx context.Context, tasks []Task) map[string]*provider.Table {
	result := make(map[string]*provider.Table)
	if len(tasks) == 0 {
		return result
	}

	batchCount := (len(tasks) + o.opts.BatchSize - 1) / o.opts.BatchSize
	for b := 0; b < batchCount; b++ {
		lo := b * o.opts.BatchSize
		hi := min(lo+o.opts.BatchSize, len(tasks))
		batch := tasks[lo:hi]

		o.logger.Info("processing batch",
			"batch", b+1, "batches", batchCount, "tasks", len(batch))

		for sym, table := range o.runBatch(ctx, batch) {
			result[sym] = table
		}

		// Stop admitting new batches once the caller gives up.
		if ctx.Err() != nil {
			break
		}
		if b < batchCount-1 {
			if err := sleepCtx(ctx, o.opts.BatchDelay.pick()); err != nil {
				break
			}
		}
	}

	o.logger.Info("batch fetch complete",
		"fetched", len(result), "tasks", len(tasks),
		"completion", float64(len(result))/float64(len(tasks)))
	return result
}

// runBatch fans the batch out to goroutines behind the admission gate
// and collects results over a channel; every task is awaited before
// the batch is considered done, in no particular completion order.
func (o *Orchestrator) runBatch(ctx context.Context, batch []Task) map[string]*provider.Table {
	sem := semaphore.NewWeighted(int64(o.opts.ConcurrencyLimit))
	results := make(chan Result, len(batch))

	var wg sync.WaitGroup
	for _, task := range batch {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()

			if err := sem.Acquire(ctx, 1); err != nil {
				results <- Result{Symbol: task.Symbol, Err: err}
				return
			}
			defer sem.Release(1)

			table, err := o.FetchOne(ctx, task)
			results <- Result{Symbol: task.Symbol, Table: table, Err: err}
		}(task)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[string]*provider.Table, len(batch))
	for res := range results {
		if res.Err != nil {
			o.logger.Warn("task failed", "symbol", res.Symbol, "error", res.Err)
			continue
		}
		if res.Table.Empty() {
			continue
		}
		out[res.Symbol] = res.Table
	}
	return out
}

// FetchMultiPeriod runs FetchMany once per period sequentially with an
// inter-period delay, returning period -> symbol -> table.
func (o *Orchestrator) FetchMultiPeriod(ctx context.Context, symbols []string, periods []string, start, end string) map[string]map[string]*provider.Table {
	result := make(map[string]map[string]*provider.Table, len(periods))

	for i, period := range periods {
		o.logger.Info("fetching period", "period", period, "symbols", len(symbols))

		tasks := make([]Task, len(symbols))
		for j, sym := range symbols {
			tasks[j] = Task{Symbol: sym, Period: period, Start: start, End: end}
		}
		result[period] = o.FetchMany(ctx, tasks)

		if ctx.Err() != nil {
			break
		}
		if i < len(periods)-1 {
			if err := sleepCtx(ctx, o.opts.PeriodDelay.pick()); err != nil {
				break
			}
		}
	}
	return result
}

// FetchInstruments returns the instrument list, cached with the long
// reference-data TTL.
func (o *Orchestrator) FetchInstruments(ctx context.Context) (*provider.Table, error) {
	key := cache.Key("get_stock_list", nil)

	if o.useCache() {
		if payload, ok := o.store.Get(key); ok {
			if table, err := provider.UnmarshalTable(payload); err == nil {
				o.cacheHits.Add(1)
				return table, nil
			}
		}
	}

	var table *provider.Table
	err := o.opts.Retry.DoCtx(ctx, func(ctx context.Context) error {
		o.totalRequests.Add(1)
		var err error
		table, err = o.provider.Instruments(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	if o.useCache() && !table.Empty() {
		if payload, err := table.Marshal(); err == nil {
			if err := o.store.Put(key, payload, cache.TTLFor("instruments")); err != nil {
				o.logger.Warn("failed to cache instrument list", "error", err)
			}
		}
	}
	return table, nil
}

// Metrics returns a snapshot of request and cache-hit counters.
func (o *Orchestrator) Metrics() Metrics {
	total := o.totalRequests.Load()
	hits := o.cacheHits.Load()
	m := Metrics{TotalRequests: total, CacheHits: hits}
	if served := total + hits; served > 0 {
		m.CacheHitRate = float64(hits) / float64(served)
	}
	return m
}

func (o *Orchestrator) useCache() bool {
	return o.opts.UseCache && o.store != nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
