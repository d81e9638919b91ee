package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"stockmonitor/internal/cache"
	"stockmonitor/internal/fetcher"
	"stockmonitor/internal/provider"
	"stockmonitor/internal/retry"
	"stockmonitor/internal/testutil"
)

// fastOptions strips the throttling delays so tests run quickly.
func fastOptions() Options {
	opts := DefaultOptions()
	opts.RequestDelay = DelayRange{}
	opts.BatchDelay = DelayRange{}
	opts.PeriodDelay = DelayRange{}
	opts.Retry = retry.Policy{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		Retryable:  fetcher.IsRetryable,
		OnRetry:    func(int, time.Duration, error) {},
	}
	return opts
}

func symbols(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = string(rune('A' + i))
	}
	return out
}

func tasksFor(syms []string) []Task {
	tasks := make([]Task, len(syms))
	for i, s := range syms {
		tasks[i] = Task{Symbol: s, Period: "daily", Start: "20240101", End: "20240131"}
	}
	return tasks
}

func TestFetchMany_ConcurrencyNeverExceedsLimit(t *testing.T) {
	var inflight, peak atomic.Int64

	mock := &testutil.MockProvider{
		KlinesFunc: func(ctx context.Context, symbol, period, start, end string) (*provider.Table, error) {
			cur := inflight.Add(1)
			defer inflight.Add(-1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			return testutil.SampleBars(symbol, 5), nil
		},
	}

	opts := fastOptions()
	opts.ConcurrencyLimit = 2
	opts.BatchSize = 5
	opts.UseCache = false
	o := New(mock, nil, opts)

	result := o.FetchMany(context.Background(), tasksFor(symbols(5)))

	if len(result) != 5 {
		t.Fatalf("len(result) = %d, want 5", len(result))
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak in-flight fetches = %d, want <= 2", got)
	}
}

func TestFetchMany_PartialFailureIsolation(t *testing.T) {
	// 10 symbols, batches of 3, 3 symbols permanently down: the
	// mapping must hold exactly the 7 healthy symbols and every batch
	// must still run.
	down := map[string]bool{"A": true, "E": true, "J": true}
	var calls atomic.Int64

	mock := &testutil.MockProvider{
		KlinesFunc: func(ctx context.Context, symbol, period, start, end string) (*provider.Table, error) {
			calls.Add(1)
			if down[symbol] {
				return nil, fetcher.NewServerError(500)
			}
			return testutil.SampleBars(symbol, 5), nil
		},
	}

	opts := fastOptions()
	opts.BatchSize = 3
	opts.UseCache = false
	o := New(mock, nil, opts)

	result := o.FetchMany(context.Background(), tasksFor(symbols(10)))

	if len(result) != 7 {
		t.Fatalf("len(result) = %d, want 7", len(result))
	}
	for sym := range down {
		if _, ok := result[sym]; ok {
			t.Errorf("failed symbol %s present in result", sym)
		}
	}
	// Healthy symbols from the last batch prove failures never
	// blocked later batches.
	if _, ok := result["I"]; !ok {
		t.Error("symbol from final batch missing, a failure may have aborted batching")
	}
	// 7 successes + 3 * (1 + 2 retries) failures.
	if got := calls.Load(); got != 7+9 {
		t.Errorf("provider calls = %d, want 16", got)
	}
}

func TestFetchOne_SecondCallServedFromCache(t *testing.T) {
	store, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int64
	mock := &testutil.MockProvider{
		KlinesFunc: func(ctx context.Context, symbol, period, start, end string) (*provider.Table, error) {
			calls.Add(1)
			return testutil.SampleBars(symbol, 5), nil
		},
	}

	o := New(mock, store, fastOptions())
	task := Task{Symbol: "000001", Period: "daily", Start: "20240101", End: "20240131"}

	first, err := o.FetchOne(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.FetchOne(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("provider calls = %d, want 1 (second fetch must hit the cache)", got)
	}

	a, _ := first.Marshal()
	b, _ := second.Marshal()
	if string(a) != string(b) {
		t.Error("cached payload differs from the originally fetched payload")
	}

	m := o.Metrics()
	if m.CacheHits != 1 || m.TotalRequests != 1 {
		t.Errorf("metrics = %+v, want 1 hit / 1 request", m)
	}
}

func TestFetchOne_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	mock := &testutil.MockProvider{
		KlinesFunc: func(ctx context.Context, symbol, period, start, end string) (*provider.Table, error) {
			if calls.Add(1) <= 2 {
				return nil, fetcher.NewServerError(503)
			}
			return testutil.SampleBars(symbol, 5), nil
		},
	}

	opts := fastOptions()
	opts.UseCache = false
	o := New(mock, nil, opts)

	table, err := o.FetchOne(context.Background(), Task{Symbol: "X", Period: "daily"})
	if err != nil {
		t.Fatalf("FetchOne() returned unexpected error: %v", err)
	}
	if table.Empty() {
		t.Error("expected data after retries")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("provider calls = %d, want 3", got)
	}
}

func TestFetchOne_NonRetryableFailsFast(t *testing.T) {
	var calls atomic.Int64
	mock := &testutil.MockProvider{
		KlinesFunc: func(ctx context.Context, symbol, period, start, end string) (*provider.Table, error) {
			calls.Add(1)
			return nil, fetcher.NewValidationError("schema mismatch")
		},
	}

	opts := fastOptions()
	opts.UseCache = false
	o := New(mock, nil, opts)

	_, err := o.FetchOne(context.Background(), Task{Symbol: "X", Period: "daily"})
	if err == nil {
		t.Fatal("FetchOne() should fail on a validation error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("provider calls = %d, want 1 (no retries)", got)
	}
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		t.Error("non-retryable failure must not be tagged as retry exhaustion")
	}
}

func TestFetchOne_CorruptCacheEntryRefetches(t *testing.T) {
	store, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	task := Task{Symbol: "000001", Period: "daily", Start: "20240101", End: "20240131"}
	key := cache.Key("get_stock_data", map[string]string{
		"symbol":     task.Symbol,
		"period":     task.Period,
		"start_date": task.Start,
		"end_date":   task.End,
	})
	if err := store.Put(key, []byte("{corrupted"), time.Hour); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int64
	mock := &testutil.MockProvider{
		KlinesFunc: func(ctx context.Context, symbol, period, start, end string) (*provider.Table, error) {
			calls.Add(1)
			return testutil.SampleBars(symbol, 5), nil
		},
	}

	o := New(mock, store, fastOptions())
	table, err := o.FetchOne(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	if table.Empty() {
		t.Error("expected re-fetched data")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("provider calls = %d, want 1 (corruption is a miss, not an error)", got)
	}
}

func TestFetchMultiPeriod(t *testing.T) {
	mock := &testutil.MockProvider{}

	opts := fastOptions()
	opts.UseCache = false
	o := New(mock, nil, opts)

	result := o.FetchMultiPeriod(context.Background(),
		[]string{"000001", "600000"},
		[]string{"daily", "weekly", "monthly"},
		"20240101", "20240131")

	if len(result) != 3 {
		t.Fatalf("len(result) = %d periods, want 3", len(result))
	}
	for period, bySymbol := range result {
		if len(bySymbol) != 2 {
			t.Errorf("period %s has %d symbols, want 2", period, len(bySymbol))
		}
	}
}

func TestFetchMany_CancellationStopsNewBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int64
	mock := &testutil.MockProvider{
		KlinesFunc: func(ctx context.Context, symbol, period, start, end string) (*provider.Table, error) {
			if calls.Add(1) == 1 {
				cancel()
			}
			return testutil.SampleBars(symbol, 5), nil
		},
	}

	opts := fastOptions()
	opts.BatchSize = 2
	opts.ConcurrencyLimit = 1
	opts.UseCache = false
	o := New(mock, nil, opts)

	o.FetchMany(ctx, tasksFor(symbols(10)))

	// The first batch may drain, but batches after the cancellation
	// must never start.
	if got := calls.Load(); got > 2 {
		t.Errorf("provider calls after cancellation = %d, want <= 2", got)
	}
}

func TestFetchInstruments_Cached(t *testing.T) {
	store, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int64
	mock := &testutil.MockProvider{
		InstrumentsFunc: func(ctx context.Context) (*provider.Table, error) {
			calls.Add(1)
			return &provider.Table{
				Columns: []string{"code", "name"},
				Rows:    [][]string{{"000001", "平安银行"}, {"600000", "浦发银行"}},
			}, nil
		},
	}

	o := New(mock, store, fastOptions())

	for i := 0; i < 2; i++ {
		table, err := o.FetchInstruments(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(table.Rows) != 2 {
			t.Errorf("instrument rows = %d, want 2", len(table.Rows))
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
}

func TestFetchMany_EmptyTableExcluded(t *testing.T) {
	mock := &testutil.MockProvider{
		KlinesFunc: func(ctx context.Context, symbol, period, start, end string) (*provider.Table, error) {
			if symbol == "EMPTY" {
				return &provider.Table{Columns: []string{"date"}}, nil
			}
			return testutil.SampleBars(symbol, 5), nil
		},
	}

	opts := fastOptions()
	opts.UseCache = false
	o := New(mock, nil, opts)

	result := o.FetchMany(context.Background(), tasksFor([]string{"OK", "EMPTY"}))
	if len(result) != 1 {
		t.Fatalf("len(result) = %d, want 1", len(result))
	}
	if _, ok := result["EMPTY"]; ok {
		t.Error("empty table should be excluded from the mapping")
	}
}

func TestDelayRange_PickWithinBounds(t *testing.T) {
	r := DelayRange{Min: 10 * time.Millisecond, Max: 30 * time.Millisecond}
	for i := 0; i < 100; i++ {
		d := r.pick()
		if d < r.Min || d >= r.Max {
			t.Fatalf("pick() = %v, want in [%v, %v)", d, r.Min, r.Max)
		}
	}
}

// Guard against symbol helper collisions: ten generated symbols must
// be distinct single letters A through J.
func TestSymbolsHelper(t *testing.T) {
	syms := symbols(10)
	if strings.Join(syms, "") != "ABCDEFGHIJ" {
		t.Fatalf("symbols(10) = %v", syms)
	}
}
