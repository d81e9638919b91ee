// Package proxypool maintains a rotating set of egress proxies for the
// market-data fetchers. Every request outcome feeds back into per-proxy
// health scores; proxies that keep failing are evicted, and a periodic
// health check replaces the pool membership with the proxies that still
// answer. The pool always contains the direct (no proxy) endpoint, so a
// caller can never be left without an egress path.
package proxypool

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"resty.dev/v3"
)

// Endpoint identifies one egress path by proxy URL. The zero value is
// the direct (no proxy) sentinel.
type Endpoint string

// Direct is the no-proxy sentinel. It is always a member of the pool
// and is never evicted.
const Direct Endpoint = ""

// IsDirect reports whether the endpoint is the no-proxy sentinel.
func (e Endpoint) IsDirect() bool { return e == Direct }

func (e Endpoint) String() string {
	if e.IsDirect() {
		return "direct"
	}
	return string(e)
}

// Strategy selects how the next endpoint is picked.
type Strategy string

const (
	// RoundRobin cycles through the pool in order.
	RoundRobin Strategy = "round_robin"
	// Random picks uniformly.
	Random Strategy = "random"
	// Weighted picks with probability proportional to success rate
	// (floored at 0.1); unused endpoints get weight 1.0 so cold
	// proxies still get a fair trial.
	Weighted Strategy = "weighted"
)

// Stat holds the request counters for one endpoint.
type Stat struct {
	Success  int
	Failure  int
	LastUsed time.Time
}

// Total returns the number of requests routed through the endpoint.
func (s Stat) Total() int { return s.Success + s.Failure }

// SuccessRate returns successes over total, or 0 for an unused endpoint.
func (s Stat) SuccessRate() float64 {
	if s.Total() == 0 {
		return 0
	}
	return float64(s.Success) / float64(s.Total())
}

// Config holds pool construction parameters.
type Config struct {
	Proxies   []string      // initial proxy URLs
	ProxyFile string        // optional newline-delimited proxy list
	CheckURL  string        // probe target for health checks
	Timeout   time.Duration // per-probe timeout
	MaxFails  int           // failures before a proxy is evicted
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CheckURL: "https://www.baidu.com/",
		Timeout:  5 * time.Second,
		MaxFails: 3,
	}
}

// Pool owns the endpoint table and its rotation cursor. All mutations
// go through a single mutex, so Select and the Report methods are safe
// to call from concurrent fetch workers.
type Pool struct {
	mu        sync.Mutex
	endpoints []Endpoint
	cursor    int
	stats     map[Endpoint]*Stat

	checkURL string
	timeout  time.Duration
	maxFails int
	logger   *slog.Logger
}

// New creates a pool seeded with the direct sentinel plus any proxies
// from cfg.Proxies and cfg.ProxyFile. A missing proxy file is logged
// and skipped, not fatal.
func New(cfg Config) *Pool {
	p := &Pool{
		endpoints: []Endpoint{Direct},
		stats:     make(map[Endpoint]*Stat),
		checkURL:  cfg.CheckURL,
		timeout:   cfg.Timeout,
		maxFails:  cfg.MaxFails,
		logger:    slog.Default().With("component", "proxypool"),
	}
	if p.checkURL == "" {
		p.checkURL = DefaultConfig().CheckURL
	}
	if p.timeout <= 0 {
		p.timeout = DefaultConfig().Timeout
	}
	if p.maxFails <= 0 {
		p.maxFails = DefaultConfig().MaxFails
	}

	p.AddProxies(cfg.Proxies)
	if cfg.ProxyFile != "" {
		if err := p.LoadFile(cfg.ProxyFile); err != nil {
			p.logger.Warn("failed to load proxy file", "path", cfg.ProxyFile, "error", err)
		}
	}

	p.logger.Info("proxy pool initialized", "size", p.Size(), "proxies", p.Size()-1)
	return p
}

// AddProxies appends proxies the pool does not already hold and
// returns how many were added.
func (p *Pool) AddProxies(proxies []string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	for _, raw := range proxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ep := Endpoint(raw)
		if p.containsLocked(ep) {
			continue
		}
		p.endpoints = append(p.endpoints, ep)
		p.stats[ep] = &Stat{}
		added++
	}
	return added
}

// LoadFile reads a newline-delimited proxy list, one URL per line.
// Blank lines are skipped.
func (p *Pool) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open proxy file: %w", err)
	}
	defer f.Close()

	var proxies []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			proxies = append(proxies, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read proxy file: %w", err)
	}

	added := p.AddProxies(proxies)
	p.logger.Info("loaded proxies from file", "path", path, "added", added)
	return nil
}

// SaveFile writes the current non-direct membership back out, one URL
// per line.
func (p *Pool) SaveFile(path string) error {
	p.mu.Lock()
	var sb strings.Builder
	for _, ep := range p.endpoints {
		if !ep.IsDirect() {
			sb.WriteString(string(ep))
			sb.WriteByte('\n')
		}
	}
	p.mu.Unlock()

	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("save proxy file: %w", err)
	}
	return nil
}

// Size returns the current pool size including the direct sentinel.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// Select returns the next endpoint per the given strategy. The pool is
// never empty, so Select always succeeds.
func (p *Pool) Select(strategy Strategy) Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ep Endpoint
	switch strategy {
	case Random:
		ep = p.endpoints[rand.Intn(len(p.endpoints))]
	case Weighted:
		ep = p.selectWeightedLocked()
	default:
		// Round robin, also the fallback for unknown strategies.
		ep = p.endpoints[p.cursor%len(p.endpoints)]
		p.cursor = (p.cursor + 1) % len(p.endpoints)
	}

	if st, ok := p.stats[ep]; ok {
		st.LastUsed = time.Now()
	}
	return ep
}

func (p *Pool) selectWeightedLocked() Endpoint {
	weights := make([]float64, len(p.endpoints))
	total := 0.0
	for i, ep := range p.endpoints {
		w := 1.0
		if !ep.IsDirect() {
			if st := p.stats[ep]; st != nil && st.Total() > 0 {
				w = st.SuccessRate()
				if w < 0.1 {
					w = 0.1
				}
			}
		}
		weights[i] = w
		total += w
	}

	r := rand.Float64() * total
	cum := 0.0
	for i, w := range weights {
		cum += w
		if r <= cum {
			return p.endpoints[i]
		}
	}
	return p.endpoints[len(p.endpoints)-1]
}

// ReportSuccess records a successful request through ep. Direct is
// not scored.
func (p *Pool) ReportSuccess(ep Endpoint) {
	if ep.IsDirect() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.stats[ep]
	if !ok {
		st = &Stat{}
		p.stats[ep] = st
	}
	st.Success++
}

// ReportFailure records a failed request through ep and evicts the
// endpoint once it has accumulated MaxFails failures, as long as it is
// not the last remaining endpoint. Direct is exempt.
func (p *Pool) ReportFailure(ep Endpoint) {
	if ep.IsDirect() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.stats[ep]
	if !ok {
		st = &Stat{}
		p.stats[ep] = st
	}
	st.Failure++

	if st.Failure >= p.maxFails && len(p.endpoints) > 1 {
		p.logger.Warn("evicting proxy after repeated failures",
			"proxy", ep.String(), "failures", st.Failure)
		p.removeLocked(ep)
	}
}

// Stats returns a snapshot of the per-endpoint counters keyed by the
// endpoint's display string.
func (p *Pool) Stats() map[string]Stat {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]Stat, len(p.stats))
	for ep, st := range p.stats {
		out[ep.String()] = *st
	}
	return out
}

// Best returns up to n endpoints ordered by descending success rate.
// Direct and unused proxies score a neutral 0.5.
func (p *Pool) Best(n int) []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	type scored struct {
		ep    Endpoint
		score float64
	}
	ranked := make([]scored, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		score := 0.5
		if !ep.IsDirect() {
			if st := p.stats[ep]; st != nil && st.Total() > 0 {
				score = st.SuccessRate()
			}
		}
		ranked = append(ranked, scored{ep, score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]Endpoint, n)
	for i := range out {
		out[i] = ranked[i].ep
	}
	return out
}

// HealthCheck probes every non-direct endpoint concurrently and
// atomically replaces the membership with the survivors plus the
// direct sentinel. An endpoint survives iff a GET against the check
// URL returns HTTP 200 within the probe timeout. The swap happens only
// after every probe has finished.
func (p *Pool) HealthCheck(ctx context.Context) []Endpoint {
	p.mu.Lock()
	candidates := make([]Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if !ep.IsDirect() {
			candidates = append(candidates, ep)
		}
	}
	p.mu.Unlock()

	p.logger.Info("checking proxy availability", "candidates", len(candidates))

	alive := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, ep := range candidates {
		i, ep := i, ep
		g.Go(func() error {
			alive[i] = p.probe(gctx, ep)
			return nil
		})
	}
	// Probes never return errors, the barrier is what matters.
	_ = g.Wait()

	survivors := []Endpoint{Direct}
	for i, ok := range alive {
		if ok {
			survivors = append(survivors, candidates[i])
		}
	}

	p.mu.Lock()
	p.endpoints = survivors
	p.cursor = 0
	p.mu.Unlock()

	p.logger.Info("proxy availability check complete", "available", len(survivors))
	return survivors
}

// probe issues one GET through ep and reports whether it answered 200
// in time. The outcome also feeds the endpoint's counters.
func (p *Pool) probe(ctx context.Context, ep Endpoint) bool {
	client := resty.New().SetTimeout(p.timeout)
	defer client.Close()
	if !ep.IsDirect() {
		client.SetProxy(string(ep))
	}

	resp, err := client.R().SetContext(ctx).Get(p.checkURL)
	if err != nil {
		p.logger.Debug("proxy probe failed", "proxy", ep.String(), "error", err)
		p.ReportFailure(ep)
		return false
	}
	if resp.StatusCode() != 200 {
		p.logger.Debug("proxy probe rejected", "proxy", ep.String(), "status", resp.StatusCode())
		p.ReportFailure(ep)
		return false
	}
	p.ReportSuccess(ep)
	return true
}

func (p *Pool) containsLocked(ep Endpoint) bool {
	for _, e := range p.endpoints {
		if e == ep {
			return true
		}
	}
	return false
}

func (p *Pool) removeLocked(ep Endpoint) {
	for i, e := range p.endpoints {
		if e == ep {
			p.endpoints = append(p.endpoints[:i], p.endpoints[i+1:]...)
			break
		}
	}
	delete(p.stats, ep)
	if p.cursor >= len(p.endpoints) && len(p.endpoints) > 0 {
		p.cursor = 0
	}
}
