package proxypool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestPool(proxies ...string) *Pool {
	cfg := DefaultConfig()
	cfg.Proxies = proxies
	cfg.Timeout = 2 * time.Second
	return New(cfg)
}

func TestNew_AlwaysContainsDirect(t *testing.T) {
	p := newTestPool()
	if p.Size() != 1 {
		t.Fatalf("Size() = %d, want 1 (direct sentinel)", p.Size())
	}
	if ep := p.Select(RoundRobin); !ep.IsDirect() {
		t.Errorf("Select() = %q, want direct", ep)
	}
}

func TestAddProxies_Dedupes(t *testing.T) {
	p := newTestPool("http://10.0.0.1:8080")

	added := p.AddProxies([]string{"http://10.0.0.1:8080", "http://10.0.0.2:8080", "", "  "})
	if added != 1 {
		t.Errorf("AddProxies() = %d, want 1", added)
	}
	if p.Size() != 3 {
		t.Errorf("Size() = %d, want 3", p.Size())
	}
}

func TestSelect_RoundRobinVisitsEveryEndpoint(t *testing.T) {
	p := newTestPool("http://10.0.0.1:8080", "http://10.0.0.2:8080")

	// 3 endpoints (direct + 2 proxies), 30 selections: each endpoint
	// must be visited exactly 10 times, none skipped.
	counts := make(map[Endpoint]int)
	for i := 0; i < 30; i++ {
		counts[p.Select(RoundRobin)]++
	}

	if len(counts) != 3 {
		t.Fatalf("round robin visited %d endpoints, want 3", len(counts))
	}
	for ep, n := range counts {
		if n != 10 {
			t.Errorf("endpoint %q visited %d times, want 10", ep, n)
		}
	}
}

func TestSelect_RandomAndWeightedReturnMembers(t *testing.T) {
	p := newTestPool("http://10.0.0.1:8080", "http://10.0.0.2:8080")
	members := map[Endpoint]bool{
		Direct:                  true,
		"http://10.0.0.1:8080":  true,
		"http://10.0.0.2:8080":  true,
	}

	for _, strategy := range []Strategy{Random, Weighted} {
		for i := 0; i < 50; i++ {
			if ep := p.Select(strategy); !members[ep] {
				t.Fatalf("Select(%s) returned non-member %q", strategy, ep)
			}
		}
	}
}

func TestSelect_WeightedFavorsHealthyEndpoint(t *testing.T) {
	p := newTestPool("http://good:8080", "http://bad:8080")

	for i := 0; i < 20; i++ {
		p.ReportSuccess("http://good:8080")
	}
	// Keep the bad proxy below the eviction threshold but with an
	// abysmal success rate.
	p.ReportSuccess("http://bad:8080")
	p.ReportFailure("http://bad:8080")

	good, bad := 0, 0
	for i := 0; i < 2000; i++ {
		switch p.Select(Weighted) {
		case "http://good:8080":
			good++
		case "http://bad:8080":
			bad++
		}
	}

	// Weights: good 1.0, bad 0.5, direct 1.0.
	if good <= bad {
		t.Errorf("weighted selection picked good %d times vs bad %d, want good > bad", good, bad)
	}
}

func TestReportFailure_EvictsAfterMaxFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proxies = []string{"http://10.0.0.1:8080", "http://10.0.0.2:8080"}
	cfg.MaxFails = 3
	p := New(cfg)

	bad := Endpoint("http://10.0.0.1:8080")
	for i := 0; i < 3; i++ {
		p.ReportFailure(bad)
	}

	if p.Size() != 2 {
		t.Fatalf("Size() = %d after eviction, want 2", p.Size())
	}
	for i := 0; i < 20; i++ {
		if ep := p.Select(RoundRobin); ep == bad {
			t.Fatal("evicted endpoint still returned by Select")
		}
	}
}

func TestReportFailure_DirectNeverEvicted(t *testing.T) {
	p := newTestPool("http://10.0.0.1:8080")

	for i := 0; i < 100; i++ {
		p.ReportFailure(Direct)
	}

	found := false
	for i := 0; i < 10; i++ {
		if p.Select(RoundRobin).IsDirect() {
			found = true
			break
		}
	}
	if !found {
		t.Error("direct sentinel missing from pool after failures")
	}
}

func TestHealthCheck_KeepsReachableProxiesAndDirect(t *testing.T) {
	// An httptest server stands in for a working HTTP proxy: it
	// answers 200 to the absolute-URI probe request.
	goodProxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer goodProxy.Close()

	cfg := DefaultConfig()
	cfg.Proxies = []string{goodProxy.URL, "http://127.0.0.1:1"}
	cfg.CheckURL = "http://example.com/"
	cfg.Timeout = 2 * time.Second
	p := New(cfg)

	survivors := p.HealthCheck(context.Background())

	if len(survivors) != 2 {
		t.Fatalf("HealthCheck() returned %d survivors, want 2 (direct + good proxy)", len(survivors))
	}
	if !survivors[0].IsDirect() {
		t.Error("direct sentinel must survive every health check")
	}
	if survivors[1] != Endpoint(goodProxy.URL) {
		t.Errorf("survivor = %q, want %q", survivors[1], goodProxy.URL)
	}
	if p.Size() != 2 {
		t.Errorf("Size() = %d after membership swap, want 2", p.Size())
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxies.txt")
	content := "http://10.0.0.1:8080\n\nhttp://10.0.0.2:8080\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p := newTestPool()
	if err := p.LoadFile(path); err != nil {
		t.Fatalf("LoadFile() returned unexpected error: %v", err)
	}
	if p.Size() != 3 {
		t.Errorf("Size() = %d, want 3", p.Size())
	}
}

func TestSaveFile_RoundTrip(t *testing.T) {
	p := newTestPool("http://10.0.0.1:8080", "http://10.0.0.2:8080")

	path := filepath.Join(t.TempDir(), "proxies.txt")
	if err := p.SaveFile(path); err != nil {
		t.Fatalf("SaveFile() returned unexpected error: %v", err)
	}

	p2 := newTestPool()
	if err := p2.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	if p2.Size() != p.Size() {
		t.Errorf("reloaded pool size = %d, want %d", p2.Size(), p.Size())
	}
}

func TestBest_OrdersBySuccessRate(t *testing.T) {
	p := newTestPool("http://winner:8080", "http://loser:8080")

	p.ReportSuccess("http://winner:8080")
	p.ReportSuccess("http://winner:8080")
	p.ReportSuccess("http://loser:8080")
	p.ReportFailure("http://loser:8080")
	p.ReportFailure("http://loser:8080")

	best := p.Best(2)
	if len(best) != 2 {
		t.Fatalf("Best(2) returned %d endpoints", len(best))
	}
	if best[0] != "http://winner:8080" {
		t.Errorf("Best()[0] = %q, want the fully successful proxy", best[0])
	}
}

func TestStats_Snapshot(t *testing.T) {
	p := newTestPool("http://10.0.0.1:8080")
	ep := Endpoint("http://10.0.0.1:8080")

	p.ReportSuccess(ep)
	p.ReportSuccess(ep)
	p.ReportFailure(ep)

	stats := p.Stats()
	st, ok := stats["http://10.0.0.1:8080"]
	if !ok {
		t.Fatal("Stats() missing tracked proxy")
	}
	if st.Success != 2 || st.Failure != 1 {
		t.Errorf("stat = %+v, want 2 successes / 1 failure", st)
	}
	if got := st.SuccessRate(); got < 0.66 || got > 0.67 {
		t.Errorf("SuccessRate() = %v, want ~0.667", got)
	}
}
