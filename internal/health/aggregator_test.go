package health

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stackops/stackctl/internal/inventory"
)

func testInventory(t *testing.T, urls map[string]string) *inventory.Inventory {
	t.Helper()
	doc := "stack_name: test\ncomponents:\n"
	for name, url := range urls {
		doc += fmt.Sprintf("  - name: %s\n    health_check: {url: %s, timeout: 500ms}\n", name, url)
	}
	inv, err := inventory.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return inv
}

func TestCheckAllHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inv := testInventory(t, map[string]string{"a": srv.URL, "b": srv.URL, "c": srv.URL})
	agg := NewAggregator(NewProber(testLogger()), DefaultConfig(), testLogger())

	report := agg.Check(context.Background(), inv)
	if !report.Healthy {
		t.Fatalf("Healthy = false, unhealthy: %v", report.Unhealthy())
	}
	if len(report.Components) != 3 {
		t.Fatalf("len(Components) = %d, want 3", len(report.Components))
	}
	for _, c := range report.Components {
		if c.Status != StatusHealthy {
			t.Errorf("%s status = %v, want healthy", c.Name, c.Status)
		}
	}
}

func TestCheckMixedStatuses(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	inv := testInventory(t, map[string]string{"good": healthy.URL, "bad": broken.URL})
	agg := NewAggregator(NewProber(testLogger()), DefaultConfig(), testLogger())

	report := agg.Check(context.Background(), inv)
	if report.Healthy {
		t.Error("Healthy = true with a failing component")
	}

	unhealthy := report.Unhealthy()
	if len(unhealthy) != 1 || unhealthy[0] != "bad" {
		t.Errorf("Unhealthy() = %v, want [bad]", unhealthy)
	}
}

func TestCheckBoundsConcurrency(t *testing.T) {
	var inflight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inflight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inflight.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	urls := make(map[string]string, 6)
	for i := 0; i < 6; i++ {
		urls[fmt.Sprintf("c%d", i)] = srv.URL
	}
	inv := testInventory(t, urls)

	agg := NewAggregator(NewProber(testLogger()), Config{MaxConcurrentProbes: 2, RecheckInterval: time.Second}, testLogger())
	report := agg.Check(context.Background(), inv)

	if !report.Healthy {
		t.Fatalf("Healthy = false, unhealthy: %v", report.Unhealthy())
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrent probes = %d, want <= 2", p)
	}
}

func TestWaitUntilHealthyEventually(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inv := testInventory(t, map[string]string{"flaky": srv.URL})
	agg := NewAggregator(NewProber(testLogger()), Config{MaxConcurrentProbes: 2, RecheckInterval: 50 * time.Millisecond}, testLogger())

	report := agg.WaitUntilHealthy(context.Background(), inv, 5*time.Second)
	if !report.Healthy {
		t.Errorf("Healthy = false after recovery, unhealthy: %v", report.Unhealthy())
	}
}

func TestWaitUntilHealthyDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	inv := testInventory(t, map[string]string{"down": srv.URL})
	agg := NewAggregator(NewProber(testLogger()), Config{MaxConcurrentProbes: 2, RecheckInterval: 50 * time.Millisecond}, testLogger())

	start := time.Now()
	report := agg.WaitUntilHealthy(context.Background(), inv, 300*time.Millisecond)
	elapsed := time.Since(start)

	if report.Healthy {
		t.Error("Healthy = true for a permanently down stack")
	}
	if elapsed > 2*time.Second {
		t.Errorf("WaitUntilHealthy ran %v past a 300ms deadline", elapsed)
	}
}
