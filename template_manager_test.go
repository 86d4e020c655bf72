package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeDaemon serves the template and block submission endpoints with a
// controllable height and failure modes.
type fakeDaemon struct {
	srv           *httptest.Server
	height        atomic.Uint64
	difficulty    atomic.Uint64
	fetches       atomic.Int64
	broken        atomic.Bool
	submits       atomic.Int64
	submitFail    atomic.Bool
	submitDelayMs atomic.Int64
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	fd := &fakeDaemon{}
	fd.height.Store(10)
	fd.difficulty.Store(50000)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/mining/template", func(w http.ResponseWriter, r *http.Request) {
		fd.fetches.Add(1)
		if fd.broken.Load() {
			http.Error(w, "daemon unavailable", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{
			"index": %d,
			"difficulty": %d,
			"timestamp": %d,
			"previousHash": %q,
			"merkleRoot": %q,
			"transactions": [{"isCoinbase": true}]
		}`, fd.height.Load(), fd.difficulty.Load(), time.Now().UnixMilli(),
			strings.Repeat("ab", 32), strings.Repeat("cd", 32))
	})
	mux.HandleFunc("/api/blocks/submit", func(w http.ResponseWriter, r *http.Request) {
		if d := fd.submitDelayMs.Load(); d > 0 {
			time.Sleep(time.Duration(d) * time.Millisecond)
		}
		if fd.submitFail.Load() {
			http.Error(w, "invalid block", http.StatusBadRequest)
			return
		}
		fd.submits.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	fd.srv = httptest.NewServer(mux)
	t.Cleanup(fd.srv.Close)
	return fd
}

func templateTestConfig(daemonURL string) Config {
	cfg := defaultConfig()
	cfg.DaemonURL = daemonURL
	cfg.PoolAddress = "1" + strings.Repeat("a", 25)
	return cfg
}

// TestTemplateManagerFetchAndNotify checks that a refresh caches the
// template and observers fire exactly once per height increase.
func TestTemplateManagerFetchAndNotify(t *testing.T) {
	fd := newFakeDaemon(t)
	cfg := templateTestConfig(fd.srv.URL)
	metrics := NewPoolMetrics()
	tm := NewTemplateManager(cfg, NewDaemonClient(cfg, metrics), metrics)

	var notified, second atomic.Int64
	tm.OnNewTemplate(func(tpl *Template) { notified.Add(1) })
	tm.OnNewTemplate(func(tpl *Template) { second.Add(1) })

	ctx := context.Background()
	if err := tm.ForceUpdate(ctx); err != nil {
		t.Fatalf("ForceUpdate: %v", err)
	}
	tpl := tm.Current()
	if tpl == nil {
		t.Fatal("no template cached after refresh")
	}
	if tpl.Index != 10 || tpl.Difficulty != 50000 {
		t.Fatalf("cached template %+v", tpl)
	}
	if tpl.PoolDifficulty != 10000 {
		t.Fatalf("pool difficulty %d, want 10000", tpl.PoolDifficulty)
	}
	if got := notified.Load(); got != 1 {
		t.Fatalf("notified %d times, want 1", got)
	}
	if !metrics.DaemonHealthy() {
		t.Fatal("daemon not marked healthy after a successful fetch")
	}

	// Same height again: cache refreshes, no second notification.
	if err := tm.ForceUpdate(ctx); err != nil {
		t.Fatalf("ForceUpdate: %v", err)
	}
	if got := notified.Load(); got != 1 {
		t.Fatalf("same-height refresh notified, count %d", got)
	}

	// Height advances: exactly one more notification.
	fd.height.Store(11)
	if err := tm.ForceUpdate(ctx); err != nil {
		t.Fatalf("ForceUpdate: %v", err)
	}
	if got := notified.Load(); got != 2 {
		t.Fatalf("notified %d times after height advance, want 2", got)
	}
	if got := second.Load(); got != 2 {
		t.Fatalf("second observer fired %d times, want 2", got)
	}
	if tm.LatestHeight() != 11 {
		t.Fatalf("latest height %d, want 11", tm.LatestHeight())
	}
}

// TestTemplateManagerKeepsOldOnFailure verifies a failed refresh leaves the
// cached template in place and flips the daemon health flag.
func TestTemplateManagerKeepsOldOnFailure(t *testing.T) {
	fd := newFakeDaemon(t)
	cfg := templateTestConfig(fd.srv.URL)
	metrics := NewPoolMetrics()
	tm := NewTemplateManager(cfg, NewDaemonClient(cfg, metrics), metrics)

	ctx := context.Background()
	if err := tm.ForceUpdate(ctx); err != nil {
		t.Fatalf("ForceUpdate: %v", err)
	}

	fd.broken.Store(true)
	if err := tm.ForceUpdate(ctx); err == nil {
		t.Fatal("refresh against a broken daemon succeeded")
	}
	if metrics.DaemonHealthy() {
		t.Fatal("daemon still marked healthy after a failed fetch")
	}
	if tm.Current() == nil {
		t.Fatal("cached template lost on a failed refresh")
	}
}

// TestTemplateManagerRetryBackoff checks the failure delay grows and caps.
func TestTemplateManagerRetryBackoff(t *testing.T) {
	tm := &TemplateManager{}
	delays := []time.Duration{
		tm.nextRetryDelay(),
		tm.nextRetryDelay(),
		tm.nextRetryDelay(),
		tm.nextRetryDelay(),
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 20 * time.Second}
	for i, d := range delays {
		if d != want[i] {
			t.Fatalf("retry delay %d = %v, want %v", i, d, want[i])
		}
	}
	tm.resetRetryDelay()
	if d := tm.nextRetryDelay(); d != 5*time.Second {
		t.Fatalf("delay after reset = %v, want 5s", d)
	}
}
