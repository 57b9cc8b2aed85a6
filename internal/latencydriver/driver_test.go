package latencydriver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/resinat/resinprobe/internal/controlapi"
	"github.com/resinat/resinprobe/internal/metrics"
)

func TestRunSingleNodeAllAlive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"delay": 50}`)
	}))
	defer srv.Close()

	api := controlapi.New(srv.URL)
	d := New(api, Config{ProbeURL: "http://probe", Rounds: 10, Concurrency: 5})

	nm := metrics.NewNodeMetrics("A", "vmess", "1.1.1.1", 1, "air1", time.Now())
	nodes := map[string]*metrics.NodeMetrics{"A": nm}

	var progressed int32
	err := d.Run(context.Background(), nodes, func(name string) {
		atomic.AddInt32(&progressed, 1)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if progressed != 1 {
		t.Fatalf("expected progress called exactly once, got %d", progressed)
	}
	if !nm.IsAlive {
		t.Fatalf("expected node alive")
	}
	if *nm.LatencyMedian != 50 {
		t.Fatalf("expected median=50, got %v", *nm.LatencyMedian)
	}
}

func TestRunPartialLossSequential(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusOK)
		switch n {
		case 1:
			fmt.Fprint(w, `{"delay": 100}`)
		case 2:
			fmt.Fprint(w, `{"delay": 0}`) // treated as null per zero-delay rule
		case 3:
			fmt.Fprint(w, `{"delay": 200}`)
		default:
			fmt.Fprint(w, `{"delay": 0}`)
		}
	}))
	defer srv.Close()

	api := controlapi.New(srv.URL)
	// Concurrency 1 makes request order deterministic for this test.
	d := New(api, Config{ProbeURL: "http://probe", Rounds: 4, Concurrency: 1})

	nm := metrics.NewNodeMetrics("A", "vmess", "1.1.1.1", 1, "air1", time.Now())
	nodes := map[string]*metrics.NodeMetrics{"A": nm}

	if err := d.Run(context.Background(), nodes, func(string) {}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if nm.LatencyLossRate != 0.5 {
		t.Fatalf("expected loss_rate=0.5, got %v", nm.LatencyLossRate)
	}
	if len(nm.LatencySamples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(nm.LatencySamples))
	}
	if *nm.LatencyMedian != 150 {
		t.Fatalf("expected median=150, got %v", *nm.LatencyMedian)
	}
}

func TestRunMultipleNodesProgressOncePerNode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"delay": 10}`)
	}))
	defer srv.Close()

	api := controlapi.New(srv.URL)
	d := New(api, Config{ProbeURL: "http://probe", Rounds: 5, Concurrency: 8})

	nodes := map[string]*metrics.NodeMetrics{
		"A": metrics.NewNodeMetrics("A", "t", "s", 1, "air1", time.Now()),
		"B": metrics.NewNodeMetrics("B", "t", "s", 2, "air1", time.Now()),
		"C": metrics.NewNodeMetrics("C", "t", "s", 3, "air1", time.Now()),
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	err := d.Run(context.Background(), nodes, func(name string) {
		mu.Lock()
		seen[name]++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for name, n := range seen {
		if n != 1 {
			t.Fatalf("expected exactly 1 progress call for %s, got %d", name, n)
		}
	}
	if len(seen) != 3 {
		t.Fatalf("expected progress for all 3 nodes, got %d", len(seen))
	}
}

func TestRunZeroNodes(t *testing.T) {
	api := controlapi.New("http://127.0.0.1:1")
	d := New(api, Config{ProbeURL: "http://probe"})
	if err := d.Run(context.Background(), map[string]*metrics.NodeMetrics{}, func(string) {}); err != nil {
		t.Fatalf("expected zero-node batch to succeed cleanly, got %v", err)
	}
}
