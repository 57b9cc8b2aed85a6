// Package latencydriver fans out node×round control-plane latency probes
// against a single router instance under a concurrency bound, then
// aggregates per-node statistics.
package latencydriver

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/resinat/resinprobe/internal/controlapi"
	"github.com/resinat/resinprobe/internal/metrics"
)

const (
	defaultRounds      = 10
	defaultConcurrency = 30
)

// Config controls the Latency phase.
type Config struct {
	// ProbeURL is the target the router's control API pings through each
	// candidate proxy.
	ProbeURL string

	// Rounds is the number of probes run per node.
	Rounds int

	// Concurrency bounds the number of outstanding probes against the
	// router at any time, across all nodes and rounds.
	Concurrency int

	// TimeoutMs is passed through to the router's own delay endpoint.
	TimeoutMs int
}

func (c Config) withDefaults() Config {
	if c.Rounds == 0 {
		c.Rounds = defaultRounds
	}
	if c.Concurrency == 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = 5000
	}
	return c
}

// Driver runs the Latency phase against one router's control API.
type Driver struct {
	api *controlapi.Client
	cfg Config
}

// New builds a Driver bound to a running router's control API client.
func New(api *controlapi.Client, cfg Config) *Driver {
	return &Driver{api: api, cfg: cfg.withDefaults()}
}

// Run fires Rounds probes for each of nodes concurrently, bounded by
// Concurrency, and writes the aggregated statistics into the corresponding
// NodeMetrics record. progress is invoked once per node, after that node's
// final round completes, without holding the concurrency semaphore.
//
// A probe that errors (including one whose ctx deadline expires) is treated
// as a timeout: a nil sample, never propagated. Router-level failures
// (e.g. ctx cancellation from outside) abort the whole phase.
func (d *Driver) Run(ctx context.Context, nodes map[string]*metrics.NodeMetrics, progress func(name string)) error {
	sem := make(chan struct{}, d.cfg.Concurrency)
	var wg sync.WaitGroup

	type slot struct {
		mu      sync.Mutex
		results []metrics.LatencyRoundResult
	}
	slots := make(map[string]*slot, len(nodes))
	countdowns := make(map[string]*atomic.Int32, len(nodes))

	for name := range nodes {
		slots[name] = &slot{results: make([]metrics.LatencyRoundResult, d.cfg.Rounds)}
		c := &atomic.Int32{}
		c.Store(int32(d.cfg.Rounds))
		countdowns[name] = c
	}

	for name := range nodes {
		name := name
		for round := 0; round < d.cfg.Rounds; round++ {
			round := round
			select {
			case <-ctx.Done():
				wg.Wait()
				return ctx.Err()
			case sem <- struct{}{}:
			}
			wg.Add(1)
			go func() {
				defer wg.Done()

				roundCtx, cancel := context.WithTimeout(ctx, controlapi.WatchdogTimeout(d.cfg.TimeoutMs))
				ms := d.api.TestLatency(roundCtx, name, d.cfg.ProbeURL, d.cfg.TimeoutMs)
				cancel()

				s := slots[name]
				s.mu.Lock()
				s.results[round] = metrics.LatencyRoundResult{Millis: ms}
				s.mu.Unlock()

				// Release the slot before the progress callback so the
				// callback never runs while holding the concurrency bound.
				<-sem

				if countdowns[name].Add(-1) == 0 {
					progress(name)
				}
			}()
		}
	}

	wg.Wait()

	for name, nm := range nodes {
		nm.FinishLatency(slots[name].results, d.cfg.Rounds)
	}
	log.Printf("[latency] phase complete: %d nodes, %d rounds each", len(nodes), d.cfg.Rounds)
	return nil
}
