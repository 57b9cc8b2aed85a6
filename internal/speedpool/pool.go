// Package speedpool runs the Speed phase: a fixed pool of workers, each
// owning its own router instance, measures sustained download throughput
// for alive nodes through the router's SOCKS5 port.
package speedpool

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/resinat/resinprobe/internal/controlapi"
	"github.com/resinat/resinprobe/internal/metrics"
	"github.com/resinat/resinprobe/internal/noderecord"
	"github.com/resinat/resinprobe/internal/routerproc"
	"github.com/resinat/resinprobe/internal/upstream"
)

const (
	defaultWorkers     = 5
	defaultConnections = 16
	defaultTimeoutS    = 10
	defaultReadyS      = 10 * time.Second
)

// Config controls the Speed phase.
type Config struct {
	BinPath string // path to the router binary

	// Workers is the number of concurrent worker tasks, each owning its
	// own router instance for the lifetime of the phase.
	Workers int

	// Connections is the number of parallel download connections each
	// worker opens for a single node's measurement window.
	Connections int

	// TimeoutS is the measurement window length, in seconds.
	TimeoutS int
}

func (c Config) withDefaults() Config {
	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}
	if c.Connections == 0 {
		c.Connections = defaultConnections
	}
	if c.TimeoutS == 0 {
		c.TimeoutS = defaultTimeoutS
	}
	return c
}

// sentinel marks the end of the work queue for one worker.
var sentinel = noderecord.Record{}

// Run enqueues every alive node onto a shared queue followed by Workers
// sentinel markers, then starts Workers worker tasks that each consume until
// they see their sentinel. Each worker owns one router, loaded with the full
// alive set (so it can select any node later handed to it), for the whole
// phase. A node is never tested by more than one worker; workers progress
// independently with no ordering guarantee across them.
//
// If a worker's router fails to start, every node it subsequently drains
// from the queue is reported blocked and the worker exits; other workers are
// unaffected.
func Run(ctx context.Context, aliveNodes []noderecord.Record, metricsMap map[string]*metrics.NodeMetrics, cfg Config, progress func(name string)) error {
	cfg = cfg.withDefaults()

	if len(aliveNodes) == 0 {
		return nil
	}

	queue := make(chan noderecord.Record, len(aliveNodes)+cfg.Workers)
	for _, rec := range aliveNodes {
		queue <- rec
	}
	for i := 0; i < cfg.Workers; i++ {
		queue <- sentinel
	}
	close(queue)

	type done struct{}
	results := make(chan done, cfg.Workers)

	for wi := 0; wi < cfg.Workers; wi++ {
		go func(workerIdx int) {
			runWorker(ctx, workerIdx, queue, aliveNodes, metricsMap, cfg, progress)
			results <- done{}
		}(wi)
	}

	for i := 0; i < cfg.Workers; i++ {
		<-results
	}

	log.Printf("[speed] phase complete: %d nodes across %d workers", len(aliveNodes), cfg.Workers)
	return nil
}

func runWorker(ctx context.Context, workerIdx int, queue chan noderecord.Record, allAlive []noderecord.Record, metricsMap map[string]*metrics.NodeMetrics, cfg Config, progress func(name string)) {
	drainRemaining := func(reason error) {
		for rec := range queue {
			if rec.IsZero() {
				return
			}
			name, _ := rec.Name()
			log.Printf("[speed] worker %d: router unavailable, marking %q blocked: %v", workerIdx, name, reason)
			if nm, ok := metricsMap[name]; ok {
				nm.ApplySpeed(nil)
			}
			progress(name)
		}
	}

	sup := routerproc.New(cfg.BinPath)
	if err := sup.Start(ctx, allAlive, defaultReadyS); err != nil {
		drainRemaining(err)
		return
	}
	defer sup.Stop()

	api := controlapi.New(sup.APIBase())
	client, err := upstream.SOCKS5Client(sup.SOCKS5URL(), cfg.Connections)
	if err != nil {
		drainRemaining(err)
		return
	}

	window := time.Duration(cfg.TimeoutS) * time.Second
	watchdog := time.Duration(10+cfg.TimeoutS+20) * time.Second
	cachedURL := ""

	for rec := range queue {
		if rec.IsZero() {
			return
		}
		name, _ := rec.Name()
		nm := metricsMap[name]

		mbps, newCache := testNodeWithWatchdog(ctx, api, client, name, cachedURL, cfg.Connections, window, watchdog)
		if newCache != "" {
			cachedURL = newCache
		}
		if nm != nil {
			nm.ApplySpeed(mbps)
		}
		progress(name)
	}
}

// testNodeWithWatchdog wraps select_node + settle + measurement in a hard
// per-node timeout; on expiry the node is reported blocked.
func testNodeWithWatchdog(ctx context.Context, api *controlapi.Client, client *http.Client, name, cachedURL string, connections int, window, watchdog time.Duration) (*float64, string) {
	nodeCtx, cancel := context.WithTimeout(ctx, watchdog)
	defer cancel()

	type outcome struct {
		mbps  *float64
		cache string
	}
	out := make(chan outcome, 1)

	go func() {
		api.SelectNode(nodeCtx, name)
		select {
		case <-time.After(settleDelay):
		case <-nodeCtx.Done():
			out <- outcome{}
			return
		}

		u := pickURL(nodeCtx, client, cachedURL)
		if u == "" {
			out <- outcome{}
			return
		}
		mbps := measure(nodeCtx, client, u, connections, window)
		out <- outcome{mbps: mbps, cache: u}
	}()

	select {
	case o := <-out:
		return o.mbps, o.cache
	case <-nodeCtx.Done():
		return nil, ""
	}
}
