// Package engine wires the three testing phases — Latency, Speed,
// Geolocation — into the single entry point the rest of the system calls.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/resinat/resinprobe/internal/batch"
	"github.com/resinat/resinprobe/internal/controlapi"
	"github.com/resinat/resinprobe/internal/geoclient"
	"github.com/resinat/resinprobe/internal/latencydriver"
	"github.com/resinat/resinprobe/internal/metrics"
	"github.com/resinat/resinprobe/internal/noderecord"
	"github.com/resinat/resinprobe/internal/routerproc"
	"github.com/resinat/resinprobe/internal/speedpool"
)

// Config controls one end-to-end test run.
type Config struct {
	RouterBinPath string // path to the external proxy-router binary
	ProbeURL      string // control-plane latency probe target

	LatencyRounds      int
	LatencyConcurrency int
	LatencyTimeoutMs   int

	EnableSpeed      bool
	SpeedWorkers     int
	SpeedConnections int
	SpeedTimeoutS    int

	EnableGeo bool

	ReadyTimeout time.Duration // router start readiness timeout
}

// Progress is invoked once per node per phase it participates in. phase is
// one of "latency", "speed", "geo".
type Progress func(phase, name string)

// Engine runs the three-phase test against a batch of nodes.
type Engine struct {
	cfg Config
}

// New builds an Engine from cfg.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Run executes Latency, then (if enabled) Speed, then (if enabled)
// Geolocation, strictly in that order, and returns the aggregated
// per-source metrics. sourceOf attributes each record to its owning
// airport name.
func (e *Engine) Run(ctx context.Context, records []noderecord.Record, sourceOf func(noderecord.Record) string, progress Progress) ([]metrics.AirportMetrics, error) {
	if progress == nil {
		progress = func(string, string) {}
	}

	testedAt := time.Now()
	plan, err := batch.Build(records, sourceOf, testedAt)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	if plan.Index.Len() == 0 {
		return plan.Aggregate(), nil
	}

	if err := e.runLatency(ctx, plan, progress); err != nil {
		return nil, fmt.Errorf("engine: latency phase: %w", err)
	}

	if e.cfg.EnableSpeed {
		if err := e.runSpeed(ctx, plan, progress); err != nil {
			return nil, fmt.Errorf("engine: speed phase: %w", err)
		}
	}

	if e.cfg.EnableGeo {
		// Geo failures are non-fatal to the invocation: already-collected
		// data from prior phases is preserved even if the geo router
		// itself never comes up.
		if err := e.runGeo(ctx, plan, progress); err != nil {
			log.Printf("[engine] geo phase aborted: %v", err)
		}
	}

	return plan.Aggregate(), nil
}

func (e *Engine) runLatency(ctx context.Context, plan *batch.Plan, progress Progress) error {
	sup := routerproc.New(e.cfg.RouterBinPath)
	return sup.Run(ctx, plan.AllRecords(), e.cfg.ReadyTimeout, func(ctx context.Context) error {
		api := controlapi.New(sup.APIBase())
		driver := latencydriver.New(api, latencydriver.Config{
			ProbeURL:    e.cfg.ProbeURL,
			Rounds:      e.cfg.LatencyRounds,
			Concurrency: e.cfg.LatencyConcurrency,
			TimeoutMs:   e.cfg.LatencyTimeoutMs,
		})
		return driver.Run(ctx, plan.Index.Snapshot(), func(name string) {
			progress("latency", name)
		})
	})
}

func (e *Engine) runSpeed(ctx context.Context, plan *batch.Plan, progress Progress) error {
	alive := plan.AliveRecords()
	if len(alive) == 0 {
		return nil
	}
	return speedpool.Run(ctx, alive, plan.Index.Snapshot(), speedpool.Config{
		BinPath:     e.cfg.RouterBinPath,
		Workers:     e.cfg.SpeedWorkers,
		Connections: e.cfg.SpeedConnections,
		TimeoutS:    e.cfg.SpeedTimeoutS,
	}, func(name string) {
		progress("speed", name)
	})
}

func (e *Engine) runGeo(ctx context.Context, plan *batch.Plan, progress Progress) error {
	alive := plan.AliveRecords()
	if len(alive) == 0 {
		return nil
	}
	sup := routerproc.New(e.cfg.RouterBinPath)
	return sup.Run(ctx, plan.AllRecords(), e.cfg.ReadyTimeout, func(ctx context.Context) error {
		client := geoclient.New(sup.APIBase(), sup.SOCKS5URL())
		return client.Run(ctx, plan.Index.Snapshot(), func(name string) {
			progress("geo", name)
		})
	})
}
