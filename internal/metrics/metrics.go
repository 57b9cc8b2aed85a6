// Package metrics computes per-node and per-source statistics from the raw
// latency/speed/geolocation samples produced by the testing phases.
package metrics

import (
	"math"
	"sort"
	"time"
)

// NodeMetrics is the per-node result record. It is created once per batch
// before the Latency phase and mutated in place by each phase that owns the
// node in its window; the aggregator reads it only once all phases for that
// node have completed.
type NodeMetrics struct {
	Name       string
	Type       string
	Server     string
	Port       int
	SourceName string

	IsAlive bool

	// LatencySamples holds one entry per round that did not time out, in
	// the order of the round results passed to FinishLatency (round order
	// when filled by the Latency driver).
	LatencySamples  []float64
	LatencyMedian   *float64
	LatencyP95      *float64
	LatencyJitter   *float64
	LatencyLossRate float64

	SpeedMbps    *float64
	SpeedBlocked bool

	ExitIP      *string
	ExitCountry *string
	ExitCity    *string
	ExitISP     *string

	TestedAt time.Time
}

// NewNodeMetrics allocates a fresh record for one node, as done once per
// batch before Phase 1.
func NewNodeMetrics(name, typ, server string, port int, sourceName string, testedAt time.Time) *NodeMetrics {
	return &NodeMetrics{
		Name:       name,
		Type:       typ,
		Server:     server,
		Port:       port,
		SourceName: sourceName,
		TestedAt:   testedAt,
	}
}

// LatencyRoundResult is one round's result: ms on success, nil on
// timeout/error. FinishLatency computes the derived statistics once all
// rounds for this node are in.
type LatencyRoundResult struct {
	Millis *float64
}

// FinishLatency computes the derived latency statistics from the full set of
// round results for this node. rounds is the configured round count (R);
// results need not be in round order.
func (nm *NodeMetrics) FinishLatency(results []LatencyRoundResult, rounds int) {
	samples := make([]float64, 0, len(results))
	for _, r := range results {
		if r.Millis != nil {
			samples = append(samples, *r.Millis)
		}
	}
	nm.LatencySamples = samples

	if rounds > 0 {
		nm.LatencyLossRate = float64(rounds-len(samples)) / float64(rounds)
	} else {
		nm.LatencyLossRate = 0
	}

	if len(samples) == 0 {
		nm.IsAlive = false
		nm.LatencyMedian = nil
		nm.LatencyP95 = nil
		nm.LatencyJitter = nil
		nm.LatencyLossRate = 1.0
		return
	}

	nm.IsAlive = true
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	med := median(sorted)
	nm.LatencyMedian = &med

	p95 := percentile95(sorted)
	nm.LatencyP95 = &p95

	jitter := 0.0
	if len(sorted) > 1 {
		jitter = sampleStddev(sorted)
	}
	nm.LatencyJitter = &jitter
}

// ApplySpeed records the outcome of the Speed phase for this node.
func (nm *NodeMetrics) ApplySpeed(mbps *float64) {
	nm.SpeedMbps = mbps
	nm.SpeedBlocked = mbps == nil
}

// ApplyGeo records a successful Geolocation lookup for this node, setting
// all four exit fields. It is not called on a non-success outcome, so those
// fields stay nil.
func (nm *NodeMetrics) ApplyGeo(ip, country, city, isp string) {
	nm.ExitIP = &ip
	nm.ExitCountry = &country
	nm.ExitCity = &city
	nm.ExitISP = &isp
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// percentile95 uses nearest-rank with index = ceil(0.95*n) - 1, clamped to
// zero for small n.
func percentile95(sorted []float64) float64 {
	n := len(sorted)
	idx := int(math.Ceil(0.95*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// sampleStddev is the sample standard deviation (Bessel's correction,
// divide by n-1). Callers must ensure len(samples) > 1.
func sampleStddev(samples []float64) float64 {
	n := float64(len(samples))
	mean := 0.0
	for _, v := range samples {
		mean += v
	}
	mean /= n
	var sumSq float64
	for _, v := range samples {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / (n - 1))
}

// AirportMetrics is the per-source roll-up.
type AirportMetrics struct {
	Name          string
	TotalNodes    int
	AliveNodes    int
	AliveRate     float64
	MedianLatency *float64
	P95Latency    *float64
	AvgJitter     *float64
	AvgSpeed      *float64
	Nodes         []*NodeMetrics
}

// Aggregate computes an AirportMetrics roll-up from a source name and its
// member nodes. It may be called repeatedly against the same input and
// always yields identical results (no internal mutable state).
func Aggregate(name string, nodes []*NodeMetrics) AirportMetrics {
	out := AirportMetrics{
		Name:       name,
		TotalNodes: len(nodes),
		Nodes:      nodes,
	}

	var medians, p95s, jitters, speeds []float64
	for _, n := range nodes {
		if !n.IsAlive {
			continue
		}
		out.AliveNodes++
		if n.LatencyMedian != nil {
			medians = append(medians, *n.LatencyMedian)
		}
		if n.LatencyP95 != nil {
			p95s = append(p95s, *n.LatencyP95)
		}
		if n.LatencyJitter != nil {
			jitters = append(jitters, *n.LatencyJitter)
		}
		if !n.SpeedBlocked && n.SpeedMbps != nil {
			speeds = append(speeds, *n.SpeedMbps)
		}
	}

	if out.TotalNodes > 0 {
		out.AliveRate = float64(out.AliveNodes) / float64(out.TotalNodes)
	}

	out.MedianLatency = medianPtr(medians)
	out.P95Latency = medianPtr(p95s)
	out.AvgJitter = meanPtr(jitters)
	out.AvgSpeed = meanPtr(speeds)

	return out
}

func medianPtr(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	m := median(sorted)
	return &m
}

func meanPtr(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	m := sum / float64(len(values))
	return &m
}
