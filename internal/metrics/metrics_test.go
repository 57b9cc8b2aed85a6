package metrics

import (
	"math"
	"testing"
	"time"
)

func f(v float64) *float64 { return &v }

func roundsFromMillis(vals []*float64) []LatencyRoundResult {
	out := make([]LatencyRoundResult, len(vals))
	for i, v := range vals {
		out[i] = LatencyRoundResult{Millis: v}
	}
	return out
}

func TestScenarioOneAllAliveEqualLatency(t *testing.T) {
	now := time.Now()
	a := NewNodeMetrics("A", "vmess", "1.1.1.1", 1, "air1", now)
	b := NewNodeMetrics("B", "vmess", "2.2.2.2", 2, "air1", now)

	samples := make([]*float64, 10)
	for i := range samples {
		samples[i] = f(50)
	}
	a.FinishLatency(roundsFromMillis(samples), 10)
	b.FinishLatency(roundsFromMillis(samples), 10)

	if !a.IsAlive || !b.IsAlive {
		t.Fatalf("expected both alive")
	}
	if *a.LatencyMedian != 50 || *a.LatencyP95 != 50 {
		t.Fatalf("expected median=p95=50, got median=%v p95=%v", *a.LatencyMedian, *a.LatencyP95)
	}
	if *a.LatencyJitter != 0 {
		t.Fatalf("expected jitter=0, got %v", *a.LatencyJitter)
	}

	agg := Aggregate("air1", []*NodeMetrics{a, b})
	if agg.AliveRate != 1.0 {
		t.Fatalf("expected alive_rate=1.0, got %v", agg.AliveRate)
	}
	if *agg.MedianLatency != 50 {
		t.Fatalf("expected airport median_latency=50, got %v", *agg.MedianLatency)
	}
}

func TestScenarioTwoPartialLoss(t *testing.T) {
	a := NewNodeMetrics("A", "vmess", "1.1.1.1", 1, "air1", time.Now())
	a.FinishLatency(roundsFromMillis([]*float64{f(100), nil, f(200), nil}), 4)

	if a.LatencyLossRate != 0.5 {
		t.Fatalf("expected loss_rate=0.5, got %v", a.LatencyLossRate)
	}
	if len(a.LatencySamples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(a.LatencySamples))
	}
	if *a.LatencyMedian != 150 {
		t.Fatalf("expected median=150, got %v", *a.LatencyMedian)
	}
	if *a.LatencyP95 != 200 {
		t.Fatalf("expected p95=200, got %v", *a.LatencyP95)
	}
	if math.Abs(*a.LatencyJitter-70.710678) > 1e-4 {
		t.Fatalf("expected jitter≈70.710678, got %v", *a.LatencyJitter)
	}
}

func TestP95ExactTwentySamples(t *testing.T) {
	vals := make([]*float64, 20)
	for i := 0; i < 20; i++ {
		vals[i] = f(float64(i + 1))
	}
	nm := NewNodeMetrics("A", "vmess", "1.1.1.1", 1, "air1", time.Now())
	nm.FinishLatency(roundsFromMillis(vals), 20)
	if *nm.LatencyP95 != 19 {
		t.Fatalf("expected p95=19 (index ceil(0.95*20)-1=18 -> value 19), got %v", *nm.LatencyP95)
	}
}

func TestAllTimeoutsYieldDead(t *testing.T) {
	nm := NewNodeMetrics("A", "vmess", "1.1.1.1", 1, "air1", time.Now())
	nm.FinishLatency(roundsFromMillis([]*float64{nil, nil, nil}), 3)
	if nm.IsAlive {
		t.Fatalf("expected dead node")
	}
	if nm.LatencyMedian != nil || nm.LatencyP95 != nil || nm.LatencyJitter != nil {
		t.Fatalf("expected all derived latency fields nil")
	}
	if nm.LatencyLossRate != 1.0 {
		t.Fatalf("expected loss_rate=1.0, got %v", nm.LatencyLossRate)
	}
}

func TestSpeedBlockedOnlyWhenSpeedNil(t *testing.T) {
	nm := NewNodeMetrics("A", "vmess", "1.1.1.1", 1, "air1", time.Now())
	nm.ApplySpeed(nil)
	if !nm.SpeedBlocked {
		t.Fatalf("expected blocked=true when speed is nil")
	}
	nm.ApplySpeed(f(12.5))
	if nm.SpeedBlocked {
		t.Fatalf("expected blocked=false when speed is present")
	}
}

func TestAggregateZeroTotalNodesNoDivisionByZero(t *testing.T) {
	agg := Aggregate("empty", nil)
	if agg.AliveRate != 0.0 {
		t.Fatalf("expected alive_rate=0.0 for empty airport, got %v", agg.AliveRate)
	}
	if agg.MedianLatency != nil || agg.P95Latency != nil || agg.AvgJitter != nil || agg.AvgSpeed != nil {
		t.Fatalf("expected all roll-ups nil for empty airport")
	}
}

func TestAggregateIsIdempotent(t *testing.T) {
	nm := NewNodeMetrics("A", "vmess", "1.1.1.1", 1, "air1", time.Now())
	nm.FinishLatency(roundsFromMillis([]*float64{f(10), f(20), f(30)}), 3)
	nm.ApplySpeed(f(42))

	first := Aggregate("air1", []*NodeMetrics{nm})
	second := Aggregate("air1", []*NodeMetrics{nm})

	if *first.MedianLatency != *second.MedianLatency || *first.AvgSpeed != *second.AvgSpeed {
		t.Fatalf("expected identical roll-ups across repeated aggregation")
	}
}

func TestAliveNodesCountMatchesFilter(t *testing.T) {
	alive := NewNodeMetrics("A", "t", "s", 1, "air1", time.Now())
	alive.FinishLatency(roundsFromMillis([]*float64{f(10)}), 1)

	dead := NewNodeMetrics("B", "t", "s", 2, "air1", time.Now())
	dead.FinishLatency(roundsFromMillis([]*float64{nil}), 1)

	agg := Aggregate("air1", []*NodeMetrics{alive, dead})
	if agg.AliveNodes != 1 {
		t.Fatalf("expected alive_nodes=1, got %d", agg.AliveNodes)
	}
}
