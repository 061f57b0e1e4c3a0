package score

import (
	"math"
	"testing"
	"time"

	"github.com/pulse-net/netpulse/pkg/types"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestTargetAvgLatency(t *testing.T) {
	tests := []struct {
		name string
		rtts []float64
		want float64
	}{
		{"empty", nil, 0},
		{"single", []float64{5.5}, 5.5},
		{"multiple", []float64{10, 12, 11}, 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TargetAvgLatency(tt.rtts); !almostEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTargetJitter(t *testing.T) {
	tests := []struct {
		name string
		rtts []float64
		want float64
	}{
		{"empty", nil, 0},
		{"single sample has no jitter", []float64{42}, 0},
		{"two samples", []float64{10, 14}, 4},
		{"arrival order", []float64{10, 12, 11}, 1.5},
		{"direction ignored", []float64{20, 10, 20}, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TargetJitter(tt.rtts); !almostEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAggregate(t *testing.T) {
	results := []types.PingResult{
		{Target: "192.168.1.1", RTTs: []float64{10, 12, 11}, PacketLossPct: 0},
		{Target: "8.8.8.8", RTTs: nil, PacketLossPct: 100},
	}

	lat, jit, loss := Aggregate(results)

	// The unreachable target is excluded from latency/jitter but still
	// contributes to the loss average.
	if !almostEqual(lat, 11) {
		t.Errorf("avg latency: got %v, want 11", lat)
	}
	if !almostEqual(jit, 1.5) {
		t.Errorf("avg jitter: got %v, want 1.5", jit)
	}
	if !almostEqual(loss, 50) {
		t.Errorf("avg loss: got %v, want 50", loss)
	}
}

func TestAggregateEmpty(t *testing.T) {
	lat, jit, loss := Aggregate(nil)
	if lat != 0 || jit != 0 || loss != 0 {
		t.Errorf("got %v %v %v, want zeros", lat, jit, loss)
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name           string
		lat, jit, loss float64
		want           float64
	}{
		{"perfect", 0, 0, 0, 100},
		{"below all thresholds", 29, 9, 0, 100},
		{"latency above floor", 50, 0, 0, 90},
		{"both latency penalties above knee", 150, 0, 0, 15},
		{"jitter penalty", 0, 20, 0, 93},
		{"total loss clamps to zero", 0, 0, 100, 0},
		{"half loss", 11, 1, 50, 0},
		{"loss dominates latency", 500, 200, 100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.lat, tt.jit, tt.loss); !almostEqual(got, tt.want) {
				t.Errorf("Score(%v, %v, %v) = %v, want %v", tt.lat, tt.jit, tt.loss, got, tt.want)
			}
		})
	}
}

func TestScoreBounded(t *testing.T) {
	inputs := [][3]float64{
		{0, 0, 0}, {5000, 1000, 0}, {0, 0, 100}, {12.3, 0.4, 0.1}, {100, 10, 0},
	}
	for _, in := range inputs {
		got := Score(in[0], in[1], in[2])
		if got < 0 || got > 100 {
			t.Errorf("Score(%v) = %v, out of [0,100]", in, got)
		}
	}
}

func TestBuildSnapshot(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 3, 0, time.UTC)
	results := []types.PingResult{
		{Target: "192.168.1.1", RTTs: []float64{10, 12, 11}, PacketLossPct: 0},
		{Target: "8.8.8.8", RTTs: nil, PacketLossPct: 100},
	}

	snap := BuildSnapshot(ts, results)

	if !snap.Timestamp.Equal(ts) {
		t.Errorf("timestamp: got %v, want %v", snap.Timestamp, ts)
	}
	// avg_latency=11, avg_jitter=1.5, avg_loss=50 -> 100 - 0 - 0 - 100, clamped.
	if !almostEqual(snap.Health, 0) {
		t.Errorf("health: got %v, want 0", snap.Health)
	}
	if len(snap.Results) != 2 {
		t.Errorf("results: got %d, want 2", len(snap.Results))
	}
}

func TestAverageByMetric(t *testing.T) {
	ts := time.Now()
	f := func(metric, target string, v float64, age time.Duration) types.MetricSample {
		return types.MetricSample{
			Timestamp:  ts.Add(-age),
			MetricType: metric,
			Value:      v,
			Tags:       types.TargetTags(target),
		}
	}

	// Newest-first rows spanning two ticks: the older tick's rows for the
	// same (target, metric) pair must be ignored.
	rows := []types.MetricSample{
		f(types.MetricLatencyMs, "a", 10, 0),
		f(types.MetricLatencyMs, "b", 30, 0),
		f(types.MetricPacketLossPct, "a", 0, 0),
		f(types.MetricLatencyMs, "a", 500, 10*time.Second),
		f(types.MetricPacketLossPct, "b", 50, 10*time.Second),
	}

	avgs := AverageByMetric(rows)

	if got := avgs[types.MetricLatencyMs]; got == nil || !almostEqual(*got, 20) {
		t.Errorf("latency avg: got %v, want 20", got)
	}
	if got := avgs[types.MetricPacketLossPct]; got == nil || !almostEqual(*got, 25) {
		t.Errorf("loss avg: got %v, want 25", got)
	}
	if avgs[types.MetricJitterMs] != nil {
		t.Errorf("jitter avg: got %v, want nil", avgs[types.MetricJitterMs])
	}
}
