// Package score reduces per-target probe results into aggregate metrics and
// computes the 0-100 internet health score.
package score

import (
	"math"
	"time"

	"github.com/pulse-net/netpulse/pkg/types"
)

// Penalty thresholds and weights for the health score.
const (
	latencyPenaltyFloorMs  = 30.0
	latencyPenaltySlope    = 0.5
	latencyPenaltyKneeMs   = 100.0
	jitterPenaltyFloorMs   = 10.0
	jitterPenaltySlope     = 0.7
	packetLossPenaltySlope = 2.0
)

// TargetAvgLatency returns the arithmetic mean of a target's RTT samples,
// or 0 if the target produced none.
func TargetAvgLatency(rtts []float64) float64 {
	if len(rtts) == 0 {
		return 0
	}
	sum := 0.0
	for _, rtt := range rtts {
		sum += rtt
	}
	return sum / float64(len(rtts))
}

// TargetJitter returns the mean absolute difference between consecutive RTT
// samples in arrival order, or 0 with fewer than two samples.
func TargetJitter(rtts []float64) float64 {
	if len(rtts) < 2 {
		return 0
	}
	sum := 0.0
	for i := 1; i < len(rtts); i++ {
		sum += math.Abs(rtts[i] - rtts[i-1])
	}
	return sum / float64(len(rtts)-1)
}

// Aggregate reduces per-target results into fleet-wide averages.
//
// Latency and jitter average only over targets that produced at least one
// RTT sample. Packet loss averages over ALL targets, so a fully lost target
// still drags the loss aggregate while contributing nothing to latency.
func Aggregate(results []types.PingResult) (avgLatencyMs, avgJitterMs, avgPacketLossPct float64) {
	if len(results) == 0 {
		return 0, 0, 0
	}

	latencySum, jitterSum := 0.0, 0.0
	reachable := 0
	lossSum := 0.0

	for _, r := range results {
		lossSum += r.PacketLossPct
		if !r.Reachable() {
			continue
		}
		reachable++
		latencySum += TargetAvgLatency(r.RTTs)
		jitterSum += TargetJitter(r.RTTs)
	}

	if reachable > 0 {
		avgLatencyMs = latencySum / float64(reachable)
		avgJitterMs = jitterSum / float64(reachable)
	}
	avgPacketLossPct = lossSum / float64(len(results))
	return avgLatencyMs, avgJitterMs, avgPacketLossPct
}

// Score computes the internet health score from aggregate metrics.
//
// Both latency branches fire when latency exceeds the knee: a 150ms average
// is penalised (150-30)*0.5 AND (150-100)*0.5. The branches are cumulative
// on purpose; downstream consumers depend on the historical curve.
func Score(avgLatencyMs, avgJitterMs, avgPacketLossPct float64) float64 {
	score := 100.0

	if avgLatencyMs > latencyPenaltyFloorMs {
		score -= (avgLatencyMs - latencyPenaltyFloorMs) * latencyPenaltySlope
	}
	if avgLatencyMs > latencyPenaltyKneeMs {
		score -= (avgLatencyMs - latencyPenaltyKneeMs) * latencyPenaltySlope
	}
	if avgJitterMs > jitterPenaltyFloorMs {
		score -= (avgJitterMs - jitterPenaltyFloorMs) * jitterPenaltySlope
	}
	score -= avgPacketLossPct * packetLossPenaltySlope

	return clamp(score, 0, 100)
}

// BuildSnapshot reduces one tick's probe results into the full snapshot.
func BuildSnapshot(ts time.Time, results []types.PingResult) types.Snapshot {
	lat, jit, loss := Aggregate(results)
	return types.Snapshot{
		Timestamp:        ts,
		Health:           Score(lat, jit, loss),
		AvgLatencyMs:     lat,
		AvgJitterMs:      jit,
		AvgPacketLossPct: loss,
		Results:          results,
	}
}

// AverageByMetric reduces stored per-target samples to one average per metric
// type, keeping the first row seen per (target, metric) pair.
//
// Rows MUST be ordered newest-first: first-seen-wins over a descending scan is
// what makes this "latest sample per target". Feeding ascending rows would
// silently flip it to "earliest".
func AverageByMetric(rows []types.MetricSample) map[string]*float64 {
	type key struct{ target, metric string }
	seen := make(map[key]bool)
	sums := make(map[string]float64)
	counts := make(map[string]int)

	for i := range rows {
		r := &rows[i]
		k := key{r.Target(), r.MetricType}
		if seen[k] {
			continue
		}
		seen[k] = true
		sums[r.MetricType] += r.Value
		counts[r.MetricType]++
	}

	out := make(map[string]*float64, len(counts))
	for metric, n := range counts {
		avg := sums[metric] / float64(n)
		out[metric] = &avg
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
