// Package types contains the shared domain types for NetPulse.
//
// # Metric Model
//
// Every observation is a MetricSample: a timestamped, tagged, floating-point
// measurement. One monitor tick produces a snapshot - three per-target samples
// (latency, jitter, packet loss) plus a single aggregate internet_health
// sample, all sharing the tick's timestamp. Samples are append-only; nothing
// in this system updates or deletes a written sample.
package types

import (
	"time"
)

// =============================================================================
// METRIC SAMPLES
// =============================================================================

// Metric type identifiers for MetricSample.MetricType.
const (
	MetricLatencyMs      = "latency_ms"
	MetricJitterMs       = "jitter_ms"
	MetricPacketLossPct  = "packet_loss_pct"
	MetricInternetHealth = "internet_health"
)

// TargetMetricTypes are the per-target metric types written each tick.
var TargetMetricTypes = []string{MetricLatencyMs, MetricJitterMs, MetricPacketLossPct}

// MetricSample is one persisted observation.
type MetricSample struct {
	// Timestamp is assigned once per monitor tick; all samples from the
	// same tick share it.
	Timestamp time.Time `json:"timestamp"`

	// MetricType is one of the Metric* constants.
	MetricType string `json:"metric_type"`

	Value float64 `json:"value"`

	// Tags carry {"target": <address>} for per-target metrics and are
	// empty for the aggregate health score.
	Tags map[string]string `json:"tags,omitempty"`

	// DeviceID optionally associates the sample with an inventory device.
	// Always nil for samples written by the health monitor.
	DeviceID *string `json:"device_id,omitempty"`
}

// TargetTags builds the tag set for a per-target sample.
func TargetTags(address string) map[string]string {
	return map[string]string{"target": address}
}

// Target returns the target address tag, or "" for aggregate samples.
func (s *MetricSample) Target() string {
	if s.Tags == nil {
		return ""
	}
	return s.Tags["target"]
}

// =============================================================================
// PROBE RESULTS
// =============================================================================

// Target is one probed network address with a human label for alerts
// (e.g. "Gateway", "ISP edge", "DNS resolver").
type Target struct {
	Address string `yaml:"address" json:"address"`
	Label   string `yaml:"label" json:"label"`
}

// PingResult is the transient per-target outcome of one probe round.
// It is reduced into MetricSample rows and never persisted directly.
type PingResult struct {
	Target string `json:"target"`

	// RTTs are the observed round-trip times in milliseconds, in arrival
	// order. Empty when the host produced no replies.
	RTTs []float64 `json:"rtts"`

	// PacketLossPct is (sent-received)/sent*100. A probe that could not
	// run at all reports 100.
	PacketLossPct float64 `json:"packet_loss_pct"`
}

// Reachable reports whether the target returned at least one echo reply.
func (r PingResult) Reachable() bool {
	return len(r.RTTs) > 0
}

// =============================================================================
// SNAPSHOTS AND ALERTS
// =============================================================================

// Snapshot is the aggregate outcome of one monitor tick.
type Snapshot struct {
	Timestamp        time.Time    `json:"timestamp"`
	Health           float64      `json:"internet_health"`
	AvgLatencyMs     float64      `json:"latency_ms"`
	AvgJitterMs      float64      `json:"jitter_ms"`
	AvgPacketLossPct float64      `json:"packet_loss_pct"`
	Results          []PingResult `json:"results"`
}

// TargetBreakdown is one target's reduced metrics inside a degradation alert.
type TargetBreakdown struct {
	Address       string  `json:"address"`
	Label         string  `json:"label"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	AvgJitterMs   float64 `json:"avg_jitter_ms"`
	PacketLossPct float64 `json:"packet_loss_pct"`
	Reachable     bool    `json:"reachable"`
}

// DegradationAlert is the payload delivered to alert channels when the
// health score crosses below the configured threshold.
type DegradationAlert struct {
	ID               string            `json:"id"`
	Timestamp        time.Time         `json:"timestamp"`
	Score            float64           `json:"score"`
	Threshold        float64           `json:"threshold"`
	PreviousScore    *float64          `json:"previous_score,omitempty"`
	AvgLatencyMs     float64           `json:"avg_latency_ms"`
	AvgJitterMs      float64           `json:"avg_jitter_ms"`
	AvgPacketLossPct float64           `json:"avg_packet_loss_pct"`
	Targets          []TargetBreakdown `json:"targets"`
}

// =============================================================================
// SERVICE HEALTH
// =============================================================================

// ProcessHealth describes the server process itself, reported by the
// service health endpoint.
type ProcessHealth struct {
	Status        string  `json:"status"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
}
