// Package testutil provides testing utilities and fixtures.
//
// Fixtures use functional options for customization:
//
//	snap := testutil.FixtureSnapshot()
//	snap := testutil.FixtureSnapshot(func(s *types.Snapshot) {
//		s.Health = 12.5
//	})
package testutil

import (
	"io"
	"log/slog"
	"time"

	"github.com/pulse-net/netpulse/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FixtureTargets returns the canonical three-target list.
func FixtureTargets() []types.Target {
	return []types.Target{
		{Address: "192.168.1.1", Label: "Gateway"},
		{Address: "100.64.12.1", Label: "ISP edge"},
		{Address: "8.8.8.8", Label: "DNS resolver"},
	}
}

// FixturePingResults returns healthy probe results for FixtureTargets.
func FixturePingResults(overrides ...func([]types.PingResult)) []types.PingResult {
	results := []types.PingResult{
		{Target: "192.168.1.1", RTTs: []float64{1.2, 1.4, 1.3}, PacketLossPct: 0},
		{Target: "100.64.12.1", RTTs: []float64{8.0, 8.5, 8.2}, PacketLossPct: 0},
		{Target: "8.8.8.8", RTTs: []float64{12.1, 12.4, 12.0}, PacketLossPct: 0},
	}
	for _, override := range overrides {
		override(results)
	}
	return results
}

// FixtureSnapshot returns a healthy tick snapshot.
func FixtureSnapshot(overrides ...func(*types.Snapshot)) types.Snapshot {
	snap := types.Snapshot{
		Timestamp:        time.Date(2024, 1, 1, 0, 0, 3, 0, time.UTC),
		Health:           97.4,
		AvgLatencyMs:     7.1,
		AvgJitterMs:      0.3,
		AvgPacketLossPct: 0,
		Results:          FixturePingResults(),
	}
	for _, override := range overrides {
		override(&snap)
	}
	return snap
}

// FixtureSample returns a metric sample with sensible defaults.
func FixtureSample(overrides ...func(*types.MetricSample)) types.MetricSample {
	smp := types.MetricSample{
		Timestamp:  time.Date(2024, 1, 1, 0, 0, 3, 0, time.UTC),
		MetricType: types.MetricInternetHealth,
		Value:      97.4,
	}
	for _, override := range overrides {
		override(&smp)
	}
	return smp
}
