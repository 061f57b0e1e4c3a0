// Package monitor drives the periodic probe -> score -> store pipeline.
//
// # Tick Model
//
// A ticker fires the pipeline every interval regardless of how long the
// previous tick took. Ticks never overlap and never queue: if the previous
// tick still holds the tick lock when the next one is due, the new tick is
// skipped outright. Each tick is bounded by its own timeout; probes that do
// not finish in time count as 100% loss for their targets.
//
// A failed tick (probe wipeout, store write error) is logged and dropped.
// The next tick starts from scratch.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pulse-net/netpulse/internal/score"
	"github.com/pulse-net/netpulse/pkg/types"
)

// Prober issues one probe round against the configured targets.
type Prober interface {
	Probe(ctx context.Context, targets []types.Target) []types.PingResult
}

// MetricStore is the subset of store operations the monitor needs.
type MetricStore interface {
	AppendSamples(ctx context.Context, samples []types.MetricSample) error
	LatestSamples(ctx context.Context, metricType string, tags map[string]string, limit int) ([]types.MetricSample, error)
}

// Evaluator decides whether a snapshot fires a degradation alert.
type Evaluator interface {
	Evaluate(prev *float64, snap types.Snapshot) *types.DegradationAlert
}

// Config holds monitor configuration.
type Config struct {
	// Interval between ticks.
	Interval time.Duration

	// TickTimeout bounds one whole tick. Must not exceed Interval.
	TickTimeout time.Duration

	// Targets is the fixed, ordered probe target list.
	Targets []types.Target
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(targets []types.Target) Config {
	return Config{
		Interval:    10 * time.Second,
		TickTimeout: 8 * time.Second,
		Targets:     targets,
	}
}

// Monitor runs the probe pipeline on a fixed interval.
type Monitor struct {
	prober   Prober
	store    MetricStore
	notifier Evaluator
	config   Config
	logger   *slog.Logger

	stopCh chan struct{}

	// tickMu enforces the at-most-one-concurrent-tick invariant.
	tickMu sync.Mutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(prober Prober, store MetricStore, notifier Evaluator, config Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		prober:   prober,
		store:    store,
		notifier: notifier,
		config:   config,
		logger:   logger.With("component", "health_monitor"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the monitor loop in a goroutine.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop signals the monitor to stop. An in-flight tick finishes on its own
// timeout.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run(ctx context.Context) {
	m.logger.Info("health monitor started",
		"interval", m.config.Interval,
		"targets", len(m.config.Targets),
	)

	// Run immediately on start
	m.RunOnce(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopping (context cancelled)")
			return
		case <-m.stopCh:
			m.logger.Info("health monitor stopping (stop signal)")
			return
		case <-ticker.C:
			// Ticks run off the loop goroutine so a slow tick cannot
			// delay the ticker; the lock below drops overlapping ones.
			go m.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single tick, or skips it if one is already running.
func (m *Monitor) RunOnce(ctx context.Context) {
	if !m.tickMu.TryLock() {
		m.logger.Warn("previous tick still running, skipping this tick")
		return
	}
	defer m.tickMu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, m.config.TickTimeout)
	defer cancel()

	m.tick(tctx)
}

// probeWriteMargin is the slice of the tick budget reserved for persisting
// samples after the probe returns.
const probeWriteMargin = 2 * time.Second

func (m *Monitor) tick(ctx context.Context) {
	start := time.Now()
	ts := start.UTC()

	// The probe gets its own sub-deadline: a probe that hangs to its limit
	// degrades to 100%-loss results and the tick still gets stored, instead
	// of the append finding the whole budget already spent.
	probeCtx, cancelProbe := context.WithTimeout(ctx, m.probeBudget())
	results := m.prober.Probe(probeCtx, m.config.Targets)
	cancelProbe()
	snap := score.BuildSnapshot(ts, results)
	samples := buildSamples(snap)

	// The previous tick's score is read before this tick's append so the
	// notifier compares against the prior stored value.
	prev, prevErr := m.previousHealth(ctx)

	if err := m.store.AppendSamples(ctx, samples); err != nil {
		m.logger.Error("failed to append tick samples", "error", err, "samples", len(samples))
		return
	}

	if prevErr != nil {
		m.logger.Warn("previous health unavailable, skipping alert evaluation", "error", prevErr)
	} else {
		m.notifier.Evaluate(prev, snap)
	}

	m.logger.Debug("tick complete",
		"health", snap.Health,
		"samples", len(samples),
		"elapsed", time.Since(start),
	)
}

// probeBudget is the tick budget minus the write margin, floored at half the
// budget so short tick timeouts still probe at all.
func (m *Monitor) probeBudget() time.Duration {
	budget := m.config.TickTimeout - probeWriteMargin
	if budget < m.config.TickTimeout/2 {
		budget = m.config.TickTimeout / 2
	}
	return budget
}

// previousHealth reads the most recent stored score. Returns (nil, nil) when
// no tick has been stored yet.
func (m *Monitor) previousHealth(ctx context.Context) (*float64, error) {
	samples, err := m.store.LatestSamples(ctx, types.MetricInternetHealth, nil, 1)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}
	return &samples[0].Value, nil
}

// buildSamples flattens a snapshot into the tick's sample batch: three rows
// per target plus the aggregate health row, all on the tick timestamp.
func buildSamples(snap types.Snapshot) []types.MetricSample {
	samples := make([]types.MetricSample, 0, 3*len(snap.Results)+1)

	for _, r := range snap.Results {
		tags := types.TargetTags(r.Target)
		samples = append(samples,
			types.MetricSample{
				Timestamp:  snap.Timestamp,
				MetricType: types.MetricLatencyMs,
				Value:      score.TargetAvgLatency(r.RTTs),
				Tags:       tags,
			},
			types.MetricSample{
				Timestamp:  snap.Timestamp,
				MetricType: types.MetricJitterMs,
				Value:      score.TargetJitter(r.RTTs),
				Tags:       tags,
			},
			types.MetricSample{
				Timestamp:  snap.Timestamp,
				MetricType: types.MetricPacketLossPct,
				Value:      r.PacketLossPct,
				Tags:       tags,
			},
		)
	}

	samples = append(samples, types.MetricSample{
		Timestamp:  snap.Timestamp,
		MetricType: types.MetricInternetHealth,
		Value:      snap.Health,
	})
	return samples
}
