// Package notify evaluates health-score threshold crossings and delivers
// one-shot degradation alerts.
//
// # State Machine
//
// There is no persisted alert state: the previous tick's internet_health
// sample IS the state. An alert fires only on the tick where the score
// crosses from healthy (previous absent or >= threshold) to degraded
// (new < threshold). While the score stays degraded nothing fires, and
// recovery is silent.
//
// Delivery is fire-and-forget: one goroutine per channel, each with its own
// timeout, so a slow SMTP server can neither block the tick nor starve the
// webhook channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pulse-net/netpulse/internal/score"
	"github.com/pulse-net/netpulse/pkg/types"
)

// Channel delivers a rendered alert. Implementations must be safe for
// concurrent use.
type Channel interface {
	Name() string
	Send(ctx context.Context, subject, body string) error
}

// DefaultSendTimeout bounds a single channel delivery.
const DefaultSendTimeout = 30 * time.Second

// Notifier decides whether a tick's snapshot fires a degradation alert and
// dispatches it to all configured channels.
type Notifier struct {
	threshold   float64
	targets     []types.Target
	channels    []Channel
	sendTimeout time.Duration
	logger      *slog.Logger
}

// NewNotifier creates a notifier for the given threshold and channels.
func NewNotifier(threshold float64, targets []types.Target, channels []Channel, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		threshold:   threshold,
		targets:     targets,
		channels:    channels,
		sendTimeout: DefaultSendTimeout,
		logger:      logger.With("component", "notifier"),
	}
}

// Evaluate compares the snapshot against the previous tick's score and fires
// at most one alert. prev is the prior stored internet_health value, nil when
// no prior tick exists. The returned alert is nil when nothing fired.
func (n *Notifier) Evaluate(prev *float64, snap types.Snapshot) *types.DegradationAlert {
	wasHealthy := prev == nil || *prev >= n.threshold
	if !wasHealthy {
		// Already degraded: no repeat alert every tick.
		return nil
	}
	if snap.Health >= n.threshold {
		return nil
	}

	alert := n.buildAlert(prev, snap)
	n.logger.Warn("internet health degraded",
		"alert_id", alert.ID,
		"score", alert.Score,
		"threshold", alert.Threshold,
	)
	n.dispatch(alert)
	return alert
}

// buildAlert assembles the alert payload with the per-target breakdown.
func (n *Notifier) buildAlert(prev *float64, snap types.Snapshot) *types.DegradationAlert {
	alert := &types.DegradationAlert{
		ID:               uuid.New().String(),
		Timestamp:        snap.Timestamp,
		Score:            snap.Health,
		Threshold:        n.threshold,
		PreviousScore:    prev,
		AvgLatencyMs:     snap.AvgLatencyMs,
		AvgJitterMs:      snap.AvgJitterMs,
		AvgPacketLossPct: snap.AvgPacketLossPct,
	}

	labels := make(map[string]string, len(n.targets))
	for _, t := range n.targets {
		labels[t.Address] = t.Label
	}

	for _, r := range snap.Results {
		label := labels[r.Target]
		if label == "" {
			label = r.Target
		}
		alert.Targets = append(alert.Targets, types.TargetBreakdown{
			Address:       r.Target,
			Label:         label,
			AvgLatencyMs:  score.TargetAvgLatency(r.RTTs),
			AvgJitterMs:   score.TargetJitter(r.RTTs),
			PacketLossPct: r.PacketLossPct,
			Reachable:     r.Reachable(),
		})
	}
	return alert
}

// dispatch sends the alert to every channel without waiting for any of them.
// A channel failure is logged and never affects the others or the tick.
func (n *Notifier) dispatch(alert *types.DegradationAlert) {
	subject := RenderSubject(alert)
	body := RenderBody(alert)

	for _, ch := range n.channels {
		go func(ch Channel) {
			ctx, cancel := context.WithTimeout(context.Background(), n.sendTimeout)
			defer cancel()

			if err := ch.Send(ctx, subject, body); err != nil {
				n.logger.Error("alert delivery failed",
					"channel", ch.Name(),
					"alert_id", alert.ID,
					"error", err,
				)
				return
			}
			n.logger.Info("alert delivered",
				"channel", ch.Name(),
				"alert_id", alert.ID,
			)
		}(ch)
	}
}

// RenderSubject renders the alert subject line.
func RenderSubject(alert *types.DegradationAlert) string {
	return fmt.Sprintf("Internet health degraded to %.1f (threshold %.0f)", alert.Score, alert.Threshold)
}

// RenderBody renders the plain-text alert body with the per-target breakdown.
func RenderBody(alert *types.DegradationAlert) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Internet health dropped to %.1f at %s.\n", alert.Score, alert.Timestamp.UTC().Format(time.RFC3339))
	if alert.PreviousScore != nil {
		fmt.Fprintf(&b, "Previous score: %.1f\n", *alert.PreviousScore)
	}
	fmt.Fprintf(&b, "\nAggregate: latency %.2fms, jitter %.2fms, packet loss %.1f%%\n", alert.AvgLatencyMs, alert.AvgJitterMs, alert.AvgPacketLossPct)

	b.WriteString("\nPer-target breakdown:\n")
	for _, t := range alert.Targets {
		if !t.Reachable {
			fmt.Fprintf(&b, "  %s (%s): unreachable, %.1f%% loss\n", t.Label, t.Address, t.PacketLossPct)
			continue
		}
		fmt.Fprintf(&b, "  %s (%s): latency %.2fms, jitter %.2fms, loss %.1f%%\n",
			t.Label, t.Address, t.AvgLatencyMs, t.AvgJitterMs, t.PacketLossPct)
	}
	return b.String()
}
