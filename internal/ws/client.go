package ws

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulse-net/netpulse/internal/score"
	"github.com/pulse-net/netpulse/pkg/types"
)

const (
	writeWait = 10 * time.Second

	// maxReadFailures is how many consecutive store read failures a
	// connection tolerates before it is closed as unrecoverable.
	maxReadFailures = 5
)

// frame is the wire envelope for every outbound message.
type frame struct {
	Event   string          `json:"event"`
	Data    *metricsPayload `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// metricsPayload is one aggregate metrics push. The per-metric averages are
// null when no per-target rows were found in the fallback window.
type metricsPayload struct {
	InternetHealth float64  `json:"internet_health"`
	LatencyMs      *float64 `json:"latency_ms"`
	JitterMs       *float64 `json:"jitter_ms"`
	PacketLossPct  *float64 `json:"packet_loss_pct"`
	Timestamp      string   `json:"timestamp"`
}

func errorFrame(message string) frame {
	return frame{Event: "error", Message: message}
}

// client is one live stream connection.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	closeOnce sync.Once
}

func (c *client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.hub.remove(c)
	defer c.close(websocket.CloseNormalClosure, "")

	// The read pump exists only to notice the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	c.poll(ctx)
}

// poll pushes a frame each time the stored health timestamp advances.
func (c *client) poll(ctx context.Context) {
	ticker := time.NewTicker(c.hub.config.PollInterval)
	defer ticker.Stop()

	var lastTS time.Time
	readFailures := 0

	for {
		// First check runs immediately so a fresh connection gets the
		// current state without waiting out a full interval.
		payload, ts, err := c.nextPayload(ctx, lastTS)
		if err != nil {
			readFailures++
			c.hub.logger.Debug("stream poll failed", "client_id", c.id, "error", err, "failures", readFailures)
			if readFailures >= maxReadFailures {
				c.hub.logger.Warn("stream client dropped after repeated read failures", "client_id", c.id)
				c.close(websocket.CloseInternalServerErr, "metric store unavailable")
				return
			}
		} else {
			readFailures = 0
			if payload != nil {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteJSON(frame{Event: "metrics", Data: payload}); err != nil {
					return
				}
				lastTS = ts
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// nextPayload reads the latest health row and, when its timestamp has moved
// past lastTS, assembles the aggregate payload for it. A nil payload with a
// nil error means nothing new to push.
func (c *client) nextPayload(ctx context.Context, lastTS time.Time) (*metricsPayload, time.Time, error) {
	health, err := c.hub.source.LatestHealth(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	if health == nil || !health.Timestamp.After(lastTS) {
		return nil, time.Time{}, nil
	}

	rows, err := c.hub.source.SamplesAt(ctx, types.TargetMetricTypes, health.Timestamp)
	if err != nil {
		return nil, time.Time{}, err
	}
	if len(rows) == 0 {
		// Per-target rows can lag or be missing entirely; fall back to the
		// newest rows in the window ending at the health timestamp.
		rows, err = c.hub.source.RecentSamples(ctx, types.TargetMetricTypes, health.Timestamp, c.hub.config.FallbackWindow)
		if err != nil {
			return nil, time.Time{}, err
		}
	}

	averages := score.AverageByMetric(rows)
	payload := &metricsPayload{
		InternetHealth: round1(health.Value),
		LatencyMs:      round2p(averages[types.MetricLatencyMs]),
		JitterMs:       round2p(averages[types.MetricJitterMs]),
		PacketLossPct:  round2p(averages[types.MetricPacketLossPct]),
		Timestamp:      health.Timestamp.UTC().Format(time.RFC3339),
	}
	return payload, health.Timestamp, nil
}

func (c *client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(writeWait))
		c.conn.Close()
	})
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func round2p(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := math.Round(*v*100) / 100
	return &r
}
