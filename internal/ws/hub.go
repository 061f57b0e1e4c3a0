// Package ws streams live aggregate metrics to console clients over
// WebSocket.
//
// Each connection runs its own poll loop against the metric store; there is
// no shared broadcast fanout. A frame is pushed only when the stored health
// timestamp advances, so an idle pipeline produces an idle stream.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/pulse-net/netpulse/pkg/types"
)

// MetricSource is the subset of store reads the publisher needs.
type MetricSource interface {
	LatestHealth(ctx context.Context) (*types.MetricSample, error)
	SamplesAt(ctx context.Context, metricTypes []string, at time.Time) ([]types.MetricSample, error)
	RecentSamples(ctx context.Context, metricTypes []string, until time.Time, lookback time.Duration) ([]types.MetricSample, error)
}

// Config holds stream configuration.
type Config struct {
	// PollInterval is how often each connection checks for a new tick.
	PollInterval time.Duration

	// FallbackWindow bounds the lookback used when no per-target rows share
	// the health timestamp exactly.
	FallbackWindow time.Duration

	// APITokenHash is the bcrypt hash clients must match. Empty disables
	// auth.
	APITokenHash string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   3 * time.Second,
		FallbackWindow: 15 * time.Minute,
	}
}

// Hub owns the live connections.
type Hub struct {
	source   MetricSource
	config   Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

// NewHub creates a new stream hub.
func NewHub(source MetricSource, config Config, logger *slog.Logger) *Hub {
	if config.PollInterval <= 0 {
		config.PollInterval = 3 * time.Second
	}
	if config.FallbackWindow <= 0 {
		config.FallbackWindow = 15 * time.Minute
	}
	return &Hub{
		source: source,
		config: config,
		logger: logger.With("component", "stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The console UI is served from its own origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// HandleMetrics upgrades the request and starts the per-connection stream.
func (h *Hub) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response.
		h.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	if !h.authorize(r) {
		// Credential rejections are reported in-band so browser clients can
		// surface them; the HTTP handshake already succeeded.
		conn.WriteJSON(errorFrame("unauthorized"))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(time.Second))
		conn.Close()
		h.logger.Warn("stream client rejected", "remote", r.RemoteAddr)
		return
	}

	c := &client{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("stream client connected", "client_id", c.id, "remote", r.RemoteAddr, "clients", count)
	// The request context dies when this handler returns; the connection's
	// lifetime is governed by its read pump instead.
	go c.run(context.Background())
}

// ClientCount reports the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes all live connections.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("stream client disconnected", "client_id", c.id, "clients", count)
}

// authorize checks the bearer credential from the Authorization header or
// the token query parameter.
func (h *Hub) authorize(r *http.Request) bool {
	if h.config.APITokenHash == "" {
		return true
	}

	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	if token == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(h.config.APITokenHash), []byte(token)) == nil
}
