// Package api provides the console's HTTP surface.
//
// # Endpoints
//
// Metrics API:
//   - GET /api/v1/status - Latest health score with per-target breakdown
//   - GET /api/v1/metrics/health/history - Recent health scores, oldest first
//   - GET /api/v1/metrics/{type}/range - Raw samples over a time window
//
// Streaming:
//   - GET /ws/metrics - Live aggregate metrics over WebSocket
//
// Health:
//   - GET /api/v1/health - Service health check (always unauthenticated)
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pulse-net/netpulse/internal/cache"
	"github.com/pulse-net/netpulse/internal/score"
	"github.com/pulse-net/netpulse/internal/sysinfo"
	"github.com/pulse-net/netpulse/pkg/types"
)

const (
	cacheTTLHistory = 10 * time.Second

	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000

	defaultRangeWindow = time.Hour
	maxRangeWindow     = 24 * time.Hour
)

// MetricReader is the subset of store reads the API serves from.
type MetricReader interface {
	Ping(ctx context.Context) error
	LatestHealth(ctx context.Context) (*types.MetricSample, error)
	LatestSamples(ctx context.Context, metricType string, tags map[string]string, limit int) ([]types.MetricSample, error)
	RangeSamples(ctx context.Context, metricType string, tags map[string]string, from, to time.Time) ([]types.MetricSample, error)
	SamplesAt(ctx context.Context, metricTypes []string, at time.Time) ([]types.MetricSample, error)
	RecentSamples(ctx context.Context, metricTypes []string, until time.Time, lookback time.Duration) ([]types.MetricSample, error)
}

// StreamInfo reports live stream state for the health endpoint.
type StreamInfo interface {
	ClientCount() int
}

// Config holds API server configuration.
type Config struct {
	// APITokenHash is the bcrypt hash protecting the metrics endpoints.
	// Empty disables auth.
	APITokenHash string

	// Targets is the configured probe target list, used for per-target
	// breakdowns.
	Targets []types.Target

	// FallbackWindow bounds lookbacks when reducing per-target rows.
	FallbackWindow time.Duration
}

// Server is the HTTP API server.
type Server struct {
	store   MetricReader
	cache   *cache.Cache // may be nil
	process *sysinfo.Collector
	stream  StreamInfo // may be nil
	config  Config
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewServer creates a new API server. The stream handler is mounted at
// /ws/metrics.
func NewServer(store MetricReader, responseCache *cache.Cache, process *sysinfo.Collector, stream StreamInfo, streamHandler http.HandlerFunc, config Config, logger *slog.Logger) *Server {
	if config.FallbackWindow <= 0 {
		config.FallbackWindow = 15 * time.Minute
	}
	s := &Server{
		store:   store,
		cache:   responseCache,
		process: process,
		stream:  stream,
		config:  config,
		logger:  logger.With("component", "api"),
		mux:     http.NewServeMux(),
	}
	s.registerRoutes(streamHandler)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes(streamHandler http.HandlerFunc) {
	auth := s.authMiddleware()

	// Health stays open so load balancers can probe it.
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.mux.HandleFunc("GET /api/v1/status", wrapHandler(s.handleStatus, auth))
	s.mux.HandleFunc("GET /api/v1/metrics/health/history", wrapHandler(s.handleHealthHistory, auth))
	s.mux.HandleFunc("GET /api/v1/metrics/{type}/range", wrapHandler(s.handleMetricRange, auth))

	if streamHandler != nil {
		// The stream does its own credential check in-band.
		s.mux.HandleFunc("GET /ws/metrics", streamHandler)
	}
}

// =============================================================================
// HEALTH
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}

	dbStatus := "ok"
	if err := s.store.Ping(r.Context()); err != nil {
		dbStatus = "error"
		resp["status"] = "degraded"
	}
	resp["database"] = dbStatus

	if s.process != nil {
		resp["process"] = s.process.ProcessHealth()
	}
	if s.stream != nil {
		resp["stream_clients"] = s.stream.ClientCount()
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// STATUS
// =============================================================================

type targetStatus struct {
	Address       string   `json:"address"`
	Label         string   `json:"label"`
	LatencyMs     *float64 `json:"latency_ms"`
	JitterMs      *float64 `json:"jitter_ms"`
	PacketLossPct *float64 `json:"packet_loss_pct"`
}

type statusResponse struct {
	InternetHealth *float64       `json:"internet_health"`
	Timestamp      *time.Time     `json:"timestamp"`
	AvgLatencyMs   *float64       `json:"avg_latency_ms"`
	AvgJitterMs    *float64       `json:"avg_jitter_ms"`
	AvgPacketLoss  *float64       `json:"avg_packet_loss_pct"`
	Targets        []targetStatus `json:"targets"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	health, err := s.store.LatestHealth(r.Context())
	if err != nil {
		s.logger.Error("status: latest health read failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read health score")
		return
	}

	resp := statusResponse{Targets: []targetStatus{}}
	if health == nil {
		// No tick has run yet.
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	ts := health.Timestamp.UTC()
	resp.InternetHealth = &health.Value
	resp.Timestamp = &ts

	rows, err := s.store.SamplesAt(r.Context(), types.TargetMetricTypes, health.Timestamp)
	if err == nil && len(rows) == 0 {
		rows, err = s.store.RecentSamples(r.Context(), types.TargetMetricTypes, health.Timestamp, s.config.FallbackWindow)
	}
	if err != nil {
		s.logger.Error("status: per-target read failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read target metrics")
		return
	}

	averages := score.AverageByMetric(rows)
	resp.AvgLatencyMs = averages[types.MetricLatencyMs]
	resp.AvgJitterMs = averages[types.MetricJitterMs]
	resp.AvgPacketLoss = averages[types.MetricPacketLossPct]
	resp.Targets = s.targetBreakdown(rows)

	s.writeJSON(w, http.StatusOK, resp)
}

// targetBreakdown reduces rows to the newest value per (target, metric).
// Rows must be newest-first; the first value seen for a pair wins.
func (s *Server) targetBreakdown(rows []types.MetricSample) []targetStatus {
	latest := make(map[string]map[string]float64)
	for _, row := range rows {
		target := row.Target()
		if target == "" {
			continue
		}
		if latest[target] == nil {
			latest[target] = make(map[string]float64)
		}
		if _, seen := latest[target][row.MetricType]; !seen {
			latest[target][row.MetricType] = row.Value
		}
	}

	statuses := make([]targetStatus, 0, len(s.config.Targets))
	for _, t := range s.config.Targets {
		st := targetStatus{Address: t.Address, Label: t.Label}
		if vals, ok := latest[t.Address]; ok {
			if v, ok := vals[types.MetricLatencyMs]; ok {
				st.LatencyMs = &v
			}
			if v, ok := vals[types.MetricJitterMs]; ok {
				st.JitterMs = &v
			}
			if v, ok := vals[types.MetricPacketLossPct]; ok {
				st.PacketLossPct = &v
			}
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// =============================================================================
// HISTORY
// =============================================================================

type historyPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

func (s *Server) handleHealthHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		limit = n
	}

	cacheKey := "health_history:" + strconv.Itoa(limit)
	if s.cache != nil {
		var cached []historyPoint
		if hit, err := s.cache.GetJSON(r.Context(), cacheKey, &cached); err == nil && hit {
			s.writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	samples, err := s.store.LatestSamples(r.Context(), types.MetricInternetHealth, nil, limit)
	if err != nil {
		s.logger.Error("history read failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read health history")
		return
	}

	// Store reads come back newest-first; charts want oldest-first.
	points := make([]historyPoint, 0, len(samples))
	for i := len(samples) - 1; i >= 0; i-- {
		points = append(points, historyPoint{
			Timestamp: samples[i].Timestamp.UTC(),
			Value:     samples[i].Value,
		})
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(r.Context(), cacheKey, points, cacheTTLHistory); err != nil {
			s.logger.Warn("failed to cache health history", "error", err)
		}
	}

	s.writeJSON(w, http.StatusOK, points)
}

// =============================================================================
// RANGE
// =============================================================================

var validRangeMetrics = map[string]bool{
	types.MetricLatencyMs:      true,
	types.MetricJitterMs:       true,
	types.MetricPacketLossPct:  true,
	types.MetricInternetHealth: true,
}

func (s *Server) handleMetricRange(w http.ResponseWriter, r *http.Request) {
	metricType := r.PathValue("type")
	if !validRangeMetrics[metricType] {
		s.writeError(w, http.StatusBadRequest, "unknown metric type")
		return
	}

	window := defaultRangeWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "window must be a positive duration")
			return
		}
		if d > maxRangeWindow {
			d = maxRangeWindow
		}
		window = d
	}

	var tags map[string]string
	if target := r.URL.Query().Get("target"); target != "" {
		tags = types.TargetTags(target)
	}

	to := time.Now().UTC()
	from := to.Add(-window)

	samples, err := s.store.RangeSamples(r.Context(), metricType, tags, from, to)
	if err != nil {
		s.logger.Error("range read failed", "metric_type", metricType, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read samples")
		return
	}

	if samples == nil {
		samples = []types.MetricSample{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"metric_type": metricType,
		"from":        from.Format(time.RFC3339),
		"to":          to.Format(time.RFC3339),
		"samples":     samples,
	})
}
