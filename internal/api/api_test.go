package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pulse-net/netpulse/internal/sysinfo"
	"github.com/pulse-net/netpulse/internal/testutil"
	"github.com/pulse-net/netpulse/pkg/types"
)

type fakeReader struct {
	pingErr   error
	health    *types.MetricSample
	healthErr error
	latest    []types.MetricSample
	latestErr error
	ranged    []types.MetricSample
	at        []types.MetricSample
	recent    []types.MetricSample

	latestMetricType string
	latestLimit      int
	rangeMetricType  string
	rangeTags        map[string]string
	rangeFrom        time.Time
	rangeTo          time.Time
}

func (f *fakeReader) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeReader) LatestHealth(ctx context.Context) (*types.MetricSample, error) {
	return f.health, f.healthErr
}

func (f *fakeReader) LatestSamples(ctx context.Context, metricType string, tags map[string]string, limit int) ([]types.MetricSample, error) {
	f.latestMetricType = metricType
	f.latestLimit = limit
	return f.latest, f.latestErr
}

func (f *fakeReader) RangeSamples(ctx context.Context, metricType string, tags map[string]string, from, to time.Time) ([]types.MetricSample, error) {
	f.rangeMetricType = metricType
	f.rangeTags = tags
	f.rangeFrom = from
	f.rangeTo = to
	return f.ranged, nil
}

func (f *fakeReader) SamplesAt(ctx context.Context, metricTypes []string, at time.Time) ([]types.MetricSample, error) {
	return f.at, nil
}

func (f *fakeReader) RecentSamples(ctx context.Context, metricTypes []string, until time.Time, lookback time.Duration) ([]types.MetricSample, error) {
	return f.recent, nil
}

type fakeStream struct{ clients int }

func (f *fakeStream) ClientCount() int { return f.clients }

func newTestServer(reader *fakeReader, cfg Config) *Server {
	if cfg.Targets == nil {
		cfg.Targets = testutil.FixtureTargets()
	}
	return NewServer(reader, nil, sysinfo.NewCollector(), &fakeStream{clients: 2}, nil, cfg, testutil.NewTestLogger())
}

func doRequest(t *testing.T, s *Server, method, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(&fakeReader{}, Config{})
	rec := doRequest(t, s, http.MethodGet, "/api/v1/health", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["status"] != "ok" || body["database"] != "ok" {
		t.Errorf("body = %v, want status/database ok", body)
	}
	if body["stream_clients"] != float64(2) {
		t.Errorf("stream_clients = %v, want 2", body["stream_clients"])
	}
}

func TestHealthEndpointDegradedDatabase(t *testing.T) {
	s := newTestServer(&fakeReader{pingErr: errors.New("down")}, Config{})
	rec := doRequest(t, s, http.MethodGet, "/api/v1/health", nil)

	var body map[string]any
	decodeBody(t, rec, &body)
	if body["status"] != "degraded" || body["database"] != "error" {
		t.Errorf("body = %v, want degraded/error", body)
	}
}

func TestHealthEndpointSkipsAuth(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte("tok"), bcrypt.MinCost)
	s := newTestServer(&fakeReader{}, Config{APITokenHash: string(hash)})

	if rec := doRequest(t, s, http.MethodGet, "/api/v1/health", nil); rec.Code != http.StatusOK {
		t.Errorf("health with no token = %d, want 200", rec.Code)
	}
	if rec := doRequest(t, s, http.MethodGet, "/api/v1/status", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("status with no token = %d, want 401", rec.Code)
	}

	header := http.Header{"Authorization": []string{"Bearer tok"}}
	if rec := doRequest(t, s, http.MethodGet, "/api/v1/status", header); rec.Code != http.StatusOK {
		t.Errorf("status with token = %d, want 200", rec.Code)
	}
}

func TestStatusEmptyStore(t *testing.T) {
	s := newTestServer(&fakeReader{}, Config{})
	rec := doRequest(t, s, http.MethodGet, "/api/v1/status", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body statusResponse
	decodeBody(t, rec, &body)
	if body.InternetHealth != nil {
		t.Errorf("internet_health = %v, want null before first tick", *body.InternetHealth)
	}
	if len(body.Targets) != 0 {
		t.Errorf("targets = %v, want empty", body.Targets)
	}
}

func TestStatusBreakdown(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	reader := &fakeReader{
		health: &types.MetricSample{Timestamp: ts, MetricType: types.MetricInternetHealth, Value: 88.2},
		at: []types.MetricSample{
			{Timestamp: ts, MetricType: types.MetricLatencyMs, Value: 1.5, Tags: types.TargetTags("192.168.1.1")},
			{Timestamp: ts, MetricType: types.MetricPacketLossPct, Value: 0, Tags: types.TargetTags("192.168.1.1")},
			{Timestamp: ts, MetricType: types.MetricLatencyMs, Value: 12.5, Tags: types.TargetTags("8.8.8.8")},
		},
	}
	s := newTestServer(reader, Config{})
	rec := doRequest(t, s, http.MethodGet, "/api/v1/status", nil)

	var body statusResponse
	decodeBody(t, rec, &body)
	if body.InternetHealth == nil || *body.InternetHealth != 88.2 {
		t.Fatalf("internet_health = %v, want 88.2", body.InternetHealth)
	}
	if body.AvgLatencyMs == nil || *body.AvgLatencyMs != 7 {
		t.Errorf("avg_latency_ms = %v, want 7", body.AvgLatencyMs)
	}

	// Breakdown follows the configured target order.
	if len(body.Targets) != 3 {
		t.Fatalf("got %d targets, want 3", len(body.Targets))
	}
	if body.Targets[0].Address != "192.168.1.1" || body.Targets[0].LatencyMs == nil || *body.Targets[0].LatencyMs != 1.5 {
		t.Errorf("target[0] = %+v, want gateway latency 1.5", body.Targets[0])
	}
	if body.Targets[1].LatencyMs != nil {
		t.Errorf("target[1] latency = %v, want null with no rows", *body.Targets[1].LatencyMs)
	}
	if body.Targets[2].JitterMs != nil {
		t.Errorf("target[2] jitter = %v, want null", *body.Targets[2].JitterMs)
	}
}

func TestHealthHistory(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	reader := &fakeReader{
		latest: []types.MetricSample{
			{Timestamp: base.Add(20 * time.Second), MetricType: types.MetricInternetHealth, Value: 70},
			{Timestamp: base.Add(10 * time.Second), MetricType: types.MetricInternetHealth, Value: 80},
			{Timestamp: base, MetricType: types.MetricInternetHealth, Value: 90},
		},
	}
	s := newTestServer(reader, Config{})
	rec := doRequest(t, s, http.MethodGet, "/api/v1/metrics/health/history?limit=3", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if reader.latestMetricType != types.MetricInternetHealth || reader.latestLimit != 3 {
		t.Errorf("queried %s/%d, want internet_health/3", reader.latestMetricType, reader.latestLimit)
	}

	var points []historyPoint
	decodeBody(t, rec, &points)
	if len(points) != 3 {
		t.Fatalf("got %d points, want 3", len(points))
	}
	// Oldest first for charting.
	if points[0].Value != 90 || points[2].Value != 70 {
		t.Errorf("points = %v, want oldest-first ordering", points)
	}
}

func TestHealthHistoryLimitValidation(t *testing.T) {
	s := newTestServer(&fakeReader{}, Config{})

	if rec := doRequest(t, s, http.MethodGet, "/api/v1/metrics/health/history?limit=abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("limit=abc status = %d, want 400", rec.Code)
	}
	if rec := doRequest(t, s, http.MethodGet, "/api/v1/metrics/health/history?limit=0", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", rec.Code)
	}

	reader := &fakeReader{}
	s = newTestServer(reader, Config{})
	doRequest(t, s, http.MethodGet, "/api/v1/metrics/health/history?limit=99999", nil)
	if reader.latestLimit != maxHistoryLimit {
		t.Errorf("limit = %d, want clamped to %d", reader.latestLimit, maxHistoryLimit)
	}
}

func TestMetricRange(t *testing.T) {
	reader := &fakeReader{}
	s := newTestServer(reader, Config{})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/metrics/latency_ms/range?window=30m&target=8.8.8.8", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	if reader.rangeMetricType != types.MetricLatencyMs {
		t.Errorf("metric type = %q, want latency_ms", reader.rangeMetricType)
	}
	if reader.rangeTags["target"] != "8.8.8.8" {
		t.Errorf("tags = %v, want target filter", reader.rangeTags)
	}
	if window := reader.rangeTo.Sub(reader.rangeFrom); window != 30*time.Minute {
		t.Errorf("window = %v, want 30m", window)
	}
}

func TestMetricRangeValidation(t *testing.T) {
	s := newTestServer(&fakeReader{}, Config{})

	if rec := doRequest(t, s, http.MethodGet, "/api/v1/metrics/bogus/range", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bogus metric status = %d, want 400", rec.Code)
	}
	if rec := doRequest(t, s, http.MethodGet, "/api/v1/metrics/latency_ms/range?window=nope", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad window status = %d, want 400", rec.Code)
	}
}
