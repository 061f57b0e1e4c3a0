package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pulse-net/netpulse/internal/testutil"
	"github.com/pulse-net/netpulse/pkg/types"
)

type fakeProber struct {
	results []types.PingResult
	block   chan struct{} // when non-nil, Probe waits until closed
	hang    bool          // when set, Probe waits out its whole context
	calls   int
	mu      sync.Mutex
}

func (p *fakeProber) Probe(ctx context.Context, targets []types.Target) []types.PingResult {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.block != nil {
		<-p.block
	}
	if p.hang {
		<-ctx.Done()
	}
	return p.results
}

type fakeStore struct {
	mu        sync.Mutex
	appended  []types.MetricSample
	latest    []types.MetricSample
	latestErr error
	appendErr error
	// readBeforeAppend records whether LatestSamples ran before AppendSamples.
	latestCalled    bool
	readBeforeWrite bool

	// appendCtxErr captures the tick context's state when the append ran.
	appendCtxErr error
}

func (s *fakeStore) AppendSamples(ctx context.Context, samples []types.MetricSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendCtxErr = ctx.Err()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.readBeforeWrite = s.latestCalled
	s.appended = append(s.appended, samples...)
	return nil
}

func (s *fakeStore) LatestSamples(ctx context.Context, metricType string, tags map[string]string, limit int) ([]types.MetricSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestCalled = true
	if s.latestErr != nil {
		return nil, s.latestErr
	}
	return s.latest, nil
}

type fakeEvaluator struct {
	mu    sync.Mutex
	calls int
	prev  *float64
}

func (e *fakeEvaluator) Evaluate(prev *float64, snap types.Snapshot) *types.DegradationAlert {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.prev = prev
	return nil
}

func (e *fakeEvaluator) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func newTestMonitor(p *fakeProber, s *fakeStore, e *fakeEvaluator) *Monitor {
	cfg := DefaultConfig(testutil.FixtureTargets())
	return NewMonitor(p, s, e, cfg, testutil.NewTestLogger())
}

func TestRunOncePipeline(t *testing.T) {
	targets := testutil.FixtureTargets()
	prober := &fakeProber{results: testutil.FixturePingResults()}
	prevScore := 92.5
	store := &fakeStore{latest: []types.MetricSample{
		testutil.FixtureSample(func(s *types.MetricSample) {
			s.MetricType = types.MetricInternetHealth
			s.Value = prevScore
			s.Tags = nil
		}),
	}}
	eval := &fakeEvaluator{}

	m := newTestMonitor(prober, store, eval)
	m.RunOnce(context.Background())

	want := 3*len(targets) + 1
	if len(store.appended) != want {
		t.Fatalf("appended %d samples, want %d", len(store.appended), want)
	}

	ts := store.appended[0].Timestamp
	healthRows := 0
	for _, s := range store.appended {
		if !s.Timestamp.Equal(ts) {
			t.Errorf("sample %s timestamp %v, want shared %v", s.MetricType, s.Timestamp, ts)
		}
		if s.MetricType == types.MetricInternetHealth {
			healthRows++
			if len(s.Tags) != 0 {
				t.Errorf("health sample has tags %v, want none", s.Tags)
			}
		}
	}
	if healthRows != 1 {
		t.Errorf("got %d health rows, want 1", healthRows)
	}

	if !store.readBeforeWrite {
		t.Error("previous health was not read before samples were appended")
	}
	if eval.callCount() != 1 {
		t.Fatalf("evaluator called %d times, want 1", eval.callCount())
	}
	if eval.prev == nil || *eval.prev != prevScore {
		t.Errorf("evaluator prev = %v, want %v", eval.prev, prevScore)
	}
}

func TestRunOnceFirstTickHasNoPreviousScore(t *testing.T) {
	prober := &fakeProber{results: testutil.FixturePingResults()}
	store := &fakeStore{}
	eval := &fakeEvaluator{}

	newTestMonitor(prober, store, eval).RunOnce(context.Background())

	if eval.callCount() != 1 {
		t.Fatalf("evaluator called %d times, want 1", eval.callCount())
	}
	if eval.prev != nil {
		t.Errorf("evaluator prev = %v, want nil on first tick", *eval.prev)
	}
}

func TestRunOnceAppendFailureDropsTick(t *testing.T) {
	prober := &fakeProber{results: testutil.FixturePingResults()}
	store := &fakeStore{appendErr: errors.New("connection refused")}
	eval := &fakeEvaluator{}

	newTestMonitor(prober, store, eval).RunOnce(context.Background())

	if eval.callCount() != 0 {
		t.Errorf("evaluator called %d times after append failure, want 0", eval.callCount())
	}
}

func TestRunOnceReadFailureSkipsEvaluation(t *testing.T) {
	prober := &fakeProber{results: testutil.FixturePingResults()}
	store := &fakeStore{latestErr: errors.New("query timeout")}
	eval := &fakeEvaluator{}

	newTestMonitor(prober, store, eval).RunOnce(context.Background())

	// The tick's samples still land even when the notifier cannot run.
	if len(store.appended) == 0 {
		t.Error("samples were not appended when previous health read failed")
	}
	if eval.callCount() != 0 {
		t.Errorf("evaluator called %d times, want 0", eval.callCount())
	}
}

func TestRunOnceSkipsWhenTickInFlight(t *testing.T) {
	block := make(chan struct{})
	prober := &fakeProber{results: testutil.FixturePingResults(), block: block}
	store := &fakeStore{}
	eval := &fakeEvaluator{}

	m := newTestMonitor(prober, store, eval)

	done := make(chan struct{})
	go func() {
		m.RunOnce(context.Background())
		close(done)
	}()

	// Wait for the first tick to enter the prober.
	deadline := time.After(2 * time.Second)
	for {
		prober.mu.Lock()
		started := prober.calls > 0
		prober.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first tick never started")
		case <-time.After(time.Millisecond):
		}
	}

	// Overlapping tick must be dropped, not queued.
	m.RunOnce(context.Background())

	close(block)
	<-done

	prober.mu.Lock()
	calls := prober.calls
	prober.mu.Unlock()
	if calls != 1 {
		t.Errorf("prober called %d times, want 1 (overlapping tick skipped)", calls)
	}
	if eval.callCount() != 1 {
		t.Errorf("evaluator called %d times, want 1", eval.callCount())
	}
}

func TestHungProbeStillStoresTick(t *testing.T) {
	targets := testutil.FixtureTargets()
	unreachable := make([]types.PingResult, len(targets))
	for i, target := range targets {
		unreachable[i] = types.PingResult{Target: target.Address, PacketLossPct: 100}
	}

	prober := &fakeProber{results: unreachable, hang: true}
	store := &fakeStore{}
	eval := &fakeEvaluator{}

	cfg := DefaultConfig(targets)
	cfg.TickTimeout = 200 * time.Millisecond
	m := NewMonitor(prober, store, eval, cfg, testutil.NewTestLogger())
	m.RunOnce(context.Background())

	// The probe burned its entire sub-deadline; the tick must still have
	// budget left to persist the 100%-loss samples.
	if len(store.appended) != 3*len(targets)+1 {
		t.Fatalf("appended %d samples after hung probe, want %d", len(store.appended), 3*len(targets)+1)
	}
	if store.appendCtxErr != nil {
		t.Errorf("append ran on an expired tick context: %v", store.appendCtxErr)
	}
	for _, s := range store.appended {
		if s.MetricType == types.MetricPacketLossPct && s.Value != 100 {
			t.Errorf("loss sample for %s = %v, want 100", s.Target(), s.Value)
		}
	}
}

func TestProbeBudget(t *testing.T) {
	tests := []struct {
		name        string
		tickTimeout time.Duration
		want        time.Duration
	}{
		{"default budget keeps write margin", 8 * time.Second, 6 * time.Second},
		{"short budget floors at half", 1 * time.Second, 500 * time.Millisecond},
		{"margin boundary", 4 * time.Second, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(testutil.FixtureTargets())
			cfg.TickTimeout = tt.tickTimeout
			m := NewMonitor(&fakeProber{}, &fakeStore{}, &fakeEvaluator{}, cfg, testutil.NewTestLogger())
			if got := m.probeBudget(); got != tt.want {
				t.Errorf("probeBudget() with tick timeout %v = %v, want %v", tt.tickTimeout, got, tt.want)
			}
		})
	}
}

func TestBuildSamplesOrdering(t *testing.T) {
	snap := testutil.FixtureSnapshot()
	samples := buildSamples(snap)

	if len(samples) != 3*len(snap.Results)+1 {
		t.Fatalf("got %d samples, want %d", len(samples), 3*len(snap.Results)+1)
	}
	last := samples[len(samples)-1]
	if last.MetricType != types.MetricInternetHealth {
		t.Errorf("last sample type = %s, want %s", last.MetricType, types.MetricInternetHealth)
	}
	for i, r := range snap.Results {
		for j, wantType := range []string{types.MetricLatencyMs, types.MetricJitterMs, types.MetricPacketLossPct} {
			s := samples[3*i+j]
			if s.MetricType != wantType {
				t.Errorf("sample %d type = %s, want %s", 3*i+j, s.MetricType, wantType)
			}
			if got := s.Target(); got != r.Target {
				t.Errorf("sample %d target = %q, want %q", 3*i+j, got, r.Target)
			}
		}
	}
}
