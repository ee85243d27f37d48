package health

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/taskpilot/internal/events"
)

// seriesSampler returns queued readings in order, repeating the last one.
type seriesSampler struct {
	mu       sync.Mutex
	readings []SystemHealth
	i        int
}

func (s *seriesSampler) Sample(ctx context.Context) (SystemHealth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.readings[s.i]
	if s.i < len(s.readings)-1 {
		s.i++
	}
	return r, nil
}

func cpuSeries(values ...float64) *seriesSampler {
	s := &seriesSampler{}
	for _, v := range values {
		s.readings = append(s.readings, SystemHealth{CPU: v, Memory: 40, NetworkReachable: true})
	}
	return s
}

func hasAnomaly(r Report, kind string) bool {
	for _, a := range r.Anomalies {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

func hasIssue(s Snapshot, kind string) bool {
	for _, i := range s.Issues {
		if i.Kind == kind {
			return true
		}
	}
	return false
}

// TestCPUSpikeOnSixthSample verifies the spike rule fires on the sixth sample and not earlier.
func TestCPUSpikeOnSixthSample(t *testing.T) {
	m := New(Config{Sampler: cpuSeries(10, 10, 10, 10, 10, 90)})

	for i := 1; i <= 6; i++ {
		r, ok := m.Check(context.Background())
		if !ok {
			t.Fatalf("cycle %d skipped", i)
		}
		spike := hasAnomaly(r, AnomalyCPUSpike)
		if i < 6 && spike {
			t.Fatalf("cpu-spike flagged early on sample %d", i)
		}
		if i == 6 {
			if !spike {
				t.Fatal("expected cpu-spike on sample 6")
			}
			if r.Anomalies[0].Severity != SeverityWarning {
				t.Errorf("expected warning severity, got %s", r.Anomalies[0].Severity)
			}
		}
	}
}

// TestMemoryLeak verifies a steadily rising memory series is flagged with its rate.
func TestMemoryLeak(t *testing.T) {
	s := &seriesSampler{}
	for i := 0; i < 10; i++ {
		s.readings = append(s.readings, SystemHealth{CPU: 10, Memory: 40 + float64(i)*2, NetworkReachable: true})
	}
	m := New(Config{Sampler: s})

	var last Report
	for i := 0; i < 10; i++ {
		last, _ = m.Check(context.Background())
		if i < 9 && hasAnomaly(last, AnomalyMemoryLeak) {
			t.Fatalf("memory-leak flagged with only %d samples", i+1)
		}
	}

	if !hasAnomaly(last, AnomalyMemoryLeak) {
		t.Fatal("expected memory-leak anomaly")
	}
	for _, a := range last.Anomalies {
		if a.Kind != AnomalyMemoryLeak {
			continue
		}
		if a.Severity != SeverityCritical {
			t.Errorf("expected critical severity, got %s", a.Severity)
		}
		// (58 - 40) / 10
		if a.Rate != 1.8 {
			t.Errorf("expected rate 1.8, got %v", a.Rate)
		}
	}
}

// TestMemoryFlatNoLeak verifies a series rising in only 70% of steps is not a leak.
func TestMemoryFlatNoLeak(t *testing.T) {
	mem := []float64{40, 41, 42, 43, 44, 45, 46, 46, 46, 46} // 6 of 9 steps rise
	s := &seriesSampler{}
	for _, v := range mem {
		s.readings = append(s.readings, SystemHealth{Memory: v, NetworkReachable: true})
	}
	m := New(Config{Sampler: s})

	for range mem {
		if r, _ := m.Check(context.Background()); hasAnomaly(r, AnomalyMemoryLeak) {
			t.Fatal("unexpected memory-leak")
		}
	}
}

// TestStaleAgentFailed verifies staleness overrides the registry classification.
func TestStaleAgentFailed(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := New(Config{
		Sampler: cpuSeries(10),
		Now:     func() time.Time { return now },
		Agents: func() []AgentReport {
			return []AgentReport{
				{Name: "fresh", Healthy: true, LastActive: now.Add(-time.Minute)},
				{Name: "flaky", Healthy: false, LastActive: now.Add(-time.Minute)},
				{Name: "stale", Healthy: true, LastActive: now.Add(-6 * time.Minute)},
			}
		},
	})

	r, _ := m.Check(context.Background())
	got := map[string]AgentStatus{}
	for _, a := range r.Snapshot.Agents {
		got[a.Name] = a.Status
	}
	if got["fresh"] != AgentHealthy || got["flaky"] != AgentDegraded || got["stale"] != AgentFailed {
		t.Errorf("unexpected classification %v", got)
	}
	// 1 of 3 failed is not a majority
	if !r.Snapshot.Healthy {
		t.Errorf("expected healthy, issues: %v", r.Snapshot.Issues)
	}
}

// TestUnhealthyConditions verifies each critical condition makes the cycle unhealthy
// and carries a recommendation.
func TestUnhealthyConditions(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		system SystemHealth
		agents []AgentReport
		record func(m *Monitor)
		kind   string
		advice string
	}{
		{
			name:   "cpu critical",
			system: SystemHealth{CPU: 95, NetworkReachable: true},
			kind:   IssueCPU,
			advice: "reduce concurrency",
		},
		{
			name:   "memory critical",
			system: SystemHealth{Memory: 99, NetworkReachable: true},
			kind:   IssueMemory,
			advice: "reclaim memory",
		},
		{
			name:   "network unreachable",
			system: SystemHealth{},
			kind:   IssueNetwork,
			advice: "network",
		},
		{
			name:   "majority of agents failed",
			system: SystemHealth{NetworkReachable: true},
			agents: []AgentReport{
				{Name: "a", Healthy: true, LastActive: now.Add(-time.Hour)},
				{Name: "b", Healthy: true, LastActive: now.Add(-time.Hour)},
				{Name: "c", Healthy: true, LastActive: now},
			},
			kind:   IssueAgents,
			advice: "restart affected agents: a, b",
		},
		{
			name:   "error rate critical",
			system: SystemHealth{NetworkReachable: true},
			record: func(m *Monitor) {
				m.RecordTask(true, 10)
				m.RecordTask(false, 10)
			},
			kind:   IssueErrorRate,
			advice: "inspect recent changes",
		},
		{
			name:   "response time critical",
			system: SystemHealth{NetworkReachable: true},
			record: func(m *Monitor) { m.RecordTask(true, 9000) },
			kind:   IssueResponseTime,
			advice: "reduce concurrency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agents := tt.agents
			m := New(Config{
				Sampler: SamplerFunc(func(ctx context.Context) (SystemHealth, error) { return tt.system, nil }),
				Agents:  func() []AgentReport { return agents },
			})
			if tt.record != nil {
				tt.record(m)
			}

			r, _ := m.Check(context.Background())
			if r.Snapshot.Healthy {
				t.Fatal("expected unhealthy")
			}
			if !hasIssue(r.Snapshot, tt.kind) {
				t.Errorf("expected issue %q, got %v", tt.kind, r.Snapshot.Issues)
			}
			if r.Degradation == nil {
				t.Fatal("expected degradation")
			}
			found := false
			for _, rec := range r.Degradation.Recommendations {
				if strings.Contains(rec, tt.advice) {
					found = true
				}
			}
			if !found {
				t.Errorf("expected recommendation containing %q, got %v", tt.advice, r.Degradation.Recommendations)
			}
		})
	}
}

// TestDiskOnlyWarns verifies disk pressure is reported without failing health.
func TestDiskOnlyWarns(t *testing.T) {
	m := New(Config{Sampler: SamplerFunc(func(ctx context.Context) (SystemHealth, error) {
		return SystemHealth{Disk: 99, CPU: 75, NetworkReachable: true}, nil
	})})

	r, _ := m.Check(context.Background())
	if !r.Snapshot.Healthy {
		t.Fatalf("disk and cpu warnings should not fail health: %v", r.Snapshot.Issues)
	}
	if len(r.Snapshot.Warnings) != 2 {
		t.Errorf("expected disk and cpu warnings, got %v", r.Snapshot.Warnings)
	}
	if r.Degradation != nil {
		t.Error("healthy cycle should not carry a degradation")
	}
}

// TestSamplerErrorStillRecords verifies a failed sample still produces a snapshot.
func TestSamplerErrorStillRecords(t *testing.T) {
	m := New(Config{Sampler: SamplerFunc(func(ctx context.Context) (SystemHealth, error) {
		return SystemHealth{NetworkReachable: true}, errors.New("no /proc")
	})})

	if _, ok := m.Check(context.Background()); !ok {
		t.Fatal("check skipped")
	}
	if len(m.History()) != 1 {
		t.Errorf("expected 1 snapshot, got %d", len(m.History()))
	}
}

// TestReentrantCheckSkipped verifies a cycle is skipped while another is running.
func TestReentrantCheckSkipped(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	m := New(Config{Sampler: SamplerFunc(func(ctx context.Context) (SystemHealth, error) {
		close(entered)
		<-release
		return SystemHealth{NetworkReachable: true}, nil
	})})

	done := make(chan bool)
	go func() {
		_, ok := m.Check(context.Background())
		done <- ok
	}()

	<-entered
	if _, ok := m.Check(context.Background()); ok {
		t.Error("overlapping check should be skipped")
	}
	close(release)

	if ok := <-done; !ok {
		t.Error("first check should complete")
	}
	if len(m.History()) != 1 {
		t.Errorf("expected exactly 1 snapshot, got %d", len(m.History()))
	}
}

// TestHistoryCapAndRecent verifies eviction and the Recent window.
func TestHistoryCapAndRecent(t *testing.T) {
	m := New(Config{HistoryCap: 3, Sampler: cpuSeries(1, 2, 3, 4, 5)})
	for i := 0; i < 5; i++ {
		m.Check(context.Background())
	}

	h := m.History()
	if len(h) != 3 || h[0].System.CPU != 3 || h[2].System.CPU != 5 {
		t.Fatalf("unexpected history %+v", h)
	}
	recent := m.Recent(2)
	if len(recent) != 2 || recent[0].System.CPU != 4 {
		t.Errorf("unexpected recent window %+v", recent)
	}
	latest, ok := m.Latest()
	if !ok || latest.System.CPU != 5 {
		t.Errorf("unexpected latest %+v", latest)
	}
}

// TestRecordTaskMetrics verifies aggregate error rate and response time.
func TestRecordTaskMetrics(t *testing.T) {
	m := New(Config{})
	m.RecordTask(true, 100)
	m.RecordTask(true, 200)
	m.RecordTask(true, 300)
	m.RecordTask(false, 400)

	am := m.Metrics()
	if am.TasksProcessed != 4 {
		t.Errorf("expected 4 processed, got %d", am.TasksProcessed)
	}
	if am.ErrorRate != 25 {
		t.Errorf("expected 25%% error rate, got %.2f", am.ErrorRate)
	}
	if am.AvgResponseTime != 250 {
		t.Errorf("expected 250ms, got %.2f", am.AvgResponseTime)
	}
}

// TestEventsPublished verifies health, anomaly and degradation events reach the bus.
func TestEventsPublished(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicHealth, 10)

	var reported Report
	m := New(Config{
		Bus:      bus,
		Sampler:  SamplerFunc(func(ctx context.Context) (SystemHealth, error) { return SystemHealth{CPU: 99}, nil }),
		OnReport: func(r Report) { reported = r },
	})
	m.RecordTask(false, 10)
	m.Check(context.Background())

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case e := <-ch:
			seen[e.EventType()] = true
		case <-time.After(time.Second):
			t.Fatalf("timeout after %d events: %v", i, seen)
		}
	}
	for _, want := range []string{events.EventTypeHealthCheck, events.EventTypeAnomalyDetected, events.EventTypeDegradationDetected} {
		if !seen[want] {
			t.Errorf("missing %s", want)
		}
	}
	if reported.Degradation == nil {
		t.Error("OnReport did not receive the degradation")
	}
}

// TestRunTicks verifies Run performs cycles until cancelled.
func TestRunTicks(t *testing.T) {
	m := New(Config{Interval: 10 * time.Millisecond, Sampler: cpuSeries(5)})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() { done <- m.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(m.History()) < 3 {
		select {
		case <-deadline:
			t.Fatal("monitor did not tick")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}
