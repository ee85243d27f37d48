package agent

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// stubAgent is a configurable Agent for registry tests.
type stubAgent struct {
	caps  []string
	ready bool
}

func (s *stubAgent) Capabilities() []string { return s.caps }
func (s *stubAgent) Ready() bool            { return s.ready }
func (s *stubAgent) Execute(ctx context.Context, task scheduler.Task) (any, error) {
	return "ok", nil
}

func newStub(caps ...string) *stubAgent {
	return &stubAgent{caps: caps, ready: true}
}

// TestRegisterResolve verifies capability lookup returns agents in registration order.
func TestRegisterResolve(t *testing.T) {
	r := NewRegistry()
	a, b, c := newStub("parse", "render"), newStub("render"), newStub("parse")

	r.Register("a", a)
	r.Register("b", b)
	r.Register("c", c)

	got := r.Resolve("parse")
	if len(got) != 2 || got[0] != Agent(a) || got[1] != Agent(c) {
		t.Fatalf("expected [a c] for parse, got %v", got)
	}
	if len(r.Resolve("unknown")) != 0 {
		t.Error("expected no agents for unknown capability")
	}

	if !r.Unregister("a") {
		t.Fatal("Unregister(a) should succeed")
	}
	if r.Unregister("a") {
		t.Error("second Unregister(a) should fail")
	}
	got = r.Resolve("parse")
	if len(got) != 1 || got[0] != Agent(c) {
		t.Errorf("expected [c] after unregister, got %v", got)
	}
	if names := r.Names(); len(names) != 2 || names[0] != "b" {
		t.Errorf("unexpected names %v", names)
	}
}

// TestRegisterOverwrite verifies a duplicate name replaces the agent and its capabilities.
func TestRegisterOverwrite(t *testing.T) {
	r := NewRegistry()
	r.Register("a", newStub("old"))
	r.Register("b", newStub("new"))
	r.RecordOutcome("a", false, 10)

	replacement := newStub("new")
	r.Register("a", replacement)

	if len(r.Resolve("old")) != 0 {
		t.Error("stale capability index entry survived overwrite")
	}
	got := r.Resolve("new")
	if len(got) != 2 || got[0] != Agent(replacement) {
		t.Errorf("expected replacement first (original position), got %v", got)
	}
	if m, _ := r.Metrics("a"); m.Processed != 0 || m.SuccessRate != 100 {
		t.Errorf("expected fresh metrics, got %+v", m)
	}
}

// TestBestForScoring verifies the success-rate minus latency score and tie-breaking.
func TestBestForScoring(t *testing.T) {
	r := NewRegistry()
	r.Register("first", newStub("x"))
	r.Register("second", newStub("x"))

	// Tie: earliest registered wins
	name, _, ok := r.BestFor("x")
	if !ok || name != "first" {
		t.Fatalf("expected first on tie, got %q", name)
	}

	// first: 100% success, 5000ms -> 95; second: 100% success, 100ms -> 99.9
	r.RecordOutcome("first", true, 5000)
	r.RecordOutcome("second", true, 100)
	name, _, _ = r.BestFor("x")
	if name != "second" {
		t.Errorf("expected second (faster), got %q", name)
	}

	// second drops to 50% success -> 49.9
	r.RecordOutcome("second", false, 100)
	name, _, _ = r.BestFor("x")
	if name != "first" {
		t.Errorf("expected first (more reliable), got %q", name)
	}

	if _, _, ok := r.BestFor("missing"); ok {
		t.Error("expected no agent for missing capability")
	}
}

// TestBestForPreferred verifies preferred agents win when they serve the capability.
func TestBestForPreferred(t *testing.T) {
	r := NewRegistry()
	r.Register("fast", newStub("x"))
	r.Register("pinned", newStub("x"))
	r.Register("other", newStub("y"))
	r.RecordOutcome("pinned", false, 9000)

	name, _, _ := r.BestFor("x", "pinned")
	if name != "pinned" {
		t.Errorf("expected pinned, got %q", name)
	}

	// Preferred agent lacking the capability is ignored
	name, _, _ = r.BestFor("x", "other")
	if name != "fast" {
		t.Errorf("expected fast, got %q", name)
	}
}

// TestRecordOutcomeMetrics verifies running averages and success rates.
func TestRecordOutcomeMetrics(t *testing.T) {
	r := NewRegistry()
	r.Register("a", newStub("x"))

	for i := 0; i < 5; i++ {
		r.RecordOutcome("a", true, 200)
	}
	m, _ := r.Metrics("a")
	if m.SuccessRate != 100 || m.Processed != 5 {
		t.Errorf("expected 100%% over 5, got %.1f%% over %d", m.SuccessRate, m.Processed)
	}
	if m.AvgResponseTime != 200 {
		t.Errorf("expected avg 200ms, got %.1f", m.AvgResponseTime)
	}

	r.RecordOutcome("a", false, 800)
	m, _ = r.Metrics("a")
	if m.AvgResponseTime != 300 {
		t.Errorf("expected avg 300ms, got %.1f", m.AvgResponseTime)
	}
	want := float64(5) / 6 * 100
	if math.Abs(m.SuccessRate-want) > 1e-9 {
		t.Errorf("expected %.4f%%, got %.4f%%", want, m.SuccessRate)
	}

	// Unknown names are ignored
	r.RecordOutcome("ghost", true, 1)
	if _, ok := r.Metrics("ghost"); ok {
		t.Error("unknown agent should not gain metrics")
	}
}

// TestHealthStatus verifies the ready and >80% success rule.
func TestHealthStatus(t *testing.T) {
	r := NewRegistry()
	notReady := newStub("x")
	notReady.ready = false

	r.Register("good", newStub("x"))
	r.Register("flaky", newStub("x"))
	r.Register("down", notReady)

	// flaky: 4/5 = 80% is not above the threshold
	for i := 0; i < 4; i++ {
		r.RecordOutcome("flaky", true, 10)
	}
	r.RecordOutcome("flaky", false, 10)

	status := r.HealthStatus()
	if status["good"] != Healthy {
		t.Errorf("good: expected healthy, got %s", status["good"])
	}
	if status["flaky"] != Degraded {
		t.Errorf("flaky: expected degraded at exactly 80%%, got %s", status["flaky"])
	}
	if status["down"] != Degraded {
		t.Errorf("down: expected degraded when not ready, got %s", status["down"])
	}
}

// TestReset verifies restart restores a clean baseline and refreshes activity.
func TestReset(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	r.Register("a", newStub("x"))
	r.RecordOutcome("a", false, 50)

	base = base.Add(time.Hour)
	if !r.Reset("a") {
		t.Fatal("Reset should succeed")
	}
	m, _ := r.Metrics("a")
	if m.Processed != 0 || m.Errors != 0 || m.SuccessRate != 100 || m.AvgResponseTime != 0 {
		t.Errorf("expected clean metrics, got %+v", m)
	}
	if !m.LastActive.Equal(base) {
		t.Errorf("expected LastActive %v, got %v", base, m.LastActive)
	}
	if r.Reset("ghost") {
		t.Error("Reset of unknown agent should fail")
	}

	reports := r.Reports()
	if len(reports) != 1 || reports[0].Name != "a" || !reports[0].Ready {
		t.Errorf("unexpected reports %+v", reports)
	}
}

func TestFuncAgent(t *testing.T) {
	f := NewFunc([]string{"echo"}, func(ctx context.Context, task scheduler.Task) (any, error) {
		return task.ID, nil
	})
	if !f.Ready() {
		t.Error("Func agents are always ready")
	}
	out, err := f.Execute(context.Background(), scheduler.Task{ID: "t1"})
	if err != nil || out != "t1" {
		t.Errorf("expected t1, got %v (%v)", out, err)
	}
}
