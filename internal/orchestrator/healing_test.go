package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/taskpilot/internal/agent"
	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/health"
	"github.com/aristath/taskpilot/internal/scheduler"
)

func emergencyFor(issue string) func(events.Event) bool {
	return func(ev events.Event) bool {
		e, ok := ev.(events.EmergencyProtocolEvent)
		return ok && e.Issue == issue
	}
}

func TestEmergencyRecoveryResumesNonCritical(t *testing.T) {
	var notified atomic.Int32
	cfg := testConfig(&fakeSampler{})
	cfg.Notifier = NotifierFunc(func(ctx context.Context, msg Message) error {
		notified.Add(1)
		return nil
	})

	o := newTestOrchestrator(t, cfg, agent.NewRegistry())
	sub := o.Events().Subscribe(events.TopicSystem, 16)
	start(t, o)

	if err := o.Notify(Message{Source: "test", Priority: scheduler.PriorityCritical, Issue: IssueRestartAgents}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	ev := waitEvent(t, sub, emergencyFor(IssueRestartAgents)).(events.EmergencyProtocolEvent)
	if !ev.Recovered || !ev.Applied || ev.Err != nil {
		t.Errorf("expected applied recovery, got %+v", ev)
	}
	if notified.Load() != 1 {
		t.Errorf("expected one notification, got %d", notified.Load())
	}
	if o.Queue().Metrics().NonCriticalPaused {
		t.Error("non-critical work should resume after recovery")
	}
}

func TestEmergencyUnknownIssueStaysPaused(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(&fakeSampler{}), agent.NewRegistry())
	sub := o.Events().Subscribe(events.TopicSystem, 16)
	start(t, o)

	o.Notify(Message{Source: "test", Priority: scheduler.PriorityCritical, Issue: "meteor-strike"})

	ev := waitEvent(t, sub, emergencyFor("meteor-strike")).(events.EmergencyProtocolEvent)
	if ev.Recovered || ev.Err == nil {
		t.Errorf("expected failed recovery, got %+v", ev)
	}
	if !o.Queue().Metrics().NonCriticalPaused {
		t.Error("non-critical work should stay paused after failed recovery")
	}

	o.ResumeNonCritical()
	if o.Queue().Metrics().NonCriticalPaused {
		t.Error("ResumeNonCritical did not lift the pause")
	}
}

func TestEmergencySupervisedOnlyRecommends(t *testing.T) {
	cfg := testConfig(&fakeSampler{})
	cfg.Supervised = true
	o := newTestOrchestrator(t, cfg, agent.NewRegistry())
	sub := o.Events().Subscribe(events.TopicSystem, 16)
	start(t, o)

	o.Notify(Message{Source: "test", Priority: scheduler.PriorityCritical, Issue: IssueBackoff})

	ev := waitEvent(t, sub, emergencyFor(IssueBackoff)).(events.EmergencyProtocolEvent)
	if ev.Applied || ev.Recovered {
		t.Errorf("supervised mode must not act, got %+v", ev)
	}
	if o.Queue().Metrics().NonCriticalPaused {
		t.Error("supervised mode must not pause the queue")
	}
	if got := o.MaxConcurrent(); got != 4 {
		t.Errorf("supervised mode changed concurrency to %d", got)
	}
}

func TestEmergencyBackoffHalvesConcurrency(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(&fakeSampler{}), agent.NewRegistry())
	sub := o.Events().Subscribe(events.TopicSystem, 16)
	start(t, o)

	o.Notify(Message{Source: "test", Priority: scheduler.PriorityCritical, Issue: IssueBackoff})

	ev := waitEvent(t, sub, emergencyFor(IssueBackoff)).(events.EmergencyProtocolEvent)
	if !ev.Recovered {
		t.Fatalf("expected recovery, got %+v", ev)
	}
	if got := o.MaxConcurrent(); got != 2 {
		t.Errorf("expected concurrency halved to 2, got %d", got)
	}
}

func TestEmergencyReconnectRetriesProbe(t *testing.T) {
	var probes atomic.Int32
	cfg := testConfig(&fakeSampler{})
	cfg.Probe = func(ctx context.Context) error {
		if probes.Add(1) < 3 {
			return errors.New("still down")
		}
		return nil
	}

	o := newTestOrchestrator(t, cfg, agent.NewRegistry())
	sub := o.Events().Subscribe(events.TopicSystem, 16)
	start(t, o)

	o.Notify(Message{Source: "net", Priority: scheduler.PriorityCritical, Issue: IssueReconnect})

	ev := waitEvent(t, sub, emergencyFor(IssueReconnect)).(events.EmergencyProtocolEvent)
	if !ev.Recovered {
		t.Errorf("expected reconnect to recover, got %+v", ev)
	}
	if probes.Load() != 3 {
		t.Errorf("expected 3 probes, got %d", probes.Load())
	}
}

func TestNonCriticalMessageIsNotAnEmergency(t *testing.T) {
	var notified atomic.Int32
	cfg := testConfig(&fakeSampler{})
	cfg.Notifier = NotifierFunc(func(ctx context.Context, msg Message) error {
		notified.Add(1)
		return nil
	})
	o := newTestOrchestrator(t, cfg, agent.NewRegistry())
	start(t, o)

	if err := o.Notify(Message{Source: "ops", Content: "fyi"}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if notified.Load() != 0 || o.Queue().Metrics().NonCriticalPaused {
		t.Error("non-critical message triggered the emergency protocol")
	}
}

func degrade(reg *agent.Registry, name string) {
	for i := 0; i < 5; i++ {
		reg.RecordOutcome(name, false, 100)
	}
}

func TestHealRestartsFailedAgents(t *testing.T) {
	reg := agent.NewRegistry()
	reg.Register("sick", agent.NewFunc([]string{"work"}, nil))
	reg.Register("fine", agent.NewFunc([]string{"work"}, nil))
	degrade(reg, "sick")

	o := newTestOrchestrator(t, testConfig(&fakeSampler{}), reg)
	for i := 0; i < 5; i++ {
		o.breakers.call("sick", func() (any, error) { return nil, errors.New("boom") })
	}

	snap := health.Snapshot{Agents: []health.AgentHealth{
		{Name: "sick", Status: health.AgentFailed},
		{Name: "fine", Status: health.AgentHealthy},
	}}
	ev := o.Heal(snap)

	if strings.Join(ev.RestartedAgents, ",") != "sick" || !ev.Applied {
		t.Errorf("expected sick restarted, got %+v", ev)
	}
	m, _ := reg.Metrics("sick")
	if m.Processed != 0 || m.SuccessRate != 100 {
		t.Errorf("expected clean metrics after restart, got %+v", m)
	}
	if reg.HealthStatus()["sick"] != agent.Healthy {
		t.Error("restarted agent should classify healthy")
	}
	if _, err := o.breakers.call("sick", func() (any, error) { return "ok", nil }); err != nil {
		t.Errorf("breaker should be reset after restart, got %v", err)
	}
}

func TestHealSupervisedDoesNotAct(t *testing.T) {
	reg := agent.NewRegistry()
	reg.Register("sick", agent.NewFunc([]string{"work"}, nil))
	degrade(reg, "sick")

	cfg := testConfig(&fakeSampler{})
	cfg.Supervised = true
	o := newTestOrchestrator(t, cfg, reg)
	sub := o.Events().Subscribe(events.TopicSystem, 4)

	ev := o.Heal(health.Snapshot{Agents: []health.AgentHealth{{Name: "sick", Status: health.AgentFailed}}})
	if ev.Applied || len(ev.RestartedAgents) != 1 {
		t.Errorf("expected unapplied recommendation for sick, got %+v", ev)
	}
	if m, _ := reg.Metrics("sick"); m.Processed != 5 {
		t.Errorf("supervised heal reset metrics: %+v", m)
	}

	published := waitEvent(t, sub, isType(events.EventTypeAutoHealingInitiated)).(events.AutoHealingInitiatedEvent)
	if published.Applied {
		t.Error("published event claims the plan was applied")
	}
}

func TestSweepStuckTasks(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	reg := agent.NewRegistry()
	reg.Register("slow", agent.NewFunc([]string{"work"}, func(ctx context.Context, task scheduler.Task) (any, error) {
		calls.Add(1)
		<-release
		return "done", nil
	}))

	cfg := testConfig(&fakeSampler{})
	cfg.StuckTaskAge = 10 * time.Millisecond
	o := newTestOrchestrator(t, cfg, reg)
	sub := o.Events().SubscribeAll(64)
	start(t, o)

	id, _ := o.Submit(scheduler.Task{Type: "job", Capabilities: []string{"work"}})
	waitEvent(t, sub, isType(events.EventTypeAgentExecuting))
	time.Sleep(20 * time.Millisecond)

	swept := o.SweepStuckTasks()
	if len(swept) != 1 || swept[0] != id {
		t.Fatalf("expected %s swept, got %v", id, swept)
	}

	failed := waitEvent(t, sub, isType(events.EventTypeTaskFailed)).(events.TaskFailedEvent)
	if failed.Terminal || !errors.Is(failed.Err, ErrStuckTask) {
		t.Errorf("expected retryable stuck failure, got %+v", failed)
	}

	// The retry is dispatched while the first call is still blocked
	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(release)

	waitEvent(t, sub, terminalFor(id))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o.Stop(ctx)

	var records []scheduler.Task
	for _, task := range o.Queue().History() {
		if task.ID == id {
			records = append(records, task)
		}
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 history records (stuck, retry), got %d", len(records))
	}
	if records[0].Status != scheduler.TaskFailed || records[1].Status != scheduler.TaskCompleted {
		t.Errorf("expected failed then completed, got %s then %s", records[0].Status, records[1].Status)
	}
}

func TestOptimizeConcurrency(t *testing.T) {
	sampler := &fakeSampler{}
	cfg := testConfig(sampler)
	cfg.ConcurrencyCeiling = 5
	o := newTestOrchestrator(t, cfg, agent.NewRegistry())
	ctx := context.Background()

	if got := o.OptimizeConcurrency(); got != 4 {
		t.Fatalf("without history the cap must not move, got %d", got)
	}

	sampler.set(85)
	for i := 0; i < concurrencyWindow; i++ {
		o.Monitor().Check(ctx)
	}
	if got := o.OptimizeConcurrency(); got != 3 {
		t.Errorf("expected cap 3 under high CPU, got %d", got)
	}

	sampler.set(10)
	for i := 0; i < concurrencyWindow; i++ {
		o.Monitor().Check(ctx)
	}
	if got := o.OptimizeConcurrency(); got != 3 {
		t.Errorf("idle queue must not grow the cap, got %d", got)
	}

	o.Submit(scheduler.Task{Type: "backlog"})
	for _, want := range []int{4, 5, 5} {
		if got := o.OptimizeConcurrency(); got != want {
			t.Errorf("expected cap %d, got %d", want, got)
		}
	}
}

func TestOptimizeConcurrencyFloor(t *testing.T) {
	sampler := &fakeSampler{cpu: 85}
	cfg := testConfig(sampler)
	cfg.MaxConcurrentTasks = 1
	o := newTestOrchestrator(t, cfg, agent.NewRegistry())

	o.Monitor().Check(context.Background())
	if got := o.OptimizeConcurrency(); got != 1 {
		t.Errorf("cap must not drop below 1, got %d", got)
	}
}

func TestDegradationTriggersHealing(t *testing.T) {
	sampler := &fakeSampler{cpu: 95}
	cfg := testConfig(sampler)
	cfg.EnableAutoHealing = true
	o := newTestOrchestrator(t, cfg, agent.NewRegistry())
	sub := o.Events().Subscribe(events.TopicSystem, 4)

	report, ok := o.Monitor().Check(context.Background())
	if !ok || report.Degradation == nil {
		t.Fatalf("expected a degraded report, got %+v", report)
	}

	ev := waitEvent(t, sub, isType(events.EventTypeAutoHealingInitiated)).(events.AutoHealingInitiatedEvent)
	if ev.MaxConcurrent != 3 {
		t.Errorf("expected healing to lower the cap to 3, got %d", ev.MaxConcurrent)
	}
}

func TestDegradationWithoutAutoHealing(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(&fakeSampler{cpu: 95}), agent.NewRegistry())

	o.Monitor().Check(context.Background())
	if got := o.MaxConcurrent(); got != 4 {
		t.Errorf("healing ran although disabled, cap %d", got)
	}
}

func runJobs(t *testing.T, o *Orchestrator, sub <-chan events.Event, taskType string, p scheduler.Priority, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id, err := o.Submit(scheduler.Task{Type: taskType, Priority: p, Capabilities: []string{"work"}})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		waitEvent(t, sub, terminalFor(id))
	}
}

func TestLearnCreatesRoutingRules(t *testing.T) {
	reg := agent.NewRegistry()
	reg.Register("x", agent.NewFunc([]string{"work"}, func(ctx context.Context, task scheduler.Task) (any, error) {
		return nil, nil
	}))

	cfg := testConfig(&fakeSampler{})
	cfg.Learning.FrequencyThreshold = 3
	o := newTestOrchestrator(t, cfg, reg)
	taskSub := o.Events().Subscribe(events.TopicTask, 64)
	sysSub := o.Events().Subscribe(events.TopicSystem, 16)
	start(t, o)

	runJobs(t, o, taskSub, "report", scheduler.PriorityLow, 3)
	runJobs(t, o, taskSub, "rare", scheduler.PriorityHigh, 1)

	o.Learn()

	ev := waitEvent(t, sysSub, isType(events.EventTypeLearningsApplied)).(events.LearningsAppliedEvent)
	if strings.Join(ev.Rules, ",") != "report" || !ev.Applied {
		t.Errorf("expected a rule for report, got %+v", ev)
	}

	rule, ok := o.Queue().Rule("report")
	if !ok {
		t.Fatal("rule not installed")
	}
	if rule.Priority != scheduler.PriorityLow || strings.Join(rule.PreferredAgents, ",") != "x" {
		t.Errorf("unexpected rule: %+v", rule)
	}
	if _, ok := o.Queue().Rule("rare"); ok {
		t.Error("infrequent type should not get a rule")
	}

	o.Learn()
	m := o.LearningMetrics()
	if m.Cycles != 2 || m.RulesApplied != 1 {
		t.Errorf("expected 2 cycles and 1 rule, got %+v", m)
	}
}

func TestLearnCountsDistinctTasks(t *testing.T) {
	reg := agent.NewRegistry()
	var calls atomic.Int32
	reg.Register("flaky", agent.NewFunc([]string{"work"}, func(ctx context.Context, task scheduler.Task) (any, error) {
		if calls.Add(1) <= 4 {
			return nil, errors.New("fails")
		}
		return nil, nil
	}))

	cfg := testConfig(&fakeSampler{})
	cfg.Learning.FrequencyThreshold = 2
	o := newTestOrchestrator(t, cfg, reg)
	sub := o.Events().Subscribe(events.TopicTask, 64)
	start(t, o)

	// One task, four failed attempts
	runJobs(t, o, sub, "flaky", scheduler.PriorityHigh, 1)
	records := 0
	for _, rec := range o.Queue().History() {
		if rec.Type == "flaky" {
			records++
		}
	}
	if records != 4 {
		t.Fatalf("expected 4 history records, got %d", records)
	}

	o.Learn()
	if _, ok := o.Queue().Rule("flaky"); ok {
		t.Error("retries of a single task produced a rule")
	}

	runJobs(t, o, sub, "flaky", scheduler.PriorityHigh, 1)
	o.Learn()
	rule, ok := o.Queue().Rule("flaky")
	if !ok {
		t.Fatal("two distinct tasks should produce a rule")
	}
	if strings.Join(rule.PreferredAgents, ",") != "flaky" {
		t.Errorf("unexpected preferred agents: %v", rule.PreferredAgents)
	}
}

func TestLearnSupervisedDoesNotInstallRules(t *testing.T) {
	reg := agent.NewRegistry()
	reg.Register("x", agent.NewFunc([]string{"work"}, func(ctx context.Context, task scheduler.Task) (any, error) {
		return nil, nil
	}))

	cfg := testConfig(&fakeSampler{})
	cfg.Supervised = true
	cfg.Learning.FrequencyThreshold = 2
	o := newTestOrchestrator(t, cfg, reg)
	sub := o.Events().Subscribe(events.TopicTask, 64)
	start(t, o)

	runJobs(t, o, sub, "report", scheduler.PriorityMedium, 2)
	o.Learn()

	if _, ok := o.Queue().Rule("report"); ok {
		t.Error("supervised learning installed a rule")
	}
	if m := o.LearningMetrics(); m.RulesApplied != 0 || m.Cycles != 1 {
		t.Errorf("unexpected learning metrics: %+v", m)
	}
}

func TestLearnRecommendsParallelism(t *testing.T) {
	reg := agent.NewRegistry()
	reg.Register("x", agent.NewFunc([]string{"work"}, func(ctx context.Context, task scheduler.Task) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}))

	cfg := testConfig(&fakeSampler{})
	cfg.Learning.SlowTaskThreshold = time.Millisecond
	cfg.Learning.SlowTaskCount = 2
	o := newTestOrchestrator(t, cfg, reg)
	sub := o.Events().Subscribe(events.TopicTask, 64)
	start(t, o)

	runJobs(t, o, sub, "", scheduler.PriorityMedium, 2)
	o.Learn()

	m := o.LearningMetrics()
	if m.SlowTasks != 2 || len(m.Recommendations) != 1 || !strings.HasPrefix(m.Recommendations[0], "parallelize") {
		t.Errorf("expected a parallelize recommendation, got %+v", m)
	}
}

func TestTopAgents(t *testing.T) {
	got := topAgents(map[string]int{"a": 1, "b": 3, "c": 3, "d": 2}, 2)
	if strings.Join(got, ",") != "b,c" {
		t.Errorf("expected b,c, got %v", got)
	}
}

func TestAgentReportsFeedMonitor(t *testing.T) {
	reg := agent.NewRegistry()
	reg.Register("ok", agent.NewFunc([]string{"work"}, nil))
	reg.Register("bad", agent.NewFunc([]string{"work"}, nil))
	degrade(reg, "bad")

	o := newTestOrchestrator(t, testConfig(&fakeSampler{}), reg)
	report, _ := o.Monitor().Check(context.Background())

	statuses := make(map[string]health.AgentStatus)
	for _, a := range report.Snapshot.Agents {
		statuses[a.Name] = a.Status
	}
	if statuses["ok"] != health.AgentHealthy || statuses["bad"] != health.AgentDegraded {
		t.Errorf("unexpected agent classification: %v", statuses)
	}
}
