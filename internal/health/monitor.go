// Package health samples host gauges and agent liveness on a fixed interval,
// keeps a bounded snapshot history and detects degradation and anomalies.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/taskpilot/internal/events"
)

// Config configures a Monitor. Zero fields take defaults.
type Config struct {
	Interval        time.Duration // default 30s
	HistoryCap      int           // default 1000
	StalenessWindow time.Duration // default 5m
	Thresholds      Thresholds    // zero value means DefaultThresholds
	Sampler         Sampler       // default HostSampler on "/" with no probe
	Agents          AgentSource   // optional
	Bus             *events.EventBus
	Logger          *slog.Logger
	OnReport        func(Report) // called synchronously at the end of each cycle
	Now             func() time.Time
}

// Monitor runs periodic health cycles.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	history []Snapshot

	statsMu     sync.Mutex
	started     time.Time
	processed   int
	errors      int
	avgResponse float64

	checking atomic.Bool
	wg       sync.WaitGroup
}

// New creates a Monitor.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = 1000
	}
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = 5 * time.Minute
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Sampler == nil {
		cfg.Sampler = NewHostSampler("", "")
	}
	if cfg.Agents == nil {
		cfg.Agents = func() []AgentReport { return nil }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Monitor{
		cfg:     cfg,
		logger:  cfg.Logger,
		started: cfg.Now(),
	}
}

// Run triggers a cycle every Interval until ctx is cancelled.
// Each tick runs in its own goroutine; a tick that arrives while the previous
// cycle is still running is skipped.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	defer m.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.Check(ctx)
			}()
		}
	}
}

// Check performs one health cycle. Returns false if another cycle was in progress.
func (m *Monitor) Check(ctx context.Context) (Report, bool) {
	if !m.checking.CompareAndSwap(false, true) {
		m.logger.Debug("health check skipped, previous cycle still running")
		return Report{}, false
	}
	defer m.checking.Store(false)

	now := m.cfg.Now()

	sys, err := m.cfg.Sampler.Sample(ctx)
	if err != nil {
		m.logger.Warn("system sample incomplete", "err", err)
	}

	snap := Snapshot{
		Timestamp: now,
		System:    sys,
		Agents:    m.classifyAgents(now),
		Metrics:   m.Metrics(),
	}
	snap.Issues, snap.Warnings = evaluate(snap, m.cfg.Thresholds)
	snap.Healthy = len(snap.Issues) == 0

	tail := m.append(snap)
	report := Report{
		Snapshot:  snap.clone(),
		Anomalies: detectAnomalies(tail, m.cfg.Thresholds),
	}
	if !snap.Healthy {
		report.Degradation = &Degradation{
			Issues:          append([]Issue(nil), snap.Issues...),
			Recommendations: recommend(snap),
		}
	}

	m.publish(report)
	if m.cfg.OnReport != nil {
		m.cfg.OnReport(report)
	}
	return report, true
}

// append stores snap and returns the recent tail needed for anomaly detection.
func (m *Monitor) append(snap Snapshot) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, snap)
	if over := len(m.history) - m.cfg.HistoryCap; over > 0 {
		trimmed := make([]Snapshot, m.cfg.HistoryCap)
		copy(trimmed, m.history[over:])
		m.history = trimmed
	}

	keep := leakWindow
	if spikeWindow+1 > keep {
		keep = spikeWindow + 1
	}
	start := len(m.history) - keep
	if start < 0 {
		start = 0
	}
	return append([]Snapshot(nil), m.history[start:]...)
}

func (m *Monitor) classifyAgents(now time.Time) []AgentHealth {
	reports := m.cfg.Agents()
	out := make([]AgentHealth, 0, len(reports))
	for _, r := range reports {
		status := AgentHealthy
		if !r.Healthy {
			status = AgentDegraded
		}
		if now.Sub(r.LastActive) > m.cfg.StalenessWindow {
			status = AgentFailed
		}
		out = append(out, AgentHealth{
			Name:            r.Name,
			Status:          status,
			LastSeen:        r.LastActive,
			ErrorCount:      r.Errors,
			AvgResponseTime: r.AvgResponseTime,
		})
	}
	return out
}

// evaluate splits threshold crossings into critical issues and warnings.
func evaluate(s Snapshot, th Thresholds) (issues, warnings []Issue) {
	check := func(kind string, value float64, t Threshold, unit string, affectsHealth bool) {
		switch {
		case value > t.Critical:
			i := Issue{Kind: kind, Severity: SeverityCritical, Value: value,
				Message: fmt.Sprintf("%s %.1f%s above critical %.1f%s", kind, value, unit, t.Critical, unit)}
			if affectsHealth {
				issues = append(issues, i)
			} else {
				warnings = append(warnings, i)
			}
		case value > t.Warning:
			warnings = append(warnings, Issue{Kind: kind, Severity: SeverityWarning, Value: value,
				Message: fmt.Sprintf("%s %.1f%s above warning %.1f%s", kind, value, unit, t.Warning, unit)})
		}
	}

	check(IssueCPU, s.System.CPU, th.CPU, "%", true)
	check(IssueMemory, s.System.Memory, th.Memory, "%", true)
	check(IssueDisk, s.System.Disk, th.Disk, "%", false)

	if !s.System.NetworkReachable {
		issues = append(issues, Issue{Kind: IssueNetwork, Severity: SeverityCritical, Message: "network unreachable"})
	}

	if failed := s.FailedAgents(); len(s.Agents) > 0 && len(failed)*2 > len(s.Agents) {
		issues = append(issues, Issue{
			Kind:     IssueAgents,
			Severity: SeverityCritical,
			Value:    float64(len(failed)),
			Message:  fmt.Sprintf("%d of %d agents failed", len(failed), len(s.Agents)),
		})
	}

	check(IssueErrorRate, s.Metrics.ErrorRate, th.ErrorRate, "%", true)
	check(IssueResponseTime, s.Metrics.AvgResponseTime, th.ResponseTime, "ms", true)
	return issues, warnings
}

// recommend maps violated conditions to canned recovery advice.
func recommend(s Snapshot) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(r string) {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}

	for _, i := range s.Issues {
		switch i.Kind {
		case IssueCPU, IssueResponseTime:
			add("reduce concurrency or scale out")
		case IssueMemory:
			add("restart to reclaim memory")
		case IssueAgents:
			add("restart affected agents: " + strings.Join(s.FailedAgents(), ", "))
		case IssueErrorRate:
			add("inspect recent changes and dependencies")
		case IssueNetwork:
			add("check network connectivity")
		}
	}
	return out
}

func (m *Monitor) publish(r Report) {
	if m.cfg.Bus == nil {
		return
	}
	s := r.Snapshot
	m.cfg.Bus.Publish(events.HealthCheckEvent{
		Healthy:          s.Healthy,
		CPU:              s.System.CPU,
		Memory:           s.System.Memory,
		Disk:             s.System.Disk,
		NetworkReachable: s.System.NetworkReachable,
		Issues:           s.IssueKinds(),
		Timestamp:        s.Timestamp,
	})
	for _, a := range r.Anomalies {
		m.cfg.Bus.Publish(events.AnomalyDetectedEvent{
			Kind:      a.Kind,
			Severity:  string(a.Severity),
			Value:     a.Value,
			Rate:      a.Rate,
			Message:   a.Message,
			Timestamp: s.Timestamp,
		})
	}
	if r.Degradation != nil {
		m.cfg.Bus.Publish(events.DegradationDetectedEvent{
			Issues:          s.IssueKinds(),
			Recommendations: r.Degradation.Recommendations,
			Timestamp:       s.Timestamp,
		})
	}
}

// RecordTask folds one finished task into the aggregate metrics.
func (m *Monitor) RecordTask(success bool, responseTimeMs float64) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	m.processed++
	if !success {
		m.errors++
	}
	n := float64(m.processed)
	m.avgResponse = (m.avgResponse*(n-1) + responseTimeMs) / n
}

// Metrics returns the current aggregate metrics.
func (m *Monitor) Metrics() AggregateMetrics {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	am := AggregateMetrics{
		Uptime:          m.cfg.Now().Sub(m.started),
		TasksProcessed:  m.processed,
		AvgResponseTime: m.avgResponse,
	}
	if m.processed > 0 {
		am.ErrorRate = float64(m.errors) / float64(m.processed) * 100
	}
	return am
}

// History returns a copy of all retained snapshots, oldest first.
func (m *Monitor) History() []Snapshot {
	return m.Recent(0)
}

// Recent returns up to n most recent snapshots, oldest first. n <= 0 means all.
func (m *Monitor) Recent(n int) []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := 0
	if n > 0 && n < len(m.history) {
		start = len(m.history) - n
	}
	out := make([]Snapshot, 0, len(m.history)-start)
	for _, s := range m.history[start:] {
		out = append(out, s.clone())
	}
	return out
}

// Latest returns the most recent snapshot.
func (m *Monitor) Latest() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.history) == 0 {
		return Snapshot{}, false
	}
	return m.history[len(m.history)-1].clone(), true
}
