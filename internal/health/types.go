package health

import (
	"time"
)

// AgentStatus classifies one agent's liveness.
type AgentStatus string

const (
	AgentHealthy  AgentStatus = "healthy"
	AgentDegraded AgentStatus = "degraded"
	AgentFailed   AgentStatus = "failed"
)

// Severity grades issues and anomalies.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Issue kinds.
const (
	IssueCPU          = "cpu"
	IssueMemory       = "memory"
	IssueDisk         = "disk"
	IssueNetwork      = "network"
	IssueAgents       = "agents"
	IssueErrorRate    = "error-rate"
	IssueResponseTime = "response-time"
)

// Anomaly kinds.
const (
	AnomalyCPUSpike   = "cpu-spike"
	AnomalyMemoryLeak = "memory-leak"
	AnomalyErrorSpike = "error-spike"
)

// SystemHealth is one sample of host gauges. Percentages are 0-100.
type SystemHealth struct {
	CPU              float64
	Memory           float64
	Disk             float64
	NetworkReachable bool
}

// AgentHealth is the monitor's view of one agent.
type AgentHealth struct {
	Name            string
	Status          AgentStatus
	LastSeen        time.Time
	ErrorCount      int
	AvgResponseTime float64 // milliseconds
}

// AggregateMetrics are derived from RecordTask calls.
type AggregateMetrics struct {
	Uptime          time.Duration
	TasksProcessed  int
	ErrorRate       float64 // percent
	AvgResponseTime float64 // milliseconds
}

// Issue is one threshold violation found in a cycle.
type Issue struct {
	Kind     string
	Severity Severity
	Value    float64
	Message  string
}

// Snapshot is an immutable record of one health cycle.
type Snapshot struct {
	Timestamp time.Time
	System    SystemHealth
	Agents    []AgentHealth
	Metrics   AggregateMetrics
	Healthy   bool
	Issues    []Issue // critical violations; non-empty iff !Healthy
	Warnings  []Issue // warning-level crossings that do not affect Healthy
}

// clone deep-copies the slices so callers cannot mutate history.
func (s Snapshot) clone() Snapshot {
	s.Agents = append([]AgentHealth(nil), s.Agents...)
	s.Issues = append([]Issue(nil), s.Issues...)
	s.Warnings = append([]Issue(nil), s.Warnings...)
	return s
}

// IssueKinds returns the kinds of the snapshot's critical issues.
func (s Snapshot) IssueKinds() []string {
	kinds := make([]string, 0, len(s.Issues))
	for _, i := range s.Issues {
		kinds = append(kinds, i.Kind)
	}
	return kinds
}

// FailedAgents returns the names of agents classified failed.
func (s Snapshot) FailedAgents() []string {
	var names []string
	for _, a := range s.Agents {
		if a.Status == AgentFailed {
			names = append(names, a.Name)
		}
	}
	return names
}

// Threshold is a (warning, critical) pair.
type Threshold struct {
	Warning  float64
	Critical float64
}

// Thresholds holds per-metric thresholds.
type Thresholds struct {
	CPU          Threshold // percent
	Memory       Threshold // percent
	Disk         Threshold // percent
	ErrorRate    Threshold // percent
	ResponseTime Threshold // milliseconds
}

// DefaultThresholds returns the default threshold set.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPU:          Threshold{Warning: 70, Critical: 90},
		Memory:       Threshold{Warning: 80, Critical: 95},
		Disk:         Threshold{Warning: 85, Critical: 95},
		ErrorRate:    Threshold{Warning: 5, Critical: 15},
		ResponseTime: Threshold{Warning: 2000, Critical: 5000},
	}
}

// Anomaly is a trend-based finding over recent history.
type Anomaly struct {
	Kind     string
	Severity Severity
	Value    float64
	Rate     float64 // memory-leak only: (last-first)/count
	Message  string
}

// Degradation describes why a cycle was unhealthy and what to do about it.
type Degradation struct {
	Issues          []Issue
	Recommendations []string
}

// Report is the full outcome of one cycle.
type Report struct {
	Snapshot    Snapshot
	Anomalies   []Anomaly
	Degradation *Degradation // nil when healthy
}

// AgentReport is the input the monitor needs about one agent.
type AgentReport struct {
	Name            string
	Healthy         bool // registry classification
	LastActive      time.Time
	Errors          int
	AvgResponseTime float64
}

// AgentSource supplies the current agent reports for a cycle.
type AgentSource func() []AgentReport
