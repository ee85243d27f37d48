package orchestrator

import (
	"github.com/aristath/taskpilot/internal/agent"
	"github.com/aristath/taskpilot/internal/health"
	"github.com/aristath/taskpilot/internal/scheduler"
)

// Status is a point-in-time summary of the orchestrator.
type Status struct {
	Running       bool
	ActiveCount   int
	QueuedCount   int
	MaxConcurrent int
	AgentHealth   map[string]agent.Classification
	OverallHealth bool // latest snapshot healthy; true before the first cycle
}

// Metrics aggregates queue, agent, health and learning metrics.
type Metrics struct {
	Queue    scheduler.QueueMetrics
	Agents   map[string]agent.Metrics
	Health   health.AggregateMetrics
	Learning LearningMetrics
}

// Status returns the current status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	s := Status{
		Running:       o.running,
		ActiveCount:   len(o.active),
		MaxConcurrent: o.maxConcurrent,
	}
	o.mu.Unlock()

	s.QueuedCount = o.queue.Len()
	s.AgentHealth = o.registry.HealthStatus()
	s.OverallHealth = true
	if snap, ok := o.monitor.Latest(); ok {
		s.OverallHealth = snap.Healthy
	}
	return s
}

// Metrics returns current metrics from every component.
func (o *Orchestrator) Metrics() Metrics {
	return Metrics{
		Queue:    o.queue.Metrics(),
		Agents:   o.registry.AllMetrics(),
		Health:   o.monitor.Metrics(),
		Learning: o.LearningMetrics(),
	}
}
