package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Topic() string
}

// Topic constants
const (
	TopicTask   = "task"
	TopicAgent  = "agent"
	TopicHealth = "health"
	TopicSystem = "system"
)

// Event type constants
const (
	EventTypeTaskStarted          = "task-started"
	EventTypeTaskCompleted        = "task-completed"
	EventTypeTaskFailed           = "task-failed"
	EventTypeAgentExecuting       = "agent-executing"
	EventTypeAgentCompleted       = "agent-completed"
	EventTypeAgentFailed          = "agent-failed"
	EventTypeHealthCheck          = "health-check"
	EventTypeAnomalyDetected      = "anomaly-detected"
	EventTypeDegradationDetected  = "degradation-detected"
	EventTypeAutoHealingInitiated = "auto-healing-initiated"
	EventTypeEmergencyProtocol    = "emergency-protocol"
	EventTypeLearningsApplied     = "learnings-applied"
)

// TaskStartedEvent is published when an execution unit picks up a task.
type TaskStartedEvent struct {
	ID        string
	Type      string
	Priority  string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Topic() string     { return TopicTask }

// TaskCompletedEvent is published after a task is marked completed.
type TaskCompletedEvent struct {
	ID        string
	Type      string
	Results   map[string]any // capability -> result
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Topic() string     { return TopicTask }

// TaskFailedEvent is published after a task is marked failed.
// Terminal is false when the task was requeued for another attempt.
type TaskFailedEvent struct {
	ID        string
	Type      string
	Err       error
	Attempt   int
	Terminal  bool
	Routing   bool // No agent offered a required capability
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Topic() string     { return TopicTask }

// AgentExecutingEvent is published before an agent runs a task.
type AgentExecutingEvent struct {
	Agent      string
	TaskID     string
	Capability string
	Timestamp  time.Time
}

func (e AgentExecutingEvent) EventType() string { return EventTypeAgentExecuting }
func (e AgentExecutingEvent) Topic() string     { return TopicAgent }

// AgentCompletedEvent is published when an agent returns a result.
type AgentCompletedEvent struct {
	Agent     string
	TaskID    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e AgentCompletedEvent) EventType() string { return EventTypeAgentCompleted }
func (e AgentCompletedEvent) Topic() string     { return TopicAgent }

// AgentFailedEvent is published when an agent returns an error.
type AgentFailedEvent struct {
	Agent     string
	TaskID    string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e AgentFailedEvent) EventType() string { return EventTypeAgentFailed }
func (e AgentFailedEvent) Topic() string     { return TopicAgent }

// HealthCheckEvent is published after every health cycle.
type HealthCheckEvent struct {
	Healthy          bool
	CPU              float64
	Memory           float64
	Disk             float64
	NetworkReachable bool
	Issues           []string
	Timestamp        time.Time
}

func (e HealthCheckEvent) EventType() string { return EventTypeHealthCheck }
func (e HealthCheckEvent) Topic() string     { return TopicHealth }

// AnomalyDetectedEvent is published for each anomaly found in a health cycle.
type AnomalyDetectedEvent struct {
	Kind      string // cpu-spike, memory-leak, error-spike
	Severity  string // warning, critical
	Value     float64
	Rate      float64
	Message   string
	Timestamp time.Time
}

func (e AnomalyDetectedEvent) EventType() string { return EventTypeAnomalyDetected }
func (e AnomalyDetectedEvent) Topic() string     { return TopicHealth }

// DegradationDetectedEvent is published when a health cycle finds the system unhealthy.
type DegradationDetectedEvent struct {
	Issues          []string
	Recommendations []string
	Timestamp       time.Time
}

func (e DegradationDetectedEvent) EventType() string { return EventTypeDegradationDetected }
func (e DegradationDetectedEvent) Topic() string     { return TopicHealth }

// AutoHealingInitiatedEvent describes a healing pass.
// Applied is false in supervised mode, where actions are only recommended.
type AutoHealingInitiatedEvent struct {
	RestartedAgents []string
	RequeuedTasks   []string
	MaxConcurrent   int
	Applied         bool
	Timestamp       time.Time
}

func (e AutoHealingInitiatedEvent) EventType() string { return EventTypeAutoHealingInitiated }
func (e AutoHealingInitiatedEvent) Topic() string     { return TopicSystem }

// EmergencyProtocolEvent reports the outcome of a critical alert.
type EmergencyProtocolEvent struct {
	Source    string
	Issue     string
	Message   string
	Action    string
	Recovered bool
	Applied   bool
	Err       error
	Timestamp time.Time
}

func (e EmergencyProtocolEvent) EventType() string { return EventTypeEmergencyProtocol }
func (e EmergencyProtocolEvent) Topic() string     { return TopicSystem }

// LearningsAppliedEvent summarises a learning cycle.
type LearningsAppliedEvent struct {
	Rules           []string // task types that received a routing rule
	Recommendations []string
	Applied         bool
	Timestamp       time.Time
}

func (e LearningsAppliedEvent) EventType() string { return EventTypeLearningsApplied }
func (e LearningsAppliedEvent) Topic() string     { return TopicSystem }
