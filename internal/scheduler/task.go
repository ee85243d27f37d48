package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// Priority is the urgency class of a task.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Priorities lists every priority in dequeue order.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// rank orders priorities so that a larger value is more urgent.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// promote returns the priority one level above p, stopping at high.
// Only deadlines can push a task to critical.
func (p Priority) promote() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	default:
		return p
	}
}

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// ParsePriority converts a user-supplied string into a Priority.
// An empty string yields PriorityMedium.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityMedium, nil
	}
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"    // Queued or waiting on dependencies
	TaskProcessing TaskStatus = "processing" // Handed to an execution unit
	TaskCompleted  TaskStatus = "completed"  // Finished successfully
	TaskFailed     TaskStatus = "failed"     // Finished with error
)

// Terminal reports whether the status is completed or failed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task represents a unit of work flowing through the queue.
type Task struct {
	ID           string     // Unique identifier
	Type         string     // Free-form category used by routing rules and learning
	Priority     Priority   // Current priority (mutated by rules and rebalancing)
	Payload      any        // Opaque input handed to agents
	Capabilities []string   // Required capabilities, executed in order
	DependsOn    []string   // Task IDs that must complete first
	Deadline     time.Time  // Zero means no deadline
	RetryCount   int        // Number of requeues so far
	Status       TaskStatus // Lifecycle state

	EnqueuedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	PreferredAgents []string // Set by routing rules
	Agents          []string // Agents that executed the task
	BasePriority    Priority // Priority at enqueue, after rule overrides
}

// HasDeadline reports whether the task carries a deadline.
func (t Task) HasDeadline() bool {
	return !t.Deadline.IsZero()
}

// Duration returns the processing time of a finished task, or zero.
func (t Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// cloneTask returns a deep copy of a task so callers never share slices with queue state.
func cloneTask(t *Task) Task {
	c := *t
	c.Capabilities = cloneStrings(t.Capabilities)
	c.DependsOn = cloneStrings(t.DependsOn)
	c.PreferredAgents = cloneStrings(t.PreferredAgents)
	c.Agents = cloneStrings(t.Agents)
	return c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
