package scheduler

import (
	"sort"
	"time"
)

// RoutingRule adjusts tasks of a given type when they are enqueued.
type RoutingRule struct {
	TaskType        string
	Priority        Priority      // Empty leaves the task's priority untouched
	PreferredAgents []string      // Agents tried first during resolution
	DeadlineOffset  time.Duration // Zero leaves the deadline untouched
	CreatedAt       time.Time
}

// apply rewrites t in place according to the rule.
// A deadline offset only sets a deadline when the task has none.
func (r RoutingRule) apply(t *Task, now time.Time) {
	if r.Priority.Valid() {
		t.Priority = r.Priority
	}
	if len(r.PreferredAgents) > 0 {
		t.PreferredAgents = cloneStrings(r.PreferredAgents)
	}
	if r.DeadlineOffset > 0 && t.Deadline.IsZero() {
		t.Deadline = now.Add(r.DeadlineOffset)
	}
}

// SetRule installs or replaces the routing rule for rule.TaskType.
func (q *TaskQueue) SetRule(rule RoutingRule) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = q.clock.Now()
	}
	rule.PreferredAgents = cloneStrings(rule.PreferredAgents)
	q.rules[rule.TaskType] = rule
}

// Rule returns the routing rule for a task type.
func (q *TaskQueue) Rule(taskType string) (RoutingRule, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.rules[taskType]
	return r, ok
}

// RemoveRule deletes the rule for a task type. Returns false if none existed.
func (q *TaskQueue) RemoveRule(taskType string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.rules[taskType]; !ok {
		return false
	}
	delete(q.rules, taskType)
	return true
}

// Rules returns all routing rules sorted by task type.
func (q *TaskQueue) Rules() []RoutingRule {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]RoutingRule, 0, len(q.rules))
	for _, r := range q.rules {
		r.PreferredAgents = cloneStrings(r.PreferredAgents)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskType < out[j].TaskType })
	return out
}
