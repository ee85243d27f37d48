package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// TaskRecord is one archived terminal outcome. A task that failed and was
// retried appears once per terminal attempt.
type TaskRecord struct {
	TaskID       string
	Type         string
	Priority     scheduler.Priority
	Status       scheduler.TaskStatus
	RetryCount   int
	Capabilities []string
	Agents       []string
	DependsOn    []string
	EnqueuedAt   time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
	Duration     time.Duration
}

// RecordTask appends a terminal task to task_history.
func (s *SQLiteStore) RecordTask(ctx context.Context, task scheduler.Task) error {
	if !task.Status.Terminal() {
		return fmt.Errorf("task %s is %s, only terminal tasks are archived", task.ID, task.Status)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (task_id, type, priority, status, retry_count, capabilities, agents, depends_on,
			enqueued_at, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Type, string(task.Priority), string(task.Status), task.RetryCount,
		joinList(task.Capabilities), joinList(task.Agents), joinList(task.DependsOn),
		toMillis(task.EnqueuedAt), toMillis(task.StartedAt), toMillis(task.CompletedAt),
		task.Duration().Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record task %s: %w", task.ID, err)
	}
	return nil
}

// ListTasks returns up to limit archived records, newest first.
// limit <= 0 returns everything.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, type, priority, status, retry_count, capabilities, agents, depends_on,
			enqueued_at, started_at, completed_at, duration_ms
		FROM task_history
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query task history: %w", err)
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		var (
			r                               TaskRecord
			priority, status                string
			caps, agents, deps              string
			enqueued, started, completed, d int64
		)
		if err := rows.Scan(&r.TaskID, &r.Type, &priority, &status, &r.RetryCount, &caps, &agents, &deps,
			&enqueued, &started, &completed, &d); err != nil {
			return nil, fmt.Errorf("failed to scan task record: %w", err)
		}
		r.Priority = scheduler.Priority(priority)
		r.Status = scheduler.TaskStatus(status)
		r.Capabilities = splitList(caps)
		r.Agents = splitList(agents)
		r.DependsOn = splitList(deps)
		r.EnqueuedAt = fromMillis(enqueued)
		r.StartedAt = fromMillis(started)
		r.CompletedAt = fromMillis(completed)
		r.Duration = time.Duration(d) * time.Millisecond
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task history: %w", err)
	}
	return records, nil
}

func joinList(s []string) string {
	return strings.Join(s, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
