package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		type TEXT NOT NULL,
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		capabilities TEXT,
		agents TEXT,
		depends_on TEXT,
		enqueued_at INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL DEFAULT 0,
		completed_at INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_task_history_task ON task_history(task_id);

	CREATE TABLE IF NOT EXISTS health_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		taken_at INTEGER NOT NULL,
		healthy INTEGER NOT NULL,
		cpu REAL NOT NULL,
		memory REAL NOT NULL,
		disk REAL NOT NULL,
		network_reachable INTEGER NOT NULL,
		tasks_processed INTEGER NOT NULL DEFAULT 0,
		error_rate REAL NOT NULL DEFAULT 0,
		avg_response_ms REAL NOT NULL DEFAULT 0,
		issues TEXT
	);

	CREATE TABLE IF NOT EXISTS snapshot_agents (
		snapshot_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		last_seen INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		avg_response_ms REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (snapshot_id, name),
		FOREIGN KEY (snapshot_id) REFERENCES health_snapshots(id) ON DELETE CASCADE
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
