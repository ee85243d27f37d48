package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/taskpilot/internal/health"
)

// RecordSnapshot stores a health snapshot and its per-agent rows in one transaction.
// Only the kinds of critical issues are kept.
func (s *SQLiteStore) RecordSnapshot(ctx context.Context, snap health.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO health_snapshots (taken_at, healthy, cpu, memory, disk, network_reachable,
			tasks_processed, error_rate, avg_response_ms, issues)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, toMillis(snap.Timestamp), snap.Healthy, snap.System.CPU, snap.System.Memory, snap.System.Disk,
		snap.System.NetworkReachable, snap.Metrics.TasksProcessed, snap.Metrics.ErrorRate,
		snap.Metrics.AvgResponseTime, joinList(snap.IssueKinds()))
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read snapshot id: %w", err)
	}

	for _, a := range snap.Agents {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO snapshot_agents (snapshot_id, name, status, last_seen, error_count, avg_response_ms)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, a.Name, string(a.Status), toMillis(a.LastSeen), a.ErrorCount, a.AvgResponseTime)
		if err != nil {
			return fmt.Errorf("failed to insert agent %s: %w", a.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// RecentSnapshots returns up to n most recent snapshots, oldest first.
// Restored issues carry only their kind and severity.
func (s *SQLiteStore) RecentSnapshots(ctx context.Context, n int) ([]health.Snapshot, error) {
	if n <= 0 {
		n = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, taken_at, healthy, cpu, memory, disk, network_reachable,
			tasks_processed, error_rate, avg_response_ms, issues
		FROM health_snapshots
		ORDER BY id DESC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var (
		ids   []int64
		snaps []health.Snapshot
	)
	for rows.Next() {
		var (
			id, taken int64
			snap      health.Snapshot
			issues    string
		)
		if err := rows.Scan(&id, &taken, &snap.Healthy, &snap.System.CPU, &snap.System.Memory, &snap.System.Disk,
			&snap.System.NetworkReachable, &snap.Metrics.TasksProcessed, &snap.Metrics.ErrorRate,
			&snap.Metrics.AvgResponseTime, &issues); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.Timestamp = fromMillis(taken)
		for _, kind := range splitList(issues) {
			snap.Issues = append(snap.Issues, health.Issue{Kind: kind, Severity: health.SeverityCritical})
		}
		ids = append(ids, id)
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	rows.Close()

	for i := range snaps {
		agents, err := s.snapshotAgents(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		snaps[i].Agents = agents
	}

	// Reverse into chronological order
	for i, j := 0, len(snaps)-1; i < j; i, j = i+1, j-1 {
		snaps[i], snaps[j] = snaps[j], snaps[i]
	}
	return snaps, nil
}

func (s *SQLiteStore) snapshotAgents(ctx context.Context, snapshotID int64) ([]health.AgentHealth, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, status, last_seen, error_count, avg_response_ms
		FROM snapshot_agents
		WHERE snapshot_id = ?
		ORDER BY name
	`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot agents: %w", err)
	}
	defer rows.Close()

	var agents []health.AgentHealth
	for rows.Next() {
		var (
			a        health.AgentHealth
			status   string
			lastSeen int64
		)
		if err := rows.Scan(&a.Name, &status, &lastSeen, &a.ErrorCount, &a.AvgResponseTime); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot agent: %w", err)
		}
		a.Status = health.AgentStatus(status)
		a.LastSeen = fromMillis(lastSeen)
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot agents: %w", err)
	}
	return agents, nil
}

// PruneSnapshots keeps the newest keep snapshots. Agent rows go with them via cascade.
func (s *SQLiteStore) PruneSnapshots(ctx context.Context, keep int) error {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM health_snapshots
		WHERE id NOT IN (SELECT id FROM health_snapshots ORDER BY id DESC LIMIT ?)
	`, keep)
	if err != nil {
		return fmt.Errorf("failed to prune snapshots: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("pruned health snapshots", "removed", n, "kept", keep)
	}
	return nil
}
