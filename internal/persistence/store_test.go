package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/taskpilot/internal/health"
	"github.com/aristath/taskpilot/internal/scheduler"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func finishedTask(id string, status scheduler.TaskStatus, retries int) scheduler.Task {
	start := time.UnixMilli(1_700_000_000_000)
	return scheduler.Task{
		ID:           id,
		Type:         "build",
		Priority:     scheduler.PriorityHigh,
		Capabilities: []string{"compile", "test"},
		DependsOn:    []string{"fetch"},
		Agents:       []string{"builder", "tester"},
		RetryCount:   retries,
		Status:       status,
		EnqueuedAt:   start.Add(-time.Second),
		StartedAt:    start,
		CompletedAt:  start.Add(1500 * time.Millisecond),
	}
}

func TestRecordAndListTasks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.RecordTask(ctx, finishedTask("a", scheduler.TaskFailed, 0)); err != nil {
		t.Fatalf("RecordTask failed: %v", err)
	}
	if err := store.RecordTask(ctx, finishedTask("a", scheduler.TaskCompleted, 1)); err != nil {
		t.Fatalf("RecordTask failed: %v", err)
	}

	records, err := store.ListTasks(ctx, 0)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	latest := records[0]
	if latest.Status != scheduler.TaskCompleted || latest.RetryCount != 1 {
		t.Errorf("expected newest record completed with 1 retry, got %s/%d", latest.Status, latest.RetryCount)
	}
	if latest.Priority != scheduler.PriorityHigh || latest.Type != "build" {
		t.Errorf("unexpected priority/type: %s/%s", latest.Priority, latest.Type)
	}
	if latest.Duration != 1500*time.Millisecond {
		t.Errorf("expected duration 1.5s, got %v", latest.Duration)
	}
	if len(latest.Agents) != 2 || latest.Agents[1] != "tester" {
		t.Errorf("agents not round-tripped: %v", latest.Agents)
	}
	if len(latest.DependsOn) != 1 || latest.DependsOn[0] != "fetch" {
		t.Errorf("dependencies not round-tripped: %v", latest.DependsOn)
	}
	if !latest.StartedAt.Equal(time.UnixMilli(1_700_000_000_000)) {
		t.Errorf("started_at not round-tripped: %v", latest.StartedAt)
	}
	if records[1].Status != scheduler.TaskFailed {
		t.Errorf("expected older record failed, got %s", records[1].Status)
	}
}

func TestListTasksLimit(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := store.RecordTask(ctx, finishedTask(id, scheduler.TaskCompleted, 0)); err != nil {
			t.Fatalf("RecordTask(%s) failed: %v", id, err)
		}
	}

	records, err := store.ListTasks(ctx, 2)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].TaskID != "t3" || records[1].TaskID != "t2" {
		t.Errorf("expected newest first [t3 t2], got [%s %s]", records[0].TaskID, records[1].TaskID)
	}
}

func TestRecordTaskRejectsNonTerminal(t *testing.T) {
	store := testStore(t)

	task := finishedTask("p", scheduler.TaskProcessing, 0)
	if err := store.RecordTask(context.Background(), task); err == nil {
		t.Fatal("expected error archiving a processing task")
	}
}

func TestEmptyListsRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	task := scheduler.Task{ID: "bare", Type: "noop", Priority: scheduler.PriorityLow, Status: scheduler.TaskCompleted}
	if err := store.RecordTask(ctx, task); err != nil {
		t.Fatalf("RecordTask failed: %v", err)
	}

	records, err := store.ListTasks(ctx, 1)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	r := records[0]
	if r.Capabilities != nil || r.Agents != nil || r.DependsOn != nil {
		t.Errorf("expected nil lists, got %v %v %v", r.Capabilities, r.Agents, r.DependsOn)
	}
	if !r.StartedAt.IsZero() || r.Duration != 0 {
		t.Errorf("expected zero timing, got %v %v", r.StartedAt, r.Duration)
	}
}

func snapshotAt(ms int64, healthy bool) health.Snapshot {
	snap := health.Snapshot{
		Timestamp: time.UnixMilli(ms),
		System:    health.SystemHealth{CPU: 42.5, Memory: 61, Disk: 70, NetworkReachable: true},
		Agents: []health.AgentHealth{
			{Name: "beta", Status: health.AgentFailed, ErrorCount: 4, AvgResponseTime: 120},
			{Name: "alpha", Status: health.AgentHealthy, LastSeen: time.UnixMilli(ms - 1000)},
		},
		Metrics: health.AggregateMetrics{TasksProcessed: 10, ErrorRate: 20, AvgResponseTime: 300},
		Healthy: healthy,
	}
	if !healthy {
		snap.Issues = []health.Issue{{Kind: health.IssueErrorRate, Severity: health.SeverityCritical, Value: 20}}
	}
	return snap
}

func TestRecordAndRecentSnapshots(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i, healthy := range []bool{true, false, true} {
		if err := store.RecordSnapshot(ctx, snapshotAt(int64(1000+i)*1000, healthy)); err != nil {
			t.Fatalf("RecordSnapshot %d failed: %v", i, err)
		}
	}

	snaps, err := store.RecentSnapshots(ctx, 2)
	if err != nil {
		t.Fatalf("RecentSnapshots failed: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}

	// Oldest first
	if !snaps[0].Timestamp.Before(snaps[1].Timestamp) {
		t.Errorf("expected chronological order, got %v then %v", snaps[0].Timestamp, snaps[1].Timestamp)
	}
	if snaps[0].Healthy {
		t.Error("expected the middle snapshot to be unhealthy")
	}
	if kinds := snaps[0].IssueKinds(); len(kinds) != 1 || kinds[0] != health.IssueErrorRate {
		t.Errorf("expected error-rate issue, got %v", kinds)
	}
	if snaps[0].System.CPU != 42.5 || !snaps[0].System.NetworkReachable {
		t.Errorf("system gauges not round-tripped: %+v", snaps[0].System)
	}
	if snaps[0].Metrics.TasksProcessed != 10 {
		t.Errorf("expected 10 tasks processed, got %d", snaps[0].Metrics.TasksProcessed)
	}

	agents := snaps[1].Agents
	if len(agents) != 2 || agents[0].Name != "alpha" || agents[1].Name != "beta" {
		t.Fatalf("expected agents [alpha beta], got %+v", agents)
	}
	if agents[1].Status != health.AgentFailed || agents[1].ErrorCount != 4 {
		t.Errorf("agent row not round-tripped: %+v", agents[1])
	}
	if failed := snaps[1].FailedAgents(); len(failed) != 1 || failed[0] != "beta" {
		t.Errorf("expected beta failed, got %v", failed)
	}
}

func TestPruneSnapshots(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.RecordSnapshot(ctx, snapshotAt(int64(i+1)*1000, true)); err != nil {
			t.Fatalf("RecordSnapshot failed: %v", err)
		}
	}

	if err := store.PruneSnapshots(ctx, 2); err != nil {
		t.Fatalf("PruneSnapshots failed: %v", err)
	}

	snaps, err := store.RecentSnapshots(ctx, 0)
	if err != nil {
		t.Fatalf("RecentSnapshots failed: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots after prune, got %d", len(snaps))
	}
	if snaps[1].Timestamp.UnixMilli() != 5000 {
		t.Errorf("expected newest snapshot kept, got %v", snaps[1].Timestamp)
	}

	var orphans int
	if err := store.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM snapshot_agents
		WHERE snapshot_id NOT IN (SELECT id FROM health_snapshots)
	`).Scan(&orphans); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if orphans != 0 {
		t.Errorf("expected cascade to remove agent rows, found %d orphans", orphans)
	}
}

func TestSQLiteStoreOnDisk(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "archive.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.RecordTask(ctx, finishedTask("disk", scheduler.TaskCompleted, 0)); err != nil {
		t.Fatalf("RecordTask failed: %v", err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	records, err := reopened.ListTasks(ctx, 0)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(records) != 1 || records[0].TaskID != "disk" {
		t.Fatalf("expected archived task to survive reopen, got %+v", records)
	}
}
