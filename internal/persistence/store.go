package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/taskpilot/internal/health"
	"github.com/aristath/taskpilot/internal/scheduler"
	_ "modernc.org/sqlite"
)

// Store archives terminal task records and health snapshots.
// Nothing in the archive is ever read back into the queue.
type Store interface {
	RecordTask(ctx context.Context, task scheduler.Task) error
	ListTasks(ctx context.Context, limit int) ([]TaskRecord, error)

	RecordSnapshot(ctx context.Context, snap health.Snapshot) error
	RecentSnapshots(ctx context.Context, n int) ([]health.Snapshot, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite doesn't support _foreign_keys in the connection string
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Uses a shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	return open(ctx, "file::memory:?mode=memory&cache=shared")
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One connection for the snapshot query, one for the per-snapshot agent rows
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db, logger: slog.Default()}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// WithLogger sets the logger used for non-fatal archive problems.
func (s *SQLiteStore) WithLogger(logger *slog.Logger) *SQLiteStore {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Timestamps are stored as unix milliseconds; zero time maps to 0.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
