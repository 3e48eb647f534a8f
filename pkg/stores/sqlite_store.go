// Package stores provides the durable state backend. The SQLite store
// implements engine.StateStore with an embedded, migration-managed
// database; the whole state of a deployment lives in one file.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/stratusiac/stratus/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrLocked is returned when another run already holds the run lock.
var ErrLocked = errors.New("state is locked by another run")

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLiteStore implements engine.StateStore on a single SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// NewSQLiteStore creates a store instance. Call Init before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &SQLiteStore{path: cfg.Path, cfg: cfg}, nil
}

// Open creates, initializes, and migrates a store in one call.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init opens the database connection and enables WAL mode. The pragmas
// ride on the DSN so every pooled connection gets them; per-node writes
// from parallel workers must queue on the busy timeout instead of
// surfacing SQLITE_BUSY.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_txlock=immediate"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=synchronous(NORMAL)", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// GetRecord returns the record for a node, or nil when absent.
func (s *SQLiteStore) GetRecord(ctx context.Context, nodeID string) (*engine.ActualStateRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT node_id, kind, module, name, attributes, outputs,
		       last_run_id, created_at, updated_at, schema_version
		FROM records WHERE node_id = ?`, nodeID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListRecords returns all records, sorted by node ID.
func (s *SQLiteStore) ListRecords(ctx context.Context) ([]*engine.ActualStateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, kind, module, name, attributes, outputs,
		       last_run_id, created_at, updated_at, schema_version
		FROM records ORDER BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*engine.ActualStateRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpsertRecord creates or replaces a node's record. The original
// created_at survives replacement.
func (s *SQLiteStore) UpsertRecord(ctx context.Context, rec *engine.ActualStateRecord) error {
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	outputs, err := json.Marshal(rec.Outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (node_id, kind, module, name, attributes, outputs,
		                     last_run_id, created_at, updated_at, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			kind = excluded.kind,
			module = excluded.module,
			name = excluded.name,
			attributes = excluded.attributes,
			outputs = excluded.outputs,
			last_run_id = excluded.last_run_id,
			updated_at = excluded.updated_at,
			schema_version = excluded.schema_version`,
		rec.NodeID, rec.Kind, rec.Module, rec.Name, string(attrs), string(outputs),
		rec.LastRunID, rec.CreatedAt, rec.UpdatedAt, rec.SchemaVersion)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", rec.NodeID, err)
	}
	return nil
}

// DeleteRecord removes a node's record.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, nodeID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE node_id = ?`, nodeID); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", nodeID, err)
	}
	return nil
}

// AcquireRunLock claims the single-row run lock. A second caller gets
// ErrLocked until the holder releases.
func (s *SQLiteStore) AcquireRunLock(ctx context.Context, runID string) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO run_lock (id, run_id, acquired_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO NOTHING`, runID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to acquire run lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check run lock: %w", err)
	}
	if affected == 0 {
		var holder string
		_ = s.db.QueryRowContext(ctx, `SELECT run_id FROM run_lock WHERE id = 1`).Scan(&holder)
		return fmt.Errorf("%w (held by run %s)", ErrLocked, holder)
	}
	return nil
}

// ReleaseRunLock releases the lock held by runID. Releasing a lock held
// by a different run is a no-op.
func (s *SQLiteStore) ReleaseRunLock(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_lock WHERE id = 1 AND run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}

// CreateRun persists a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *engine.Run) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, operation, status, started_at, completed_at, summary, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Operation, run.Status, run.StartedAt, run.CompletedAt, string(summary), run.Error)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun persists a run's terminal status and summary.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *engine.Run) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = ?, summary = ?, error = ?
		WHERE id = ?`,
		run.Status, run.CompletedAt, string(summary), run.Error, run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns a run by ID, or nil when absent.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*engine.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, operation, status, started_at, completed_at, summary, error
		FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*engine.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation, status, started_at, completed_at, summary, error
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*engine.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AppendEvent appends to the run's event log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, run_id, node_id, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.RunID, event.NodeID, event.Level, event.Message, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns a run's events in timestamp order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]*engine.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, node_id, level, message, timestamp
		FROM events WHERE run_id = ? ORDER BY timestamp, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*engine.Event
	for rows.Next() {
		var ev engine.Event
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.NodeID, &ev.Level, &ev.Message, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*engine.ActualStateRecord, error) {
	var rec engine.ActualStateRecord
	var attrs, outputs string
	err := row.Scan(&rec.NodeID, &rec.Kind, &rec.Module, &rec.Name, &attrs, &outputs,
		&rec.LastRunID, &rec.CreatedAt, &rec.UpdatedAt, &rec.SchemaVersion)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attributes of %s: %w", rec.NodeID, err)
	}
	if err := json.Unmarshal([]byte(outputs), &rec.Outputs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outputs of %s: %w", rec.NodeID, err)
	}
	return upgradeRecord(&rec), nil
}

// upgradeRecord migrates older record formats forward on read. New format
// changes (attribute renames, output restructuring) get a case here and a
// bump of engine.RecordSchemaVersion.
func upgradeRecord(rec *engine.ActualStateRecord) *engine.ActualStateRecord {
	switch rec.SchemaVersion {
	case 0:
		// Pre-versioning records carry the current layout already; they
		// only need the stamp. Restamped on the next successful apply.
		rec.SchemaVersion = engine.RecordSchemaVersion
	}
	return rec
}

func scanRun(row rowScanner) (*engine.Run, error) {
	var run engine.Run
	var summary string
	err := row.Scan(&run.ID, &run.Operation, &run.Status, &run.StartedAt,
		&run.CompletedAt, &summary, &run.Error)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
		return nil, fmt.Errorf("failed to unmarshal summary of run %s: %w", run.ID, err)
	}
	return &run, nil
}
