package stores

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stratusiac/stratus/pkg/engine"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRecord(nodeID string) *engine.ActualStateRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return &engine.ActualStateRecord{
		NodeID:        nodeID,
		Kind:          "network",
		Module:        "platform",
		Name:          "vpc",
		Attributes:    map[string]interface{}{"cidr": "10.0.0.0/16"},
		Outputs:       map[string]string{"id": "net-000001"},
		LastRunID:     "run-1",
		CreatedAt:     now,
		UpdatedAt:     now,
		SchemaVersion: engine.RecordSchemaVersion,
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"records", "runs", "events", "run_lock"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s not accessible: %v", table, err)
		}
	}

	// Re-running migrations is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migrate failed: %v", err)
	}
}

func TestInitAppliesPragmas(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var mode string
	if err := store.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("querying journal mode: %v", err)
	}
	if !strings.EqualFold(mode, "wal") {
		t.Errorf("expected WAL journal mode, got %q", mode)
	}

	var timeout int
	if err := store.db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("querying busy timeout: %v", err)
	}
	if timeout != 5000 {
		t.Errorf("expected 5000ms busy timeout, got %d", timeout)
	}
}

func TestConcurrentUpsertsDoNotCollide(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Parallel workers persist their node records independently; writes
	// from the same wave must queue, never fail.
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				rec := testRecord(fmt.Sprintf("platform.node%d", i))
				rec.Outputs["seq"] = fmt.Sprintf("%d", j)
				if err := store.UpsertRecord(ctx, rec); err != nil {
					errs <- err
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent upsert failed: %v", err)
	}

	records, err := store.ListRecords(ctx)
	if err != nil || len(records) != 8 {
		t.Fatalf("expected 8 records, got %d (%v)", len(records), err)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if rec, err := store.GetRecord(ctx, "platform.vpc"); err != nil || rec != nil {
		t.Fatalf("expected nil for absent record, got %v, %v", rec, err)
	}

	want := testRecord("platform.vpc")
	if err := store.UpsertRecord(ctx, want); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := store.GetRecord(ctx, "platform.vpc")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Kind != "network" || got.Attributes["cidr"] != "10.0.0.0/16" {
		t.Errorf("record did not round-trip: %+v", got)
	}
	if got.Outputs["id"] != "net-000001" {
		t.Errorf("outputs did not round-trip: %v", got.Outputs)
	}
}

func TestUpsertPreservesCreatedAt(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := testRecord("platform.vpc")
	if err := store.UpsertRecord(ctx, first); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	second := testRecord("platform.vpc")
	second.CreatedAt = first.CreatedAt.Add(time.Hour)
	second.UpdatedAt = first.UpdatedAt.Add(time.Hour)
	second.Outputs["id"] = "net-000002"
	if err := store.UpsertRecord(ctx, second); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	got, _ := store.GetRecord(ctx, "platform.vpc")
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at changed on upsert: %v != %v", got.CreatedAt, first.CreatedAt)
	}
	if got.Outputs["id"] != "net-000002" {
		t.Errorf("outputs not replaced on upsert")
	}
}

func TestListRecordsSorted(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"b.two", "a.one", "c.three"} {
		rec := testRecord(id)
		if err := store.UpsertRecord(ctx, rec); err != nil {
			t.Fatalf("upsert %s failed: %v", id, err)
		}
	}

	records, err := store.ListRecords(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, want := range []string{"a.one", "b.two", "c.three"} {
		if records[i].NodeID != want {
			t.Errorf("record %d: expected %s, got %s", i, want, records[i].NodeID)
		}
	}
}

func TestDeleteRecord(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.UpsertRecord(ctx, testRecord("platform.vpc")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := store.DeleteRecord(ctx, "platform.vpc"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if rec, _ := store.GetRecord(ctx, "platform.vpc"); rec != nil {
		t.Errorf("record survived delete")
	}

	// Deleting an absent record is not an error.
	if err := store.DeleteRecord(ctx, "platform.vpc"); err != nil {
		t.Errorf("idempotent delete failed: %v", err)
	}
}

func TestLegacyRecordUpgradedOnRead(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := testRecord("platform.vpc")
	rec.SchemaVersion = 0
	if err := store.UpsertRecord(ctx, rec); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, _ := store.GetRecord(ctx, "platform.vpc")
	if got.SchemaVersion != engine.RecordSchemaVersion {
		t.Errorf("legacy record not upgraded, version %d", got.SchemaVersion)
	}
}

func TestRunLock(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.AcquireRunLock(ctx, "run-1"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	err := store.AcquireRunLock(ctx, "run-2")
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	// Releasing with the wrong run ID is a no-op.
	if err := store.ReleaseRunLock(ctx, "run-2"); err != nil {
		t.Fatalf("foreign release errored: %v", err)
	}
	if err := store.AcquireRunLock(ctx, "run-3"); !errors.Is(err, ErrLocked) {
		t.Fatalf("lock should still be held: %v", err)
	}

	if err := store.ReleaseRunLock(ctx, "run-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := store.AcquireRunLock(ctx, "run-3"); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
}

func TestRunLifecycleAndEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := &engine.Run{
		ID:        "run-1",
		Operation: engine.OpApply,
		Status:    engine.RunPending,
		StartedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run failed: %v", err)
	}

	for i, msg := range []string{"applying (create)", "applied"} {
		event := &engine.Event{
			ID:        time.Now().Format("150405.000") + string(rune('a'+i)),
			RunID:     run.ID,
			NodeID:    "platform.vpc",
			Level:     "info",
			Message:   msg,
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("append event failed: %v", err)
		}
	}

	now := time.Now().UTC().Truncate(time.Second)
	run.Status = engine.RunSucceeded
	run.CompletedAt = &now
	run.Summary = engine.RunSummary{Applied: 1}
	if err := store.FinishRun(ctx, run); err != nil {
		t.Fatalf("finish run failed: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil || got == nil {
		t.Fatalf("get run failed: %v", err)
	}
	if got.Status != engine.RunSucceeded || got.Summary.Applied != 1 {
		t.Errorf("run did not round-trip: %+v", got)
	}

	events, err := store.ListEvents(ctx, run.ID)
	if err != nil {
		t.Fatalf("list events failed: %v", err)
	}
	if len(events) != 2 || events[0].Message != "applying (create)" {
		t.Errorf("events out of order or missing: %+v", events)
	}

	runs, err := store.ListRuns(ctx, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("list runs failed: %v (%d)", err, len(runs))
	}
}
