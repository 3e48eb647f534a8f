package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stratusiac/stratus/pkg/engine"
	"github.com/stratusiac/stratus/pkg/stores"
)

// seedState writes a config pointing at a fresh state file and records a
// single node in it.
func seedState(t *testing.T) (cfgPath, statePath string) {
	t.Helper()
	dir := t.TempDir()
	statePath = filepath.Join(dir, "state.db")
	cfgPath = filepath.Join(dir, "stratus.yaml")
	if err := os.WriteFile(cfgPath, []byte(fmt.Sprintf("state_path: %s\n", statePath)), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	store, err := stores.Open(context.Background(), statePath)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer func() { _ = store.Close() }()

	now := time.Now().UTC()
	rec := &engine.ActualStateRecord{
		NodeID:        "platform.vpc",
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
	if err := store.UpsertRecord(context.Background(), rec); err != nil {
		t.Fatalf("seeding record: %v", err)
	}
	return cfgPath, statePath
}

func TestStateRmDeletesRecord(t *testing.T) {
	cfgPath, statePath := seedState(t)

	root := newRootCommand("test", "none", "today")
	root.SetArgs([]string{"--config", cfgPath, "state", "rm", "platform.vpc", "--force"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("state rm failed: %v", err)
	}

	store, err := stores.Open(context.Background(), statePath)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer func() { _ = store.Close() }()
	if rec, _ := store.GetRecord(context.Background(), "platform.vpc"); rec != nil {
		t.Errorf("record survived state rm")
	}
}

func TestStateRmUnknownNode(t *testing.T) {
	cfgPath, _ := seedState(t)

	root := newRootCommand("test", "none", "today")
	root.SetArgs([]string{"--config", cfgPath, "state", "rm", "platform.nope", "--force"})
	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Fatalf("expected an error for an unrecorded node")
	}
}
