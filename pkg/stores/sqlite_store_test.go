package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfroyo/peace/pkg/storage"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("Expected error for empty path")
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("Expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"documents", "executions", "item_outcomes"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("Expected second migration to succeed, got %v", err)
	}
}

func TestDocuments(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	path := ".peace/default/app/states_current.yaml"

	if _, ok, err := store.ReadOpt(ctx, path); ok || err != nil {
		t.Fatalf("Expected absent document, got ok=%v err=%v", ok, err)
	}
	if _, err := store.Read(ctx, path); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := store.Write(ctx, path, []byte("a: 1\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	first, _, _ := store.Checksum(ctx, path)

	if err := store.Write(ctx, path, []byte("a: 2\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data, err := store.Read(ctx, path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != "a: 2\n" {
		t.Errorf("Expected overwritten data, got %q", data)
	}

	second, ok, _ := store.Checksum(ctx, path)
	if !ok || first == second {
		t.Errorf("Expected checksum to change, got %s and %s", first, second)
	}

	if exists, _ := store.Exists(ctx, path); !exists {
		t.Error("Expected document to exist")
	}
	if err := store.Remove(ctx, path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if exists, _ := store.Exists(ctx, path); exists {
		t.Error("Expected document to be removed")
	}
	if err := store.Remove(ctx, path); err != nil {
		t.Errorf("Expected removing a missing document to succeed, got %v", err)
	}
}

func TestExecutionHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	execs := []*Execution{
		{ID: "exec-1", Command: "ensure", FlowID: "app", Profile: "dev", StartedAt: base},
		{ID: "exec-2", Command: "clean", FlowID: "app", Profile: "dev", StartedAt: base.Add(time.Minute)},
		{ID: "exec-3", Command: "status", FlowID: "other", Profile: "dev", StartedAt: base.Add(2 * time.Minute)},
	}
	for _, e := range execs {
		if err := store.RecordExecution(ctx, e); err != nil {
			t.Fatalf("RecordExecution failed: %v", err)
		}
	}

	if execs[0].Status != ExecutionStatusRunning {
		t.Errorf("Expected default status %s, got %s", ExecutionStatusRunning, execs[0].Status)
	}

	failure := "boom"
	outcomes := []*ItemOutcome{
		{ExecutionID: "exec-1", ItemID: "file_a", Status: "executed"},
		{ExecutionID: "exec-1", ItemID: "file_b", Status: "failed", Error: &failure},
	}
	for _, o := range outcomes {
		if err := store.RecordItemOutcome(ctx, o); err != nil {
			t.Fatalf("RecordItemOutcome failed: %v", err)
		}
		if o.ID == 0 {
			t.Error("Expected outcome ID to be assigned")
		}
	}

	if err := store.CompleteExecution(ctx, "exec-1", ExecutionStatusItemError, &failure); err != nil {
		t.Fatalf("CompleteExecution failed: %v", err)
	}

	got, err := store.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if got.Status != ExecutionStatusItemError {
		t.Errorf("Expected status %s, got %s", ExecutionStatusItemError, got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("Expected completed_at to be set")
	}
	if got.Error == nil || *got.Error != "boom" {
		t.Errorf("Expected error boom, got %v", got.Error)
	}
	if len(got.Items) != 2 {
		t.Fatalf("Expected 2 item outcomes, got %d", len(got.Items))
	}
	if got.Items[0].ItemID != "file_a" || got.Items[1].Error == nil {
		t.Errorf("Unexpected item outcomes: %+v %+v", got.Items[0], got.Items[1])
	}

	all, err := store.ListExecutions(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "exec-3" {
		t.Errorf("Expected 3 executions newest first, got %d", len(all))
	}

	flowID := "app"
	app, err := store.ListExecutions(ctx, &flowID, 10, 0)
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(app) != 2 {
		t.Errorf("Expected 2 executions for flow app, got %d", len(app))
	}

	if err := store.DeleteExecution(ctx, "exec-1"); err != nil {
		t.Fatalf("DeleteExecution failed: %v", err)
	}
	if _, err := store.GetExecution(ctx, "exec-1"); err == nil {
		t.Error("Expected error for deleted execution")
	}
	if err := store.DeleteExecution(ctx, "exec-1"); err == nil {
		t.Error("Expected error deleting a missing execution")
	}
}

func TestCompleteExecution_NotFound(t *testing.T) {
	store := setupTestStore(t)

	err := store.CompleteExecution(context.Background(), "missing", ExecutionStatusComplete, nil)
	if err == nil {
		t.Fatal("Expected error for missing execution")
	}
}

func TestRecordItemOutcome_RequiresExecution(t *testing.T) {
	store := setupTestStore(t)

	err := store.RecordItemOutcome(context.Background(), &ItemOutcome{
		ExecutionID: "missing",
		ItemID:      "file_a",
		Status:      "executed",
	})
	if err == nil {
		t.Fatal("Expected foreign key error for missing execution")
	}
}

func TestStatesThroughStore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var s storage.Storage = store
	if err := s.Write(ctx, "x.yaml", nil); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data, err := s.Read(ctx, "x.yaml")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("Expected empty document, got %q", data)
	}
}
