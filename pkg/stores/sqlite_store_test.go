package stores

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/remoteman/remoteman/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T, retain int) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{Path: ":memory:", Retain: retain})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testResult(runID, host string, started time.Time) *engine.Result {
	r := engine.NewResult(runID, engine.HostIdentity{Hostname: host, Platform: "linux"}, true)
	r.StartedAt = started
	r.FinishedAt = started.Add(1500 * time.Millisecond)
	r.Results["motd"] = engine.ExecutionResult{
		Status:   engine.StatusChanged,
		Detail:   "create; fix-permissions",
		Actions:  []string{"create", "fix-permissions"},
		Duration: 12 * time.Millisecond,
	}
	r.Results["issue"] = engine.Unchanged("up to date")
	r.Results["broken"] = engine.Failed("permission denied")
	r.AddError("job ghost: spec not found: /srv/ghost.yaml")
	return r
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Consume(ctx, testResult("r", "h", time.Now())); err == nil {
		t.Error("expected error before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestConsumeAndRead(t *testing.T) {
	store := setupTestStore(t, 0)
	ctx := context.Background()
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	if err := store.Consume(ctx, testResult("run-1", "h1", started)); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	c, err := store.GetCycle(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetCycle() error = %v", err)
	}
	if c.Host != "h1" || c.Platform != "linux" || !c.Commit {
		t.Errorf("cycle = %+v", c)
	}
	if !c.StartedAt.Equal(started) || c.Duration() != 1500*time.Millisecond {
		t.Errorf("times = %v / %v", c.StartedAt, c.Duration())
	}
	if c.Changed != 1 || c.Unchanged != 1 || c.Failed != 1 || c.WouldChange != 0 {
		t.Errorf("counts = %+v", c)
	}
	if len(c.Errors) != 1 {
		t.Errorf("errors = %v", c.Errors)
	}

	jobs, err := store.ListJobResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListJobResults() error = %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("got %d job results, want 3", len(jobs))
	}
	if jobs[0].Job != "broken" || jobs[1].Job != "issue" || jobs[2].Job != "motd" {
		t.Errorf("job order = %s, %s, %s", jobs[0].Job, jobs[1].Job, jobs[2].Job)
	}
	motd := jobs[2]
	if motd.Status != "changed" || len(motd.Actions) != 2 || motd.Duration != 12*time.Millisecond {
		t.Errorf("motd = %+v", motd)
	}
	if len(jobs[1].Actions) != 0 {
		t.Errorf("issue actions = %v", jobs[1].Actions)
	}

	if _, err := store.GetCycle(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCycle(missing) error = %v, want ErrNotFound", err)
	}

	if err := store.Consume(ctx, testResult("run-1", "h1", started)); err == nil {
		t.Error("expected duplicate run id to fail")
	}
}

func TestListCycles(t *testing.T) {
	store := setupTestStore(t, 0)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		host := "h1"
		if i%2 == 1 {
			host = "h2"
		}
		r := testResult(fmt.Sprintf("run-%d", i), host, base.Add(time.Duration(i)*time.Minute))
		if err := store.Consume(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.ListCycles(ctx, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 || all[0].RunID != "run-4" || all[4].RunID != "run-0" {
		t.Errorf("unexpected order: %v", runIDs(all))
	}

	h2, err := store.ListCycles(ctx, ListOptions{Host: "h2"})
	if err != nil {
		t.Fatal(err)
	}
	if got := runIDs(h2); len(got) != 2 || got[0] != "run-3" || got[1] != "run-1" {
		t.Errorf("h2 cycles = %v", got)
	}

	page, err := store.ListCycles(ctx, ListOptions{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got := runIDs(page); len(got) != 2 || got[0] != "run-3" || got[1] != "run-2" {
		t.Errorf("page = %v", got)
	}
}

func TestRetention(t *testing.T) {
	store := setupTestStore(t, 2)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		if err := store.Consume(ctx, testResult(fmt.Sprintf("run-%d", i), "h1", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Consume(ctx, testResult("other", "h2", base)); err != nil {
		t.Fatal(err)
	}

	h1, err := store.ListCycles(ctx, ListOptions{Host: "h1"})
	if err != nil {
		t.Fatal(err)
	}
	if got := runIDs(h1); len(got) != 2 || got[0] != "run-3" || got[1] != "run-2" {
		t.Errorf("retained = %v", got)
	}

	// Job results of pruned cycles go with them.
	jobs, err := store.ListJobResults(ctx, "run-0")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("pruned cycle still has %d job results", len(jobs))
	}

	if _, err := store.GetCycle(ctx, "other"); err != nil {
		t.Errorf("retention must not touch other hosts: %v", err)
	}
}

func TestDeleteCycle(t *testing.T) {
	store := setupTestStore(t, 0)
	ctx := context.Background()

	if err := store.Consume(ctx, testResult("run-1", "h1", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteCycle(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteCycle() error = %v", err)
	}
	if err := store.DeleteCycle(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete error = %v", err)
	}
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	store, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := store.Consume(ctx, testResult("run-1", "h1", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetCycle(ctx, "run-1"); err != nil {
		t.Errorf("cycle lost after reopen: %v", err)
	}
}

func runIDs(cycles []*CycleRecord) []string {
	ids := make([]string, len(cycles))
	for i, c := range cycles {
		ids[i] = c.RunID
	}
	return ids
}
