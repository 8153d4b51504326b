package history_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"vectorflow/internal/history"
	"vectorflow/internal/job"
)

func openStore(t *testing.T) *history.Store {
	t.Helper()
	store, err := history.Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func finishedJob(t *testing.T, owner string, state job.State, completed time.Time) *job.Job {
	t.Helper()
	j, err := job.New(job.Spec{
		Kind:     job.KindIngest,
		Text:     "doc",
		Source:   "/tmp/doc.txt",
		Metadata: job.Metadata{OwnerID: owner},
	}, completed.Add(-time.Minute))
	if err != nil {
		t.Fatalf("job.New: %v", err)
	}
	j.Begin(completed.Add(-30 * time.Second))
	switch state {
	case job.StateSucceeded:
		j.AppendResult(job.StageResult{Stage: "chunk", Data: []byte(`["a","b"]`), CompletedAt: completed})
		j.Succeed(completed)
	case job.StateCancelled:
		j.Cancel("user request", completed)
	default:
		j.Fail(job.Failure{Kind: job.FailureFatal, Stage: "chunk", Message: "empty"}, completed)
	}
	return j
}

func TestRecordAndGetRoundTripsJob(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	j := finishedJob(t, "owner-1", job.StateSucceeded, now)
	j.Transport = "fallback"
	j.FallbackEngaged = true

	if err := store.Record(ctx, j); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, err := store.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.State != job.StateSucceeded || got.Transport != "fallback" || !got.FallbackEngaged {
		t.Fatalf("unexpected job %+v", got)
	}
	if len(got.StageResults) != 1 || string(got.StageResults[0].Data) != `["a","b"]` {
		t.Fatalf("stage results not preserved: %+v", got.StageResults)
	}
	if !got.CompletedAt.Equal(now) {
		t.Fatalf("completed_at = %v", got.CompletedAt)
	}

	missing, err := store.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("Get(missing) = %v %v", missing, err)
	}
}

func TestRecordUpsertsByID(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	j := finishedJob(t, "", job.StateFailed, time.Now())
	if err := store.Record(ctx, j); err != nil {
		t.Fatalf("Record: %v", err)
	}
	j.Attempt = 3
	if err := store.Record(ctx, j); err != nil {
		t.Fatalf("Record again: %v", err)
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[job.StateFailed] != 1 {
		t.Fatalf("expected a single failed row, got %v", stats)
	}
	got, _ := store.Get(ctx, j.ID)
	if got.Attempt != 3 {
		t.Fatalf("attempt = %d", got.Attempt)
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	oldest := finishedJob(t, "alice", job.StateSucceeded, base)
	middle := finishedJob(t, "bob", job.StateFailed, base.Add(time.Hour))
	newest := finishedJob(t, "alice", job.StateCancelled, base.Add(2*time.Hour))
	for _, j := range []*job.Job{oldest, middle, newest} {
		if err := store.Record(ctx, j); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	all, err := store.List(ctx, history.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].ID != newest.ID || all[2].ID != oldest.ID {
		t.Fatalf("unexpected order: %v %v %v", all[0].ID, all[1].ID, all[2].ID)
	}

	failedish, err := store.List(ctx, history.Filter{States: []job.State{job.StateFailed, job.StateCancelled}})
	if err != nil {
		t.Fatalf("List states: %v", err)
	}
	if len(failedish) != 2 {
		t.Fatalf("expected 2 failed/cancelled, got %d", len(failedish))
	}

	alice, err := store.List(ctx, history.Filter{OwnerID: "alice", Limit: 1})
	if err != nil {
		t.Fatalf("List owner: %v", err)
	}
	if len(alice) != 1 || alice[0].ID != newest.ID {
		t.Fatalf("owner filter returned %+v", alice)
	}

	removed, err := store.Prune(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("pruned %d rows, want 2", removed)
	}
}

func TestOpenMigratesFractionalProgress(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := history.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	j := finishedJob(t, "owner-1", job.StateFailed, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	if err := store.Record(ctx, j); err != nil {
		t.Fatalf("Record: %v", err)
	}
	// Rows written before progress became a whole percent.
	if err := store.SetStoredProgress(ctx, j.ID, 33.3); err != nil {
		t.Fatalf("SetStoredProgress: %v", err)
	}
	if err := store.ForceSchemaVersion(ctx, 1); err != nil {
		t.Fatalf("ForceSchemaVersion: %v", err)
	}
	_ = store.Close()

	migrated, err := history.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer migrated.Close()
	if version, err := migrated.SchemaVersion(ctx); err != nil || version != 2 {
		t.Fatalf("schema version = %d, %v", version, err)
	}
	got, err := migrated.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get after migration: %v", err)
	}
	if got == nil || got.Progress != 33 {
		t.Fatalf("migrated job = %+v", got)
	}
}

func TestOpenRejectsSchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := history.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.CheckHealth(context.Background()); err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := history.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := raw.ForceSchemaVersion(context.Background(), 99); err != nil {
		t.Fatalf("ForceSchemaVersion: %v", err)
	}
	_ = raw.Close()

	if _, err := history.Open(context.Background(), path); !errors.Is(err, history.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}
