package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/hyperjump/csvrag/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func rec(fp, content string) *models.Record {
	return &models.Record{
		Fingerprint: fp,
		Content:     content,
		Fields:      map[string]string{"content": content},
	}
}

func TestSQLiteStorage_BulkUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.BulkUpsert(ctx, "a.csv", []*models.Record{rec("fp1", "one"), rec("fp2", "two")})
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || !first[0].Inserted || !first[1].Inserted {
		t.Fatalf("first upsert: %+v", first)
	}

	// fp1 again, a new fp3, and fp3 duplicated inside the batch.
	second, err := store.BulkUpsert(ctx, "a.csv", []*models.Record{rec("fp1", "changed"), rec("fp3", "three"), rec("fp3", "three")})
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 3 {
		t.Fatalf("expected an id for every input, got %d", len(second))
	}
	if second[0].Inserted || second[0].ID != first[0].ID {
		t.Errorf("existing fingerprint should keep its id: %+v vs %+v", second[0], first[0])
	}
	if !second[1].Inserted || second[2].Inserted || second[1].ID != second[2].ID {
		t.Errorf("in-batch duplicate: %+v %+v", second[1], second[2])
	}

	n, err := store.CountRecords(ctx)
	if err != nil || n != 3 {
		t.Fatalf("CountRecords = %d, %v; want 3", n, err)
	}

	got, err := store.GetRecord(ctx, first[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "one" {
		t.Errorf("first writer should win, got content %q", got.Content)
	}
	if got.CreatedAt.IsZero() || got.Source != "a.csv" || got.Fields["content"] != "one" {
		t.Errorf("record = %+v", got)
	}
}

func TestSQLiteStorage_ResolveAndFetch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	persisted, err := store.BulkUpsert(ctx, "a.csv", []*models.Record{rec("fp1", "one"), rec("fp2", "two")})
	if err != nil {
		t.Fatal(err)
	}
	ids, err := store.ResolveIDs(ctx, []string{"fp2", "fp1", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids["fp1"] != persisted[0].ID || ids["fp2"] != persisted[1].ID {
		t.Errorf("ResolveIDs = %v", ids)
	}

	recs, err := store.FetchByIDs(ctx, []int64{persisted[1].ID, 9999, persisted[0].ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}

	_, err = store.GetRecord(ctx, 9999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStorage_DeleteSourceRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, err := store.BulkUpsert(ctx, "a.csv", []*models.Record{rec("only-a", "x"), rec("shared", "y")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.BulkUpsert(ctx, "b.csv", []*models.Record{rec("shared", "y"), rec("only-b", "z")}); err != nil {
		t.Fatal(err)
	}

	exclusive, err := store.ExclusiveIDs(ctx, "a.csv")
	if err != nil {
		t.Fatal(err)
	}
	if len(exclusive) != 1 || exclusive[0] != a[0].ID {
		t.Fatalf("ExclusiveIDs = %v, want [%d]", exclusive, a[0].ID)
	}

	deleted, err := store.DeleteSourceRecords(ctx, "a.csv")
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	shared, err := store.GetRecord(ctx, a[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if shared.Source != "b.csv" {
		t.Errorf("shared record source = %q, want b.csv", shared.Source)
	}
	n, _ := store.CountRecords(ctx)
	if n != 2 {
		t.Errorf("expected 2 records left, got %d", n)
	}

	// Ids are never reused after a delete.
	again, err := store.BulkUpsert(ctx, "a.csv", []*models.Record{rec("only-a", "x")})
	if err != nil {
		t.Fatal(err)
	}
	if again[0].ID == a[0].ID {
		t.Errorf("id %d reused", again[0].ID)
	}
}

func TestSQLiteStorage_Sources(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.GetSource(ctx, "a.csv")
	if err != nil || got != nil {
		t.Fatalf("GetSource on empty registry = %v, %v", got, err)
	}

	src := &models.SourceFile{Path: "a.csv", Checksum: "abc", Status: models.SourcePending}
	if err := store.SaveSource(ctx, src); err != nil {
		t.Fatal(err)
	}
	if src.ID == 0 || src.UpdatedAt.IsZero() {
		t.Errorf("SaveSource did not fill id/updated_at: %+v", src)
	}
	src.Status = models.SourceDone
	src.Rows = 3
	if err := store.SaveSource(ctx, src); err != nil {
		t.Fatal(err)
	}
	_ = store.SaveSource(ctx, &models.SourceFile{Path: "b.csv", Checksum: "def", Status: models.SourceFailed, LastError: "boom"})

	got, err = store.GetSource(ctx, "a.csv")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.SourceDone || got.Rows != 3 || got.Checksum != "abc" {
		t.Errorf("GetSource = %+v", got)
	}

	list, err := store.ListSources(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Path != "a.csv" || list[1].LastError != "boom" {
		t.Errorf("ListSources = %+v", list)
	}

	if err := store.DeleteSource(ctx, "a.csv"); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.GetSource(ctx, "a.csv"); got != nil {
		t.Error("source still registered after delete")
	}
}

func TestSQLiteStorage_Runs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := &models.IngestRun{ID: "run-1", Source: "a.csv", State: models.StateStreaming, StartedAt: time.Now()}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	run.State = models.StateComplete
	run.Processed, run.Inserted = 3, 3
	finished := time.Now()
	run.FinishedAt = &finished
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	_ = store.SaveRun(ctx, &models.IngestRun{ID: "run-2", Source: "b.csv", State: models.StateFailed, LastFault: "StoreUnavailable", StartedAt: time.Now()})

	runs, err := store.ListRuns(ctx, "a.csv", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].State != models.StateComplete || runs[0].Inserted != 3 || runs[0].FinishedAt == nil {
		t.Errorf("ListRuns(a.csv) = %+v", runs)
	}

	all, err := store.ListRuns(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(all))
	}
	ids := []string{all[0].ID, all[1].ID}
	sort.Strings(ids)
	if ids[0] != "run-1" || ids[1] != "run-2" {
		t.Errorf("ListRuns() = %v", ids)
	}
}
