package ingest

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/csvrag/internal/embedding"
	"github.com/hyperjump/csvrag/internal/fault"
	"github.com/hyperjump/csvrag/internal/lock"
	"github.com/hyperjump/csvrag/internal/models"
	"github.com/hyperjump/csvrag/internal/normalize"
	"github.com/hyperjump/csvrag/internal/storage"
	"github.com/hyperjump/csvrag/internal/vector"
)

const dims = 8

type env struct {
	dir    string
	store  *storage.SQLiteStorage
	index  *vector.MemoryIndex
	locker *lock.SQLiteLocker
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "csvrag.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	index, err := vector.NewMemoryIndex(dims, filepath.Join(dir, "index.bin"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { index.Close() })
	locker, err := lock.NewSQLiteLocker(filepath.Join(dir, "locks"))
	if err != nil {
		t.Fatal(err)
	}
	return &env{dir: dir, store: store, index: index, locker: locker}
}

func (e *env) coordinator(store storage.MetadataStore, embedder embedding.Embedder, opts ...Option) *Coordinator {
	if store == nil {
		store = e.store
	}
	if embedder == nil {
		embedder = embedding.NewMockEmbedder(dims)
	}
	opts = append([]Option{WithRetry(3, time.Millisecond)}, opts...)
	return NewCoordinator(store, embedder, e.index, e.locker, normalize.NewNormalizer(), opts...)
}

func (e *env) writeCSV(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (e *env) count(t *testing.T) int64 {
	t.Helper()
	n, err := e.store.CountRecords(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// assertNoOrphans checks that every index key resolves to a stored record.
func (e *env) assertNoOrphans(t *testing.T) {
	t.Helper()
	keys := e.index.Keys()
	ids := make([]int64, 0, len(keys))
	for _, k := range keys {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			t.Fatalf("non-numeric key %q", k)
		}
		ids = append(ids, id)
	}
	recs, err := e.store.FetchByIDs(context.Background(), ids)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != len(keys) {
		t.Errorf("orphan vectors: %d keys, %d records", len(keys), len(recs))
	}
}

func rows(n int) []models.RawRow {
	out := make([]models.RawRow, n)
	for i := range out {
		out[i] = models.RawRow{"name": "place " + strconv.Itoa(i), "city": "Paris"}
	}
	return out
}

// sliceReader yields rows from memory. errAt injects an error instead of the row at
// that position; onNext runs before each row is returned.
type sliceReader struct {
	name   string
	rows   []models.RawRow
	errAt  map[int]error
	onNext func(pos int)
	pos    int
	opens  int
}

func (r *sliceReader) Name() string { return r.name }

func (r *sliceReader) Open(context.Context) error {
	r.pos = 0
	r.opens++
	return nil
}

func (r *sliceReader) Next(context.Context) (models.RawRow, error) {
	if r.pos >= len(r.rows) {
		return nil, io.EOF
	}
	pos := r.pos
	r.pos++
	if r.onNext != nil {
		r.onNext(pos)
	}
	if err, ok := r.errAt[pos]; ok {
		return nil, err
	}
	return r.rows[pos], nil
}

func (r *sliceReader) Close() error { return nil }

// flakyStore fails BulkUpsert with StoreUnavailable a fixed number of times and can
// drop fingerprints from ResolveIDs.
type flakyStore struct {
	storage.MetadataStore
	mu          sync.Mutex
	upsertFails int
	upserts     int
	dropResolve map[string]bool
}

func (f *flakyStore) BulkUpsert(ctx context.Context, source string, recs []*models.Record) ([]models.Persisted, error) {
	f.mu.Lock()
	f.upserts++
	fail := f.upsertFails > 0
	if fail {
		f.upsertFails--
	}
	f.mu.Unlock()
	if fail {
		return nil, fault.New(fault.StoreUnavailable, "bulk upsert", errors.New("connection reset"))
	}
	return f.MetadataStore.BulkUpsert(ctx, source, recs)
}

func (f *flakyStore) ResolveIDs(ctx context.Context, fps []string) (map[string]int64, error) {
	ids, err := f.MetadataStore.ResolveIDs(ctx, fps)
	if err != nil {
		return nil, err
	}
	for fp := range f.dropResolve {
		delete(ids, fp)
	}
	return ids, nil
}

// brokenEmbedder always fails.
type brokenEmbedder struct{ calls int }

func (b *brokenEmbedder) Embed(context.Context, string) ([]float32, error) {
	b.calls++
	return nil, errors.New("model offline")
}

func (b *brokenEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	b.calls++
	return nil, errors.New("model offline")
}

func (b *brokenEmbedder) Dimensions() int { return dims }
func (b *brokenEmbedder) Close() error    { return nil }

// recordingIndex logs Add and Persist calls in order. failAdd makes every Add fail
// with IndexUnavailable.
type recordingIndex struct {
	vector.VectorIndex
	mu      sync.Mutex
	calls   []string
	failAdd bool
}

func (r *recordingIndex) Add(ctx context.Context, entries []models.VectorEntry) error {
	r.mu.Lock()
	r.calls = append(r.calls, "Add")
	fail := r.failAdd
	r.mu.Unlock()
	if fail {
		return fault.New(fault.IndexUnavailable, "index add", errors.New("disk full"))
	}
	return r.VectorIndex.Add(ctx, entries)
}

func (r *recordingIndex) Persist(ctx context.Context) error {
	r.mu.Lock()
	r.calls = append(r.calls, "Persist")
	r.mu.Unlock()
	return r.VectorIndex.Persist(ctx)
}

func (r *recordingIndex) sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}
