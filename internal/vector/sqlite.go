package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/csvrag/internal/fault"
	"github.com/hyperjump/csvrag/internal/models"
)

// SQLiteIndex keeps entries in a SQLite table and scans them on query. Writes are
// committed per Add, so Persist only checkpoints the WAL into the main file.
type SQLiteIndex struct {
	db         *sql.DB
	dimensions int
}

// NewSQLiteIndex opens or creates the index database at path.
func NewSQLiteIndex(dimensions int, path string) (*SQLiteIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite index requires a path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fault.New(fault.IndexUnavailable, "index open", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fault.New(fault.IndexUnavailable, "index open", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS vector_entries (
		key TEXT PRIMARY KEY,
		vector BLOB NOT NULL,
		metadata TEXT
	);
	CREATE TABLE IF NOT EXISTS vector_meta (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fault.New(fault.IndexUnavailable, "index schema", err)
	}
	var stored int
	err = db.QueryRow(`SELECT CAST(value AS INTEGER) FROM vector_meta WHERE name = 'dimensions'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.Exec(`INSERT INTO vector_meta (name, value) VALUES ('dimensions', ?)`, dimensions); err != nil {
			_ = db.Close()
			return nil, fault.New(fault.IndexUnavailable, "index schema", err)
		}
	case err != nil:
		_ = db.Close()
		return nil, fault.New(fault.IndexUnavailable, "index schema", err)
	case stored != dimensions:
		_ = db.Close()
		return nil, fmt.Errorf("dimension mismatch: index has %d, expected %d", stored, dimensions)
	}
	return &SQLiteIndex{db: db, dimensions: dimensions}, nil
}

// Type returns the index type identifier.
func (s *SQLiteIndex) Type() string {
	return string(IndexTypeSQLite)
}

// Add upserts entries in one transaction.
func (s *SQLiteIndex) Add(ctx context.Context, entries []models.VectorEntry) error {
	for _, e := range entries {
		if e.Key == "" {
			return fault.Errorf(fault.InvalidInput, "index add", "empty key")
		}
		if len(e.Vector) != s.dimensions {
			return fault.Errorf(fault.InvalidInput, "index add",
				"key %s: vector dimension mismatch: got %d, expected %d", e.Key, len(e.Vector), s.dimensions)
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.New(fault.IndexUnavailable, "index add", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO vector_entries (key, vector, metadata) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET vector = excluded.vector, metadata = excluded.metadata`,
	)
	if err != nil {
		return fault.New(fault.IndexUnavailable, "index add", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		metaJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			return fault.New(fault.InvalidInput, "index add", err)
		}
		if _, err := stmt.ExecContext(ctx, e.Key, float32SliceToBytes(e.Vector), string(metaJSON)); err != nil {
			return fault.New(fault.IndexUnavailable, "index add", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fault.New(fault.IndexUnavailable, "index add", err)
	}
	return nil
}

// Query scans all entries and returns up to k matching filter, closest first.
func (s *SQLiteIndex) Query(ctx context.Context, vector []float32, k int, filter map[string]string) ([]*Hit, error) {
	if len(vector) != s.dimensions {
		return nil, fault.Errorf(fault.InvalidInput, "index query",
			"query dimension mismatch: got %d, expected %d", len(vector), s.dimensions)
	}
	if k <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, vector, metadata FROM vector_entries`)
	if err != nil {
		return nil, fault.New(fault.IndexUnavailable, "index query", err)
	}
	defer rows.Close()

	var hits []*Hit
	for rows.Next() {
		var key string
		var blob []byte
		var metaJSON sql.NullString
		if err := rows.Scan(&key, &blob, &metaJSON); err != nil {
			return nil, fault.New(fault.IndexUnavailable, "index query", err)
		}
		var meta map[string]string
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &meta); err != nil {
				return nil, fault.New(fault.IndexUnavailable, "index query", fmt.Errorf("key %s: %w", key, err))
			}
		}
		if !matches(meta, filter) {
			continue
		}
		hits = append(hits, &Hit{Key: key, Distance: CosineDistance(vector, bytesToFloat32Slice(blob)), Metadata: meta})
	}
	if err := rows.Err(); err != nil {
		return nil, fault.New(fault.IndexUnavailable, "index query", err)
	}
	return rank(hits, k), nil
}

// Delete removes the given keys. Unknown keys are ignored.
func (s *SQLiteIndex) Delete(ctx context.Context, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.New(fault.IndexUnavailable, "index delete", err)
	}
	defer tx.Rollback()
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM vector_entries WHERE key = ?`, key); err != nil {
			return fault.New(fault.IndexUnavailable, "index delete", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fault.New(fault.IndexUnavailable, "index delete", err)
	}
	return nil
}

// Persist checkpoints the write-ahead log.
func (s *SQLiteIndex) Persist(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(PASSIVE)`); err != nil {
		return fault.New(fault.IndexUnavailable, "index persist", err)
	}
	return nil
}

// Keys returns all keys, sorted.
func (s *SQLiteIndex) Keys() []string {
	rows, err := s.db.Query(`SELECT key FROM vector_entries ORDER BY key`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if rows.Scan(&k) == nil {
			keys = append(keys, k)
		}
	}
	return keys
}

// Size returns the number of entries, or 0 if the database cannot be read.
func (s *SQLiteIndex) Size() int {
	var n int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM vector_entries`).Scan(&n)
	return n
}

// Close closes the database.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}
