package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/csvrag/internal/fault"
	"github.com/hyperjump/csvrag/internal/models"
)

// maxVars bounds the number of bound parameters per IN (...) clause.
const maxVars = 500

// SQLiteStorage implements MetadataStore using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fault.New(fault.StoreUnavailable, "open", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fault.New(fault.StoreUnavailable, "enable WAL", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// AUTOINCREMENT keeps record ids from being reused after deletes, so a stale
// vector key can never resolve to an unrelated row.
func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint TEXT NOT NULL UNIQUE,
		external_id TEXT,
		source TEXT NOT NULL,
		content TEXT NOT NULL,
		fields TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_source ON records(source);
	CREATE INDEX IF NOT EXISTS idx_records_external_id ON records(external_id);

	CREATE TABLE IF NOT EXISTS record_sources (
		record_id INTEGER NOT NULL,
		source TEXT NOT NULL,
		PRIMARY KEY (record_id, source),
		FOREIGN KEY (record_id) REFERENCES records(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_record_sources_source ON record_sources(source);

	CREATE TABLE IF NOT EXISTS sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE,
		checksum TEXT NOT NULL,
		status TEXT NOT NULL,
		rows INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ingest_runs (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		state TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		inserted INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		last_fault TEXT,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_ingest_runs_source ON ingest_runs(source, started_at);
	`
	_, err := db.Exec(schema)
	return err
}

// BulkUpsert inserts records in one transaction. Existing fingerprints are left untouched
// and the returned slice carries the persisted id of every input record, in input order.
// Each record is also linked to source.
func (s *SQLiteStorage) BulkUpsert(ctx context.Context, source string, records []*models.Record) ([]models.Persisted, error) {
	if len(records) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("bulk upsert", err)
	}
	defer tx.Rollback()

	insert, err := tx.PrepareContext(ctx,
		`INSERT INTO records (fingerprint, external_id, source, content, fields, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO NOTHING`,
	)
	if err != nil {
		return nil, unavailable("bulk upsert", err)
	}
	defer insert.Close()

	lookup, err := tx.PrepareContext(ctx, `SELECT id FROM records WHERE fingerprint = ?`)
	if err != nil {
		return nil, unavailable("bulk upsert", err)
	}
	defer lookup.Close()

	link, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO record_sources (record_id, source) VALUES (?, ?)`,
	)
	if err != nil {
		return nil, unavailable("bulk upsert", err)
	}
	defer link.Close()

	now := time.Now().UTC()
	out := make([]models.Persisted, 0, len(records))
	for _, rec := range records {
		if rec.Fingerprint == "" {
			return nil, fault.Errorf(fault.InvalidInput, "bulk upsert", "record without fingerprint")
		}
		fieldsJSON, err := json.Marshal(rec.Fields)
		if err != nil {
			return nil, fault.New(fault.InvalidInput, "bulk upsert", err)
		}
		res, err := insert.ExecContext(ctx, rec.Fingerprint, rec.ExternalID, source, rec.Content, string(fieldsJSON), now)
		if err != nil {
			return nil, unavailable("bulk upsert", err)
		}
		p := models.Persisted{Fingerprint: rec.Fingerprint}
		if n, _ := res.RowsAffected(); n == 1 {
			if p.ID, err = res.LastInsertId(); err != nil {
				return nil, unavailable("bulk upsert", err)
			}
			p.Inserted = true
			rec.CreatedAt = now
			rec.Source = source
		} else if err := lookup.QueryRowContext(ctx, rec.Fingerprint).Scan(&p.ID); err != nil {
			return nil, unavailable("bulk upsert", err)
		}
		rec.ID = p.ID
		if _, err := link.ExecContext(ctx, p.ID, source); err != nil {
			return nil, unavailable("bulk upsert", err)
		}
		out = append(out, p)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("bulk upsert", err)
	}
	return out, nil
}

// ResolveIDs maps fingerprints to persisted ids. Unknown fingerprints are absent from the result.
func (s *SQLiteStorage) ResolveIDs(ctx context.Context, fingerprints []string) (map[string]int64, error) {
	out := make(map[string]int64, len(fingerprints))
	for _, chunk := range chunkStrings(fingerprints, maxVars) {
		args := make([]any, len(chunk))
		for i, fp := range chunk {
			args[i] = fp
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT fingerprint, id FROM records WHERE fingerprint IN (`+placeholders(len(chunk))+`)`,
			args...,
		)
		if err != nil {
			return nil, unavailable("resolve ids", err)
		}
		for rows.Next() {
			var fp string
			var id int64
			if err := rows.Scan(&fp, &id); err != nil {
				rows.Close()
				return nil, unavailable("resolve ids", err)
			}
			out[fp] = id
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, unavailable("resolve ids", err)
		}
	}
	return out, nil
}

// FetchByIDs returns the records with the given ids in no particular order.
// Ids with no row are silently absent.
func (s *SQLiteStorage) FetchByIDs(ctx context.Context, ids []int64) ([]*models.Record, error) {
	var out []*models.Record
	for start := 0; start < len(ids); start += maxVars {
		end := min(start+maxVars, len(ids))
		args := make([]any, 0, end-start)
		for _, id := range ids[start:end] {
			args = append(args, id)
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, fingerprint, external_id, source, content, fields, created_at
			 FROM records WHERE id IN (`+placeholders(len(args))+`)`,
			args...,
		)
		if err != nil {
			return nil, unavailable("fetch by ids", err)
		}
		recs, err := scanRecords(rows)
		if err != nil {
			return nil, unavailable("fetch by ids", err)
		}
		out = append(out, recs...)
	}
	return out, nil
}

// GetRecord returns a record by id.
func (s *SQLiteStorage) GetRecord(ctx context.Context, id int64) (*models.Record, error) {
	recs, err := s.FetchByIDs(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	return recs[0], nil
}

// ExclusiveIDs returns ids of records linked to source and to no other source.
// These are the rows DeleteSourceRecords will remove.
func (s *SQLiteStorage) ExclusiveIDs(ctx context.Context, source string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, exclusiveQuery+` ORDER BY rs.record_id`, source)
	if err != nil {
		return nil, unavailable("exclusive ids", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("exclusive ids", err)
		}
		ids = append(ids, id)
	}
	return ids, unavailable("exclusive ids", rows.Err())
}

const exclusiveQuery = `SELECT rs.record_id FROM record_sources rs
	WHERE rs.source = ? AND NOT EXISTS (
		SELECT 1 FROM record_sources o WHERE o.record_id = rs.record_id AND o.source <> rs.source
	)`

// DeleteSourceRecords unlinks source from its records and deletes those no other
// source references. Shared records are reassigned to a remaining source.
func (s *SQLiteStorage) DeleteSourceRecords(ctx context.Context, source string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("delete source records", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id IN (`+exclusiveQuery+`)`, source)
	if err != nil {
		return 0, unavailable("delete source records", err)
	}
	deleted, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `DELETE FROM record_sources WHERE source = ?`, source); err != nil {
		return 0, unavailable("delete source records", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET source = (SELECT MIN(source) FROM record_sources WHERE record_id = records.id)
		 WHERE source = ?`, source,
	); err != nil {
		return 0, unavailable("delete source records", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("delete source records", err)
	}
	return deleted, nil
}

// GetSource returns the registry entry for path, or nil when the path was never registered.
func (s *SQLiteStorage) GetSource(ctx context.Context, path string) (*models.SourceFile, error) {
	var src models.SourceFile
	var lastError sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, path, checksum, status, rows, last_error, updated_at FROM sources WHERE path = ?`, path,
	).Scan(&src.ID, &src.Path, &src.Checksum, &src.Status, &src.Rows, &lastError, &src.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get source", err)
	}
	src.LastError = lastError.String
	return &src, nil
}

// SaveSource inserts or updates the registry entry keyed by src.Path.
func (s *SQLiteStorage) SaveSource(ctx context.Context, src *models.SourceFile) error {
	src.UpdatedAt = time.Now().UTC()
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sources (path, checksum, status, rows, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			checksum = excluded.checksum,
			status = excluded.status,
			rows = excluded.rows,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
		 RETURNING id`,
		src.Path, src.Checksum, string(src.Status), src.Rows, src.LastError, src.UpdatedAt,
	).Scan(&src.ID)
	return unavailable("save source", err)
}

// ListSources returns all registered sources ordered by path.
func (s *SQLiteStorage) ListSources(ctx context.Context) ([]*models.SourceFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, checksum, status, rows, last_error, updated_at FROM sources ORDER BY path`,
	)
	if err != nil {
		return nil, unavailable("list sources", err)
	}
	defer rows.Close()

	var out []*models.SourceFile
	for rows.Next() {
		var src models.SourceFile
		var lastError sql.NullString
		if err := rows.Scan(&src.ID, &src.Path, &src.Checksum, &src.Status, &src.Rows, &lastError, &src.UpdatedAt); err != nil {
			return nil, unavailable("list sources", err)
		}
		src.LastError = lastError.String
		out = append(out, &src)
	}
	return out, unavailable("list sources", rows.Err())
}

// DeleteSource removes the registry entry for path.
func (s *SQLiteStorage) DeleteSource(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE path = ?`, path)
	return unavailable("delete source", err)
}

// SaveRun inserts or updates an ingestion run log entry.
func (s *SQLiteStorage) SaveRun(ctx context.Context, run *models.IngestRun) error {
	var finished sql.NullTime
	if run.FinishedAt != nil {
		finished = sql.NullTime{Time: *run.FinishedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingest_runs (id, source, state, processed, inserted, skipped, failed, last_fault, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			processed = excluded.processed,
			inserted = excluded.inserted,
			skipped = excluded.skipped,
			failed = excluded.failed,
			last_fault = excluded.last_fault,
			finished_at = excluded.finished_at`,
		run.ID, run.Source, string(run.State), run.Processed, run.Inserted, run.Skipped, run.Failed,
		run.LastFault, run.StartedAt, finished,
	)
	return unavailable("save run", err)
}

// ListRuns returns the most recent runs, newest first. An empty source lists runs of all sources.
func (s *SQLiteStorage) ListRuns(ctx context.Context, source string, limit int) ([]*models.IngestRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, source, state, processed, inserted, skipped, failed, last_fault, started_at, finished_at
		FROM ingest_runs`
	args := []any{}
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list runs", err)
	}
	defer rows.Close()

	var out []*models.IngestRun
	for rows.Next() {
		var run models.IngestRun
		var lastFault sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.Source, &run.State, &run.Processed, &run.Inserted,
			&run.Skipped, &run.Failed, &lastFault, &run.StartedAt, &finished); err != nil {
			return nil, unavailable("list runs", err)
		}
		run.LastFault = lastFault.String
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		out = append(out, &run)
	}
	return out, unavailable("list runs", rows.Err())
}

// CountRecords returns the total number of records.
func (s *SQLiteStorage) CountRecords(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&count)
	return count, unavailable("count records", err)
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func scanRecords(rows *sql.Rows) ([]*models.Record, error) {
	defer rows.Close()
	var out []*models.Record
	for rows.Next() {
		var rec models.Record
		var externalID sql.NullString
		var fieldsJSON string
		if err := rows.Scan(&rec.ID, &rec.Fingerprint, &externalID, &rec.Source, &rec.Content, &fieldsJSON, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.ExternalID = externalID.String
		if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fields of record %d: %w", rec.ID, err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func chunkStrings(items []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(items); start += size {
		out = append(out, items[start:min(start+size, len(items))])
	}
	return out
}
