// Package storage defines the metadata store and its SQLite implementation.
package storage

import (
	"context"

	"github.com/hyperjump/csvrag/internal/models"
)

// MetadataStore persists records keyed by fingerprint, plus the source registry
// and the ingestion run log.
type MetadataStore interface {
	// Record operations
	BulkUpsert(ctx context.Context, source string, records []*models.Record) ([]models.Persisted, error)
	ResolveIDs(ctx context.Context, fingerprints []string) (map[string]int64, error)
	FetchByIDs(ctx context.Context, ids []int64) ([]*models.Record, error)
	GetRecord(ctx context.Context, id int64) (*models.Record, error)
	ExclusiveIDs(ctx context.Context, source string) ([]int64, error)
	DeleteSourceRecords(ctx context.Context, source string) (int64, error)

	// Source registry
	GetSource(ctx context.Context, path string) (*models.SourceFile, error)
	SaveSource(ctx context.Context, src *models.SourceFile) error
	ListSources(ctx context.Context) ([]*models.SourceFile, error)
	DeleteSource(ctx context.Context, path string) error

	// Run log
	SaveRun(ctx context.Context, run *models.IngestRun) error
	ListRuns(ctx context.Context, source string, limit int) ([]*models.IngestRun, error)

	// Stats
	CountRecords(ctx context.Context) (int64, error)

	Close() error
}
