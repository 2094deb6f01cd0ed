package watcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/hyperjump/csvrag/internal/ingest"
	"github.com/hyperjump/csvrag/internal/models"
	"github.com/hyperjump/csvrag/pkg/utils"
)

// Ingester is the part of the ingestion coordinator the watcher drives.
type Ingester interface {
	IngestFile(ctx context.Context, path string, opts ingest.FileOptions) *models.IngestResult
	DeleteSource(ctx context.Context, path string) (int64, error)
}

// IngestHandler ingests changed files and deletes the records of removed ones.
type IngestHandler struct {
	ingester Ingester
	opts     ingest.FileOptions
	logger   *zap.Logger
}

// NewIngestHandler returns a Handler backed by ing.
func NewIngestHandler(ing Ingester, opts ingest.FileOptions, logger *zap.Logger) *IngestHandler {
	return &IngestHandler{ingester: ing, opts: opts, logger: utils.OrNop(logger)}
}

func (h *IngestHandler) SourceChanged(ctx context.Context, path string) error {
	res := h.ingester.IngestFile(ctx, path, h.opts)
	if res.Err != nil {
		return res.Err
	}
	if !res.Unchanged {
		h.logger.Info("ingested changed source",
			zap.String("source", res.Source),
			zap.Int("inserted", res.Inserted),
			zap.Int("skipped", res.Skipped))
	}
	return nil
}

func (h *IngestHandler) SourceRemoved(ctx context.Context, path string) error {
	n, err := h.ingester.DeleteSource(ctx, path)
	if err != nil {
		return err
	}
	h.logger.Info("removed deleted source", zap.String("path", path), zap.Int64("records", n))
	return nil
}
