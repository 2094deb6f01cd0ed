package ingest

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/csvrag/internal/models"
	"github.com/hyperjump/csvrag/internal/source"
	"github.com/hyperjump/csvrag/internal/storage"
)

// FileOptions tunes a file ingestion.
type FileOptions struct {
	// BatchSize overrides the coordinator default when positive.
	BatchSize int
	// Force re-ingests a file even if its checksum matches the last completed run.
	Force bool
}

// IngestFile ingests a CSV/TSV/XLSX file. The file is keyed by its absolute path.
// A file whose content is unchanged since its last completed run is not read again
// unless opts.Force is set; the result then reports Unchanged.
func (c *Coordinator) IngestFile(ctx context.Context, path string, opts FileOptions) *models.IngestResult {
	ref, err := source.Ref(path)
	if err != nil {
		res := newResult(path)
		c.fail(res, err)
		return res
	}
	res := newResult(ref)
	reader, err := source.Open(ref)
	if err != nil {
		c.fail(res, err)
		return res
	}

	lease, err := c.acquire(ctx, res)
	if err != nil {
		return res
	}
	defer c.release(lease)

	checksum, err := source.Checksum(ref)
	if err != nil {
		c.fail(res, err)
		return res
	}
	reg, err := c.store.GetSource(ctx, ref)
	if err != nil {
		c.fail(res, err)
		return res
	}
	if reg != nil && !opts.Force && reg.Status == models.SourceDone && reg.Checksum == checksum {
		c.logger.Info("source unchanged, skipping", zap.String("source", ref))
		res.Unchanged = true
		res.State = models.StateComplete
		return res
	}

	entry := &models.SourceFile{Path: ref, Checksum: checksum, Status: models.SourcePending}
	if err := c.store.SaveSource(ctx, entry); err != nil {
		c.fail(res, err)
		return res
	}

	c.run(ctx, res, reader, opts.BatchSize)

	entry.Rows = int64(res.Processed - res.Failed)
	if res.OK() {
		entry.Status, entry.LastError = models.SourceDone, ""
	} else {
		entry.Status, entry.LastError = models.SourceFailed, res.Error
	}
	if err := c.store.SaveSource(context.WithoutCancel(ctx), entry); err != nil {
		c.logger.Warn("failed to update source registry", zap.String("source", ref), zap.Error(err))
	}
	return res
}

// IngestDirectory ingests every supported file under dir, recursively, with at most
// the configured number of files in flight. Results are returned in path order.
func (c *Coordinator) IngestDirectory(ctx context.Context, dir string, opts FileOptions) ([]*models.IngestResult, error) {
	paths, err := c.scan(dir)
	if err != nil {
		return nil, err
	}
	results := make([]*models.IngestResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, p := range paths {
		g.Go(func() error {
			results[i] = c.IngestFile(gctx, p, opts)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (c *Coordinator) scan(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if c.accepts(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// accepts reports whether path is a supported source with an allowed extension.
func (c *Coordinator) accepts(path string) bool {
	if !source.Supported(path) {
		return false
	}
	if len(c.extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range c.extensions {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

// Accepts reports whether IngestDirectory would pick up path.
func (c *Coordinator) Accepts(path string) bool {
	return c.accepts(path)
}

// DeleteSource removes a file source: vector entries of records only it references
// first, then those records, then its registry entry. It holds the source lock, so
// it fails with LockContention while the source is being ingested.
func (c *Coordinator) DeleteSource(ctx context.Context, path string) (int64, error) {
	ref, err := source.Ref(path)
	if err != nil {
		return 0, err
	}
	lease, err := c.locker.Acquire(ctx, ref)
	if err != nil {
		return 0, err
	}
	defer c.release(lease)

	ids, err := c.store.ExclusiveIDs(ctx, ref)
	if err != nil {
		return 0, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = strconv.FormatInt(id, 10)
	}
	if err := c.index.Delete(ctx, keys); err != nil {
		return 0, err
	}
	if err := c.index.Persist(ctx); err != nil {
		return 0, err
	}
	deleted, err := c.store.DeleteSourceRecords(ctx, ref)
	if err != nil {
		return 0, err
	}
	if err := c.store.DeleteSource(ctx, ref); err != nil {
		return deleted, err
	}
	c.logger.Info("source deleted", zap.String("source", ref), zap.Int64("records", deleted))
	return deleted, nil
}

// Status reports store and index sizes plus the disk usage of paths.
func (c *Coordinator) Status(ctx context.Context, paths ...string) (*models.Status, error) {
	records, err := c.store.CountRecords(ctx)
	if err != nil {
		return nil, err
	}
	sources, err := c.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	runs, err := c.store.ListRuns(ctx, "", 10)
	if err != nil {
		return nil, err
	}
	usage, err := storage.DiskUsageBytes(paths...)
	if err != nil {
		c.logger.Warn("failed to compute disk usage", zap.Error(err))
	}
	return &models.Status{
		Records:        records,
		Vectors:        c.index.Size(),
		Sources:        sources,
		RecentRuns:     runs,
		DiskUsageBytes: usage,
	}, nil
}
