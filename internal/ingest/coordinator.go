// Package ingest runs source rows through normalization, the metadata store, the
// embedding model and the vector index, one locked run per source.
package ingest

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/csvrag/internal/embedding"
	"github.com/hyperjump/csvrag/internal/fault"
	"github.com/hyperjump/csvrag/internal/lock"
	"github.com/hyperjump/csvrag/internal/models"
	"github.com/hyperjump/csvrag/internal/normalize"
	"github.com/hyperjump/csvrag/internal/source"
	"github.com/hyperjump/csvrag/internal/storage"
	"github.com/hyperjump/csvrag/internal/vector"
	"github.com/hyperjump/csvrag/pkg/utils"
)

const (
	DefaultBatchSize      = 64
	DefaultEmbedBatchSize = 128
	DefaultEmbedTimeout   = 60 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryBase      = 200 * time.Millisecond
	DefaultWorkers        = 4

	maxRetryDelay = 5 * time.Second
)

// Coordinator ingests sources. It is safe for concurrent use; runs on the same
// source are serialized by the locker, across processes too.
type Coordinator struct {
	store      storage.MetadataStore
	embedder   embedding.Embedder
	index      vector.VectorIndex
	locker     lock.Locker
	normalizer *normalize.Normalizer

	batchSize      int
	embedBatchSize int
	embedTimeout   time.Duration
	maxRetries     int
	retryBase      time.Duration
	workers        int
	extensions     []string
	logger         *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithBatchSize sets the default number of records per batch.
func WithBatchSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithEmbedding sets the embedding chunk size and the per-chunk timeout.
func WithEmbedding(batchSize int, timeout time.Duration) Option {
	return func(c *Coordinator) {
		if batchSize > 0 {
			c.embedBatchSize = batchSize
		}
		if timeout > 0 {
			c.embedTimeout = timeout
		}
	}
}

// WithRetry sets how often a batch step failing with a retryable fault is retried,
// and the base of the exponential backoff between attempts.
func WithRetry(maxRetries int, base time.Duration) Option {
	return func(c *Coordinator) {
		if maxRetries >= 0 {
			c.maxRetries = maxRetries
		}
		if base > 0 {
			c.retryBase = base
		}
	}
}

// WithWorkers bounds how many files IngestDirectory ingests at once.
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithExtensions restricts IngestDirectory to files with these extensions.
func WithExtensions(exts ...string) Option {
	return func(c *Coordinator) { c.extensions = exts }
}

// NewCoordinator creates a coordinator over the given collaborators.
func NewCoordinator(
	store storage.MetadataStore,
	embedder embedding.Embedder,
	index vector.VectorIndex,
	locker lock.Locker,
	normalizer *normalize.Normalizer,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		store:          store,
		embedder:       embedder,
		index:          index,
		locker:         locker,
		normalizer:     normalizer,
		batchSize:      DefaultBatchSize,
		embedBatchSize: DefaultEmbedBatchSize,
		embedTimeout:   DefaultEmbedTimeout,
		maxRetries:     DefaultMaxRetries,
		retryBase:      DefaultRetryBase,
		workers:        DefaultWorkers,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = utils.OrNop(c.logger)
	return c
}

// Ingest runs one ingestion of r under the lock for name. batchSize <= 0 uses the
// configured default. The result is never nil; on failure it carries the fault.
func (c *Coordinator) Ingest(ctx context.Context, name string, r source.Reader, batchSize int) *models.IngestResult {
	res := newResult(name)
	lease, err := c.acquire(ctx, res)
	if err != nil {
		return res
	}
	defer c.release(lease)
	c.run(ctx, res, r, batchSize)
	return res
}

func newResult(name string) *models.IngestResult {
	return &models.IngestResult{RunID: uuid.NewString(), Source: name, State: models.StateIdle}
}

// acquire takes the source lock. Contention leaves the result IDLE: the run never started.
func (c *Coordinator) acquire(ctx context.Context, res *models.IngestResult) (lock.Lease, error) {
	lease, err := c.locker.Acquire(ctx, res.Source)
	if err != nil {
		if fault.Is(err, fault.LockContention) {
			c.logger.Info("ingestion already in progress", zap.String("source", res.Source))
			setFault(res, err)
			return nil, err
		}
		c.fail(res, err)
		return nil, err
	}
	c.transition(res, models.StateLockAcquired)
	return lease, nil
}

func (c *Coordinator) release(lease lock.Lease) {
	if err := lease.Release(); err != nil {
		c.logger.Warn("failed to release ingestion lock", zap.String("source", lease.Name()), zap.Error(err))
	}
}

// run streams r in batches. It must be called with the source lock held.
func (c *Coordinator) run(ctx context.Context, res *models.IngestResult, r source.Reader, batchSize int) {
	if batchSize <= 0 {
		batchSize = c.batchSize
	}
	started := time.Now().UTC()
	c.logger.Info("ingestion started", zap.String("run_id", res.RunID), zap.String("source", res.Source), zap.Int("batch_size", batchSize))
	c.saveRun(res, started, false)
	defer func() {
		c.saveRun(res, started, true)
		if res.OK() {
			c.logger.Info("ingestion complete",
				zap.String("run_id", res.RunID),
				zap.String("source", res.Source),
				zap.Int("processed", res.Processed),
				zap.Int("inserted", res.Inserted),
				zap.Int("skipped", res.Skipped),
				zap.Int("failed", res.Failed),
				zap.Duration("took", time.Since(started)))
		}
	}()

	// Work inside a batch is not interrupted by cancellation; ctx is checked between batches.
	work := context.WithoutCancel(ctx)

	if err := r.Open(work); err != nil {
		c.fail(res, err)
		return
	}
	defer r.Close()
	c.transition(res, models.StateStreaming)

	batch := make([]*models.Record, 0, batchSize)
	for {
		if len(batch) == 0 {
			if err := ctx.Err(); err != nil {
				c.fail(res, fault.New(fault.Canceled, "ingest", err))
				return
			}
		}
		row, err := r.Next(work)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if fault.Is(err, fault.InvalidInput) {
				res.Processed++
				res.Failed++
				c.logger.Warn("skipping invalid row", zap.String("source", res.Source), zap.Error(err))
				continue
			}
			c.fail(res, err)
			return
		}
		res.Processed++
		rec, err := c.normalizer.Normalize(row)
		if err != nil {
			res.Failed++
			c.logger.Warn("skipping invalid row", zap.String("source", res.Source), zap.Int("row", res.Processed), zap.Error(err))
			continue
		}
		rec.Source = res.Source
		batch = append(batch, rec)
		if len(batch) < batchSize {
			continue
		}
		if err := c.processBatch(ctx, work, res, batch); err != nil {
			c.fail(res, err)
			return
		}
		batch = batch[:0]
		c.transition(res, models.StateStreaming)
	}
	if len(batch) > 0 {
		if err := c.processBatch(ctx, work, res, batch); err != nil {
			c.fail(res, err)
			return
		}
	}
	c.transition(res, models.StateComplete)
}

// processBatch persists, embeds and links one batch, retrying the whole step on
// retryable faults. Every stage is idempotent so a retry repeats completed stages safely.
// Backoff waits observe ctx; the stages themselves run on work.
func (c *Coordinator) processBatch(ctx, work context.Context, res *models.IngestResult, batch []*models.Record) error {
	res.Batches++
	inserted := make(map[string]bool)
	for attempt := 0; ; attempt++ {
		err := c.batchStep(work, res, batch, inserted)
		if err == nil {
			res.Inserted += len(inserted)
			res.Skipped += len(batch) - len(inserted)
			c.logger.Debug("batch linked",
				zap.String("source", res.Source),
				zap.Int("batch", res.Batches),
				zap.Int("size", len(batch)),
				zap.Int("inserted", len(inserted)))
			return nil
		}
		if !fault.IsRetryable(err) || attempt >= c.maxRetries {
			return err
		}
		delay := utils.Backoff(c.retryBase, maxRetryDelay, attempt)
		c.logger.Warn("batch step failed, retrying",
			zap.String("source", res.Source),
			zap.Int("batch", res.Batches),
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		if serr := utils.Sleep(ctx, delay); serr != nil {
			return fault.New(fault.Canceled, "ingest", serr)
		}
	}
}

func (c *Coordinator) batchStep(ctx context.Context, res *models.IngestResult, batch []*models.Record, inserted map[string]bool) error {
	c.transition(res, models.StateBatchPersisting)
	persisted, err := c.store.BulkUpsert(ctx, res.Source, batch)
	if err != nil {
		return err
	}
	for _, p := range persisted {
		if p.Inserted {
			inserted[p.Fingerprint] = true
		}
	}

	// Duplicates are embedded too, keeping vectors index-aligned with the batch.
	c.transition(res, models.StateBatchEmbedding)
	texts := make([]string, len(batch))
	for i, rec := range batch {
		texts[i] = rec.Content
	}
	vectors, err := embedding.EmbedAll(ctx, c.embedder, texts, c.embedBatchSize, c.embedTimeout)
	if err != nil {
		return err
	}

	c.transition(res, models.StateBatchLinking)
	fingerprints := make([]string, len(batch))
	for i, rec := range batch {
		fingerprints[i] = rec.Fingerprint
	}
	ids, err := c.store.ResolveIDs(ctx, fingerprints)
	if err != nil {
		return err
	}

	entries := make([]models.VectorEntry, 0, len(batch))
	seen := make(map[string]bool, len(batch))
	var unresolved []string
	for i, rec := range batch {
		id, ok := ids[rec.Fingerprint]
		if !ok {
			unresolved = append(unresolved, rec.Fingerprint)
			continue
		}
		key := strconv.FormatInt(id, 10)
		if seen[key] {
			continue
		}
		seen[key] = true
		entries = append(entries, models.VectorEntry{
			Key:    key,
			Vector: vectors[i],
			Metadata: map[string]string{
				models.MetaSource:      res.Source,
				models.MetaFingerprint: rec.Fingerprint,
			},
		})
	}
	if len(unresolved) > 0 {
		c.logger.Error("persisted records could not be resolved; dropping their vectors",
			zap.String("source", res.Source),
			zap.Int("batch", res.Batches),
			zap.Strings("fingerprints", unresolved))
	}
	if len(entries) > 0 {
		if err := c.index.Add(ctx, entries); err != nil {
			return err
		}
		if err := c.index.Persist(ctx); err != nil {
			return err
		}
	}
	if len(unresolved) > 0 {
		return fault.Errorf(fault.ConsistencyFault, "link batch", "%d fingerprints did not resolve after upsert", len(unresolved))
	}
	return nil
}

func (c *Coordinator) transition(res *models.IngestResult, to models.IngestState) {
	if res.State == to {
		return
	}
	c.logger.Debug("ingest state", zap.String("source", res.Source), zap.String("from", string(res.State)), zap.String("to", string(to)))
	res.State = to
}

func (c *Coordinator) fail(res *models.IngestResult, err error) {
	from := res.State
	c.transition(res, models.StateFailed)
	setFault(res, err)
	c.logger.Error("ingestion failed",
		zap.String("run_id", res.RunID),
		zap.String("source", res.Source),
		zap.String("state", string(from)),
		zap.String("fault", res.LastFault),
		zap.Int("processed", res.Processed),
		zap.Int("inserted", res.Inserted),
		zap.Error(err))
}

func setFault(res *models.IngestResult, err error) {
	res.Err = err
	res.Error = err.Error()
	res.LastFault = string(fault.KindOf(err))
}

// saveRun writes the run log entry. The log is advisory, so write failures are only logged.
func (c *Coordinator) saveRun(res *models.IngestResult, started time.Time, finished bool) {
	run := &models.IngestRun{
		ID:        res.RunID,
		Source:    res.Source,
		State:     res.State,
		Processed: res.Processed,
		Inserted:  res.Inserted,
		Skipped:   res.Skipped,
		Failed:    res.Failed,
		LastFault: res.LastFault,
		StartedAt: started,
	}
	if finished {
		now := time.Now().UTC()
		run.FinishedAt = &now
	}
	if err := c.store.SaveRun(context.Background(), run); err != nil {
		c.logger.Warn("failed to record ingest run", zap.String("run_id", res.RunID), zap.Error(err))
	}
}
