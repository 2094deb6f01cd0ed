package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hyperjump/csvrag/internal/config"
	"github.com/hyperjump/csvrag/internal/embedding"
	"github.com/hyperjump/csvrag/internal/ingest"
	"github.com/hyperjump/csvrag/internal/lock"
	"github.com/hyperjump/csvrag/internal/normalize"
	"github.com/hyperjump/csvrag/internal/query"
	"github.com/hyperjump/csvrag/internal/source"
	"github.com/hyperjump/csvrag/internal/storage"
	"github.com/hyperjump/csvrag/internal/vector"
)

// Components holds initialized services.
type Components struct {
	Store    *storage.SQLiteStorage
	Embedder embedding.Embedder
	Index    vector.VectorIndex
	Ingest   *ingest.Coordinator
	Query    *query.Coordinator
}

// Close releases every component, collecting all errors.
func (c *Components) Close() error {
	var err error
	if c.Index != nil {
		err = multierr.Append(err, c.Index.Close())
	}
	if c.Embedder != nil {
		err = multierr.Append(err, c.Embedder.Close())
	}
	if c.Store != nil {
		err = multierr.Append(err, c.Store.Close())
	}
	return err
}

// statusPaths are the files counted as disk usage.
func statusPaths(cfg *config.Config) []string {
	paths := storage.DatabaseFiles(cfg.Storage.DatabasePath)
	if cfg.Storage.IndexType == string(vector.IndexTypeSQLite) {
		return append(paths, storage.DatabaseFiles(cfg.Storage.IndexPath)...)
	}
	return append(paths, cfg.Storage.IndexPath)
}

// watchFilter accepts supported source files whose extension is in exts.
// An empty exts accepts every supported file.
func watchFilter(exts []string) func(path string) bool {
	allowed := make(map[string]bool, len(exts))
	for _, e := range exts {
		allowed[strings.ToLower(e)] = true
	}
	return func(path string) bool {
		if !source.Supported(path) {
			return false
		}
		return len(allowed) == 0 || allowed[strings.ToLower(filepath.Ext(path))]
	}
}

func buildEmbedder(cfg *config.EmbeddingConfig) (embedding.Embedder, error) {
	var (
		inner embedding.Embedder
		err   error
	)
	switch cfg.Provider {
	case config.ProviderMock:
		inner = embedding.NewMockEmbedder(cfg.Dimensions)
	case config.ProviderONNX:
		inner, err = embedding.NewONNXEmbedder(embedding.ONNXConfig{
			ModelPath:  cfg.ModelPath,
			Dimensions: cfg.Dimensions,
			MaxTokens:  cfg.MaxTokens,
		})
	case config.ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai embedding provider needs an API key (set %s)", cfg.APIKeyEnv)
		}
		inner, err = embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.CacheSize > 0 {
		return embedding.NewCachedEmbedder(inner, cfg.CacheSize), nil
	}
	return inner, nil
}

// initializeComponents opens the stores and wires both coordinators. lockWait
// makes ingestion wait for a held source lock instead of failing fast.
func initializeComponents(cfg *config.Config, logger *zap.Logger, lockWait bool) (*Components, error) {
	c := &Components{}
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.Store = store

	embedder, err := buildEmbedder(&cfg.Embedding)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	c.Embedder = embedder

	index, err := vector.NewVectorIndex(cfg.Storage.IndexType, cfg.Embedding.Dimensions, cfg.Storage.IndexPath)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	c.Index = index
	logger.Info("vector index initialized",
		zap.String("type", cfg.Storage.IndexType),
		zap.String("path", cfg.Storage.IndexPath),
		zap.Int("entries", index.Size()))

	lockOpts := []lock.Option{lock.WithLogger(logger)}
	if lockWait || cfg.Ingest.LockWait {
		lockOpts = append(lockOpts, lock.WithWait(cfg.Ingest.LockWaitTimeout))
	}
	locker, err := lock.NewSQLiteLocker(cfg.Storage.LockDirOrDefault(), lockOpts...)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	normalizer := normalize.NewNormalizer(
		normalize.WithExemptFields(cfg.Ingest.ExemptFields...),
		normalize.WithIgnoredContentFields(cfg.Ingest.IgnoreContentFields...),
		normalize.WithExternalIDField(cfg.Ingest.ExternalIDField),
	)
	retries := cfg.Ingest.MaxRetries
	if retries < 0 {
		retries = 0
	}
	c.Ingest = ingest.NewCoordinator(store, embedder, index, locker, normalizer,
		ingest.WithLogger(logger),
		ingest.WithBatchSize(cfg.Ingest.BatchSize),
		ingest.WithEmbedding(cfg.Embedding.BatchSize, cfg.Embedding.Timeout),
		ingest.WithRetry(retries, cfg.Ingest.RetryBaseDelay),
		ingest.WithWorkers(cfg.Ingest.Workers),
		ingest.WithExtensions(cfg.Ingest.Extensions...),
	)
	c.Query = query.NewCoordinator(store, embedder, index,
		query.WithLogger(logger),
		query.WithTopK(cfg.Query.DefaultTopK, cfg.Query.MaxTopK),
		query.WithEmbedTimeout(cfg.Embedding.Timeout),
	)
	return c, nil
}
