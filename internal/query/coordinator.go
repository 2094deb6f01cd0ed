// Package query answers nearest-neighbour queries over ingested records.
package query

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/csvrag/internal/embedding"
	"github.com/hyperjump/csvrag/internal/fault"
	"github.com/hyperjump/csvrag/internal/models"
	"github.com/hyperjump/csvrag/internal/storage"
	"github.com/hyperjump/csvrag/internal/vector"
	"github.com/hyperjump/csvrag/pkg/utils"
)

const (
	DefaultTopK  = 10
	MaxTopK      = 100
	embedTimeout = 30 * time.Second
)

// Coordinator runs queries: embed the text, search the index, resolve rows.
type Coordinator struct {
	store    storage.MetadataStore
	embedder embedding.Embedder
	index    vector.VectorIndex

	defaultTopK int
	maxTopK     int
	timeout     time.Duration
	logger      *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithTopK sets the default and maximum number of results.
func WithTopK(defaultTopK, maxTopK int) Option {
	return func(c *Coordinator) {
		if defaultTopK > 0 {
			c.defaultTopK = defaultTopK
		}
		if maxTopK > 0 {
			c.maxTopK = maxTopK
		}
	}
}

// WithEmbedTimeout bounds the query embedding call.
func WithEmbedTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewCoordinator creates a query coordinator.
func NewCoordinator(store storage.MetadataStore, embedder embedding.Embedder, index vector.VectorIndex, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		embedder:    embedder,
		index:       index,
		defaultTopK: DefaultTopK,
		maxTopK:     MaxTopK,
		timeout:     embedTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = utils.OrNop(c.logger)
	return c
}

// Query returns the records nearest to req.Query in index rank order. Index keys
// with no stored row are left out of the results and listed in Stale.
func (c *Coordinator) Query(ctx context.Context, req *models.QueryRequest) (*models.QueryResponse, error) {
	start := time.Now()
	if err := req.Validate(c.defaultTopK, c.maxTopK); err != nil {
		return nil, fault.New(fault.InvalidInput, "query", err)
	}

	vectors, err := embedding.EmbedAll(ctx, c.embedder, []string{req.Query}, 1, c.timeout)
	if err != nil {
		return nil, err
	}
	hits, err := c.index.Query(ctx, vectors[0], req.TopK, req.Filter)
	if err != nil {
		return nil, err
	}

	resp := &models.QueryResponse{Query: req.Query, Results: make([]*models.QueryResult, 0, len(hits))}
	if len(hits) > 0 {
		ids := make([]int64, 0, len(hits))
		keyed := make([]int64, len(hits))
		for i, h := range hits {
			id, err := strconv.ParseInt(h.Key, 10, 64)
			if err != nil {
				keyed[i] = -1
				continue
			}
			keyed[i] = id
			ids = append(ids, id)
		}
		records, err := c.store.FetchByIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		byID := make(map[int64]*models.Record, len(records))
		for _, r := range records {
			byID[r.ID] = r
		}
		for i, h := range hits {
			rec, ok := byID[keyed[i]]
			if !ok {
				resp.Stale = append(resp.Stale, h.Key)
				continue
			}
			resp.Results = append(resp.Results, &models.QueryResult{
				ID:         rec.ID,
				ExternalID: rec.ExternalID,
				Content:    rec.Content,
				Fields:     rec.Fields,
				Score:      h.Distance,
				Rank:       len(resp.Results) + 1,
			})
		}
	}
	if len(resp.Stale) > 0 {
		c.logger.Warn("query hit stale index entries", zap.Strings("keys", resp.Stale))
	}
	resp.QueryTime = time.Since(start).Milliseconds()
	return resp, nil
}

// DeleteStale removes index entries whose rows no longer exist. Keys that do
// resolve to a row are kept, so callers may pass Stale from an older response.
func (c *Coordinator) DeleteStale(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	ids := make([]int64, 0, len(keys))
	for _, k := range keys {
		if id, err := strconv.ParseInt(k, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	records, err := c.store.FetchByIDs(ctx, ids)
	if err != nil {
		return 0, err
	}
	live := make(map[string]bool, len(records))
	for _, r := range records {
		live[strconv.FormatInt(r.ID, 10)] = true
	}
	stale := make([]string, 0, len(keys))
	for _, k := range keys {
		if !live[k] {
			stale = append(stale, k)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := c.index.Delete(ctx, stale); err != nil {
		return 0, err
	}
	if err := c.index.Persist(ctx); err != nil {
		return 0, err
	}
	c.logger.Info("deleted stale index entries", zap.Int("count", len(stale)))
	return len(stale), nil
}
