// Package vector provides the vector index: keyed upsert, filtered nearest-neighbour
// query, delete, and an explicit durability checkpoint.
package vector

import (
	"context"
	"sort"

	"github.com/hyperjump/csvrag/internal/models"
)

// VectorIndex stores embeddings keyed by an external string key.
//
// Add overwrites the vector and metadata of a key that already exists. Query returns
// hits by ascending distance, ties broken by key. Persist makes every Add and Delete
// issued so far durable.
type VectorIndex interface {
	Add(ctx context.Context, entries []models.VectorEntry) error
	Query(ctx context.Context, vector []float32, k int, filter map[string]string) ([]*Hit, error)
	Delete(ctx context.Context, keys []string) error
	Persist(ctx context.Context) error
	Keys() []string
	Size() int
	Close() error
}

// Hit is a single query result. Distance is 1 - cosine similarity (0 is identical).
type Hit struct {
	Key      string            `json:"key"`
	Distance float64           `json:"distance"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// rank sorts hits by ascending distance then key, and keeps the first k.
func rank(hits []*Hit, k int) []*Hit {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Key < hits[j].Key
	})
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits
}

// matches reports whether meta satisfies every equality in filter.
func matches(meta, filter map[string]string) bool {
	for k, v := range filter {
		if got, ok := meta[k]; !ok || got != v {
			return false
		}
	}
	return true
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
