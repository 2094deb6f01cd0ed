package vector

import "fmt"

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeMemory keeps entries in memory and snapshots them to a file on Persist.
	IndexTypeMemory IndexType = "memory"
	// IndexTypeSQLite keeps entries in a SQLite database; every Add is durable on commit.
	IndexTypeSQLite IndexType = "sqlite"
)

// NewVectorIndex creates a vector index of the specified type backed by path.
// Supported types: "sqlite", shared safely by several processes, and "memory"
// (also chosen by an empty type), owned by a single process at a time.
func NewVectorIndex(indexType string, dimensions int, path string) (VectorIndex, error) {
	switch IndexType(indexType) {
	case IndexTypeMemory, "":
		return NewMemoryIndex(dimensions, path)
	case IndexTypeSQLite:
		return NewSQLiteIndex(dimensions, path)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: memory, sqlite)", indexType)
	}
}
