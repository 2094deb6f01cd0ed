// Package models defines core data structures for records, vector entries, and query results.
package models

import "time"

// RawRow is one row as produced by a source reader: column name to raw value.
// Values are strings, numbers, booleans, or nil for an absent cell.
type RawRow map[string]any

// Record is a normalized row persisted in the metadata store.
type Record struct {
	ID          int64             `json:"id"`
	Fingerprint string            `json:"fingerprint"`
	ExternalID  string            `json:"external_id,omitempty"`
	Source      string            `json:"source"`
	Content     string            `json:"content"`
	Fields      map[string]string `json:"fields"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Persisted maps a fingerprint to the relational identity it was stored under.
type Persisted struct {
	Fingerprint string `json:"fingerprint"`
	ID          int64  `json:"id"`
	Inserted    bool   `json:"inserted"`
}

// VectorEntry links an embedding to a persisted record. Key is the decimal string of the record ID.
type VectorEntry struct {
	Key      string            `json:"key"`
	Vector   []float32         `json:"-"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Entry metadata keys written alongside every vector entry.
const (
	MetaSource      = "source"
	MetaFingerprint = "fingerprint"
)
