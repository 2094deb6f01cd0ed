package models

// IngestState is a state of the ingestion state machine.
type IngestState string

const (
	StateIdle            IngestState = "IDLE"
	StateLockAcquired    IngestState = "LOCK_ACQUIRED"
	StateStreaming       IngestState = "STREAMING"
	StateBatchPersisting IngestState = "BATCH_PERSISTING"
	StateBatchEmbedding  IngestState = "BATCH_EMBEDDING"
	StateBatchLinking    IngestState = "BATCH_LINKING"
	StateComplete        IngestState = "COMPLETE"
	StateFailed          IngestState = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s IngestState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// IngestResult is the structured outcome of one ingestion run. It is returned for
// failed runs too; Err carries the fault and LastFault its kind.
//
// Processed counts rows read, Inserted rows that were new to the store, Skipped rows
// whose fingerprint already existed, and Failed rows rejected as invalid.
type IngestResult struct {
	RunID     string      `json:"run_id,omitempty"`
	Source    string      `json:"source"`
	State     IngestState `json:"state"`
	Processed int         `json:"processed"`
	Inserted  int         `json:"inserted"`
	Skipped   int         `json:"skipped"`
	Failed    int         `json:"failed"`
	Batches   int         `json:"batches"`
	// Unchanged is true when the source file was already ingested with the same checksum.
	Unchanged bool   `json:"unchanged,omitempty"`
	LastFault string `json:"last_fault,omitempty"`
	Error     string `json:"error,omitempty"`
	Err       error  `json:"-"`
}

// OK reports whether the run completed.
func (r *IngestResult) OK() bool {
	return r.State == StateComplete
}

// Status summarizes both stores.
type Status struct {
	Records        int64         `json:"records"`
	Vectors        int           `json:"vectors"`
	Sources        []*SourceFile `json:"sources"`
	RecentRuns     []*IngestRun  `json:"recent_runs,omitempty"`
	DiskUsageBytes int64         `json:"disk_usage_bytes"`
}
