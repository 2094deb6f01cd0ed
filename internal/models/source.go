package models

import "time"

// SourceStatus is the ingestion status of a registered source file.
type SourceStatus string

const (
	SourcePending SourceStatus = "pending"
	SourceDone    SourceStatus = "done"
	SourceFailed  SourceStatus = "failed"
)

// SourceFile is a registered ingestion source. Checksum is the sha256 of the file bytes
// at the time it was last registered.
type SourceFile struct {
	ID        int64        `json:"id"`
	Path      string       `json:"path"`
	Checksum  string       `json:"checksum"`
	Status    SourceStatus `json:"status"`
	Rows      int64        `json:"rows"`
	LastError string       `json:"last_error,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// IngestRun is the persisted log entry of one ingestion run.
type IngestRun struct {
	ID         string      `json:"id"`
	Source     string      `json:"source"`
	State      IngestState `json:"state"`
	Processed  int         `json:"processed"`
	Inserted   int         `json:"inserted"`
	Skipped    int         `json:"skipped"`
	Failed     int         `json:"failed"`
	LastFault  string      `json:"last_fault,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}
