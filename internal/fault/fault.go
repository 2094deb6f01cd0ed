// Package fault classifies ingestion and query failures into the kinds callers act on.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind is a failure category.
type Kind string

const (
	// InvalidInput is a malformed record; the record is skipped and the batch continues.
	InvalidInput Kind = "InvalidInput"
	// StoreUnavailable means the metadata store could not be reached. Retryable.
	StoreUnavailable Kind = "StoreUnavailable"
	// EmbeddingUnavailable means the embedding model could not serve a batch. Retryable.
	EmbeddingUnavailable Kind = "EmbeddingUnavailable"
	// IndexUnavailable means the vector index rejected an operation. Retryable.
	IndexUnavailable Kind = "IndexUnavailable"
	// LockContention means another worker holds the ingestion lock for the source.
	LockContention Kind = "LockContention"
	// ConsistencyFault means an internal invariant between the stores was violated.
	ConsistencyFault Kind = "ConsistencyFault"
	// SourceReadError means the source reader failed mid-stream.
	SourceReadError Kind = "SourceReadError"
	// Canceled means the run observed a cancellation signal between batches.
	Canceled Kind = "Canceled"
	// Unknown is any error not classified above.
	Unknown Kind = "Unknown"
)

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Context cancellation that was never classified maps to Canceled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Canceled
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the batch step that produced err may be retried with backoff.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case StoreUnavailable, EmbeddingUnavailable, IndexUnavailable:
		return true
	}
	return false
}
