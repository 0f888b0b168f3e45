// Package hot defines the write-ahead log contract of the durability layer.
//
// The hot store keeps a per-document ordered log of committed transactions.
// Every successful submit appends one entry before the in-memory state
// changes; on restore, the tail of the log since the last snapshot is
// replayed. Entries are truncated once a snapshot covering them has been
// committed to cold storage.
//
// Drivers must be safe for concurrent use across different document IDs.
// Per-document calls are already serialized by the engine.
package hot

import (
	"context"
	"fmt"

	"github.com/marmos91/mimic/pkg/schema"
)

// Entry is one committed transaction in a document's log. Version is the
// document version that results from applying the transaction.
type Entry struct {
	Transaction *schema.Transaction `json:"transaction"`
	Version     uint64              `json:"version"`
	Timestamp   int64               `json:"timestamp"`
}

// Store is a per-document ordered transaction log.
type Store interface {
	// Append adds an entry to the document's log.
	Append(ctx context.Context, documentID string, entry Entry) error

	// AppendWithCheck appends only if the last stored version for the
	// document equals expectedVersion-1; an empty log counts as version 0.
	// A mismatch fails with a *VersionGapError and leaves the log unchanged.
	AppendWithCheck(ctx context.Context, documentID string, entry Entry, expectedVersion uint64) error

	// Entries returns entries with version strictly greater than
	// sinceVersion, ordered by version ascending.
	Entries(ctx context.Context, documentID string, sinceVersion uint64) ([]Entry, error)

	// Truncate removes all entries with version <= upToVersion.
	Truncate(ctx context.Context, documentID string, upToVersion uint64) error

	// Close releases driver resources.
	Close() error
}

// StoreError wraps a driver failure with the document and operation that
// caused it.
type StoreError struct {
	DocumentID string
	Op         string
	Err        error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("hot storage %s failed for document %q: %v", e.Op, e.DocumentID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// VersionGapError reports a failed optimistic version check: the log's tail
// was not where the caller expected it. This is the second line of defense
// against split-brain writers in sharded deployments.
type VersionGapError struct {
	DocumentID string
	Expected   uint64 // version the caller attempted to append
	Last       uint64 // version actually at the tail, 0 when empty
}

func (e *VersionGapError) Error() string {
	return fmt.Sprintf("version gap for document %q: attempted to append version %d but log tail is %d",
		e.DocumentID, e.Expected, e.Last)
}
