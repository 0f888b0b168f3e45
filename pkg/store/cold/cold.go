// Package cold defines the snapshot side of the durability layer.
//
// The cold store keeps at most one full-state snapshot per document. Saves
// are last-write-wins; a load must be strongly consistent with a prior save
// from the same process.
//
// Drivers must be safe for concurrent use across different document IDs.
package cold

import (
	"context"
	"encoding/json"
	"fmt"
)

// CurrentSchemaVersion is written into every new snapshot. It is reserved
// for forward migrations of the snapshot format.
const CurrentSchemaVersion = 1

// Snapshot is a persisted full document state at a version.
type Snapshot struct {
	State         json.RawMessage `json:"state"`
	Version       uint64          `json:"version"`
	SchemaVersion int             `json:"schemaVersion"`
	SavedAt       int64           `json:"savedAt"`
}

// Store persists whole-document snapshots keyed by document ID.
type Store interface {
	// Load returns the snapshot for the document, or (nil, nil) when none
	// exists. Driver failures are never silently treated as absence.
	Load(ctx context.Context, documentID string) (*Snapshot, error)

	// Save persists the snapshot, replacing any previous one.
	Save(ctx context.Context, documentID string, snapshot *Snapshot) error

	// Delete removes the document's snapshot. Deleting an absent snapshot
	// is not an error.
	Delete(ctx context.Context, documentID string) error

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
	return fmt.Sprintf("cold storage %s failed for document %q: %v", e.Op, e.DocumentID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
