// Package memory implements the cold store in process memory.
//
// Snapshots do not survive a process restart; the driver exists for tests
// and for deployments that accept replay-from-empty on boot.
package memory

import (
	"context"
	"sync"

	"github.com/marmos91/mimic/pkg/store/cold"
)

// Store is an in-memory cold store. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]cold.Snapshot
}

// New creates an empty in-memory cold store.
func New() *Store {
	return &Store{
		snapshots: make(map[string]cold.Snapshot),
	}
}

// Load returns the stored snapshot, or (nil, nil) when absent.
func (s *Store) Load(ctx context.Context, documentID string) (*cold.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, &cold.StoreError{DocumentID: documentID, Op: "load", Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[documentID]
	if !ok {
		return nil, nil
	}
	// Copy so callers cannot mutate the stored record.
	out := snap
	out.State = append([]byte(nil), snap.State...)
	return &out, nil
}

// Save stores the snapshot, replacing any previous one.
func (s *Store) Save(ctx context.Context, documentID string, snapshot *cold.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return &cold.StoreError{DocumentID: documentID, Op: "save", Err: err}
	}

	stored := *snapshot
	stored.State = append([]byte(nil), snapshot.State...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[documentID] = stored
	return nil
}

// Delete removes the document's snapshot.
func (s *Store) Delete(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return &cold.StoreError{DocumentID: documentID, Op: "delete", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, documentID)
	return nil
}

// Close is a no-op for the in-memory driver.
func (s *Store) Close() error {
	return nil
}
