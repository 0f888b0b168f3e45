// Package memory implements the hot store in process memory.
//
// It is the default driver for tests and single-node development setups.
// Entries do not survive a process restart.
package memory

import (
	"context"
	"sync"

	"github.com/marmos91/mimic/pkg/store/hot"
)

// Store is an in-memory hot store. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	logs map[string][]hot.Entry
}

// New creates an empty in-memory hot store.
func New() *Store {
	return &Store{
		logs: make(map[string][]hot.Entry),
	}
}

// Append adds an entry to the document's log.
func (s *Store) Append(ctx context.Context, documentID string, entry hot.Entry) error {
	if err := ctx.Err(); err != nil {
		return &hot.StoreError{DocumentID: documentID, Op: "append", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[documentID] = append(s.logs[documentID], entry)
	return nil
}

// AppendWithCheck appends only when the log tail matches expectedVersion-1.
func (s *Store) AppendWithCheck(ctx context.Context, documentID string, entry hot.Entry, expectedVersion uint64) error {
	if err := ctx.Err(); err != nil {
		return &hot.StoreError{DocumentID: documentID, Op: "append_with_check", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var last uint64
	if log := s.logs[documentID]; len(log) > 0 {
		last = log[len(log)-1].Version
	}
	if last != expectedVersion-1 {
		return &hot.VersionGapError{DocumentID: documentID, Expected: expectedVersion, Last: last}
	}

	s.logs[documentID] = append(s.logs[documentID], entry)
	return nil
}

// Entries returns entries with version strictly greater than sinceVersion.
func (s *Store) Entries(ctx context.Context, documentID string, sinceVersion uint64) ([]hot.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, &hot.StoreError{DocumentID: documentID, Op: "entries", Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []hot.Entry
	for _, e := range s.logs[documentID] {
		if e.Version > sinceVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

// Truncate removes all entries with version <= upToVersion.
func (s *Store) Truncate(ctx context.Context, documentID string, upToVersion uint64) error {
	if err := ctx.Err(); err != nil {
		return &hot.StoreError{DocumentID: documentID, Op: "truncate", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[documentID]
	kept := log[:0:0]
	for _, e := range log {
		if e.Version > upToVersion {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(s.logs, documentID)
	} else {
		s.logs[documentID] = kept
	}
	return nil
}

// Close is a no-op for the in-memory driver.
func (s *Store) Close() error {
	return nil
}
