// Package badger implements the cold store on BadgerDB.
//
// Key layout:
//
//	Data Type    Prefix   Key Format         Value
//	=========================================================
//	Snapshot     "s:"     s:<documentID>     cold.Snapshot (JSON)
//
// One snapshot per document; saves overwrite in place.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/mimic/pkg/store/cold"
)

const prefixSnapshot = "s:"

// Store is a BadgerDB-backed cold store.
type Store struct {
	db    *badgerdb.DB
	owned bool
}

// Open creates or opens a badger database at the given path.
func Open(path string) (*Store, error) {
	opts := badgerdb.DefaultOptions(path)
	opts.Logger = nil
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %q: %w", path, err)
	}
	return &Store{db: db, owned: true}, nil
}

// NewWithDB wraps an existing badger database. The caller keeps ownership;
// Close becomes a no-op. Used when hot and cold stores share one database.
func NewWithDB(db *badgerdb.DB) *Store {
	return &Store{db: db}
}

func keySnapshot(documentID string) []byte {
	return append([]byte(prefixSnapshot), documentID...)
}

// Load returns the stored snapshot, or (nil, nil) when absent.
func (s *Store) Load(ctx context.Context, documentID string) (*cold.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, &cold.StoreError{DocumentID: documentID, Op: "load", Err: err}
	}

	var snap *cold.Snapshot
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keySnapshot(documentID))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decoded cold.Snapshot
			if err := json.Unmarshal(val, &decoded); err != nil {
				return fmt.Errorf("failed to decode snapshot: %w", err)
			}
			snap = &decoded
			return nil
		})
	})
	if err != nil {
		return nil, &cold.StoreError{DocumentID: documentID, Op: "load", Err: err}
	}
	return snap, nil
}

// Save stores the snapshot, replacing any previous one.
func (s *Store) Save(ctx context.Context, documentID string, snapshot *cold.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return &cold.StoreError{DocumentID: documentID, Op: "save", Err: err}
	}

	value, err := json.Marshal(snapshot)
	if err != nil {
		return &cold.StoreError{DocumentID: documentID, Op: "save", Err: err}
	}

	err = s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(keySnapshot(documentID), value)
	})
	if err != nil {
		return &cold.StoreError{DocumentID: documentID, Op: "save", Err: err}
	}
	return nil
}

// Delete removes the document's snapshot.
func (s *Store) Delete(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return &cold.StoreError{DocumentID: documentID, Op: "delete", Err: err}
	}

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(keySnapshot(documentID))
	})
	if err != nil {
		return &cold.StoreError{DocumentID: documentID, Op: "delete", Err: err}
	}
	return nil
}

// Close closes the underlying database when this store owns it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
