// Package badger implements the hot store on BadgerDB.
//
// Key layout:
//
//	Data Type    Prefix   Key Format                         Value
//	=============================================================================
//	WAL entry    "w:"     w:<documentID>:<version, 8B BE>    hot.Entry (JSON)
//
// The 8-byte big-endian version suffix makes lexicographic key order equal
// version order, so range scans and truncation are plain prefix iterations.
// Document IDs are length-prefixed inside the key to keep IDs containing ':'
// from colliding across documents.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/mimic/pkg/store/hot"
)

const prefixWAL = "w:"

// Store is a BadgerDB-backed hot store.
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

// keyPrefix returns the key prefix covering all entries of one document.
func keyPrefix(documentID string) []byte {
	// Length-prefix the ID so "a" and "a:" cannot shadow each other.
	key := make([]byte, 0, len(prefixWAL)+8+len(documentID)+1)
	key = append(key, prefixWAL...)
	key = binary.BigEndian.AppendUint32(key, uint32(len(documentID)))
	key = append(key, documentID...)
	key = append(key, ':')
	return key
}

// keyEntry returns the key of one WAL entry.
func keyEntry(documentID string, version uint64) []byte {
	key := keyPrefix(documentID)
	return binary.BigEndian.AppendUint64(key, version)
}

// lastVersion returns the highest stored version for the document, 0 when
// the log is empty. Must run inside a transaction.
func lastVersion(txn *badgerdb.Txn, documentID string) (uint64, error) {
	prefix := keyPrefix(documentID)

	opts := badgerdb.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	// Reverse iteration: seek to the key just past the document's range.
	seek := append(append([]byte{}, prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	it.Seek(seek)
	if !it.ValidForPrefix(prefix) {
		return 0, nil
	}

	key := it.Item().Key()
	if len(key) < len(prefix)+8 {
		return 0, fmt.Errorf("malformed WAL key of length %d", len(key))
	}
	return binary.BigEndian.Uint64(key[len(prefix):]), nil
}

// Append adds an entry to the document's log.
func (s *Store) Append(ctx context.Context, documentID string, entry hot.Entry) error {
	if err := ctx.Err(); err != nil {
		return &hot.StoreError{DocumentID: documentID, Op: "append", Err: err}
	}

	value, err := json.Marshal(entry)
	if err != nil {
		return &hot.StoreError{DocumentID: documentID, Op: "append", Err: err}
	}

	err = s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(keyEntry(documentID, entry.Version), value)
	})
	if err != nil {
		return &hot.StoreError{DocumentID: documentID, Op: "append", Err: err}
	}
	return nil
}

// AppendWithCheck appends only when the stored tail matches expectedVersion-1.
func (s *Store) AppendWithCheck(ctx context.Context, documentID string, entry hot.Entry, expectedVersion uint64) error {
	if err := ctx.Err(); err != nil {
		return &hot.StoreError{DocumentID: documentID, Op: "append_with_check", Err: err}
	}

	value, err := json.Marshal(entry)
	if err != nil {
		return &hot.StoreError{DocumentID: documentID, Op: "append_with_check", Err: err}
	}

	err = s.db.Update(func(txn *badgerdb.Txn) error {
		last, err := lastVersion(txn, documentID)
		if err != nil {
			return err
		}
		if last != expectedVersion-1 {
			return &hot.VersionGapError{DocumentID: documentID, Expected: expectedVersion, Last: last}
		}
		return txn.Set(keyEntry(documentID, entry.Version), value)
	})
	if err != nil {
		var gap *hot.VersionGapError
		if errors.As(err, &gap) {
			return gap
		}
		return &hot.StoreError{DocumentID: documentID, Op: "append_with_check", Err: err}
	}
	return nil
}

// Entries returns entries with version strictly greater than sinceVersion,
// ordered by version ascending.
func (s *Store) Entries(ctx context.Context, documentID string, sinceVersion uint64) ([]hot.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, &hot.StoreError{DocumentID: documentID, Op: "entries", Err: err}
	}

	var out []hot.Entry
	prefix := keyPrefix(documentID)

	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(keyEntry(documentID, sinceVersion+1)); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var entry hot.Entry
				if err := json.Unmarshal(val, &entry); err != nil {
					return fmt.Errorf("failed to decode WAL entry: %w", err)
				}
				out = append(out, entry)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, &hot.StoreError{DocumentID: documentID, Op: "entries", Err: err}
	}
	return out, nil
}

// Truncate removes all entries with version <= upToVersion.
func (s *Store) Truncate(ctx context.Context, documentID string, upToVersion uint64) error {
	if err := ctx.Err(); err != nil {
		return &hot.StoreError{DocumentID: documentID, Op: "truncate", Err: err}
	}

	prefix := keyPrefix(documentID)

	// Collect keys under a read transaction first; deletes are batched to
	// stay under badger's transaction size limits.
	var keys [][]byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if len(key) < len(prefix)+8 {
				continue
			}
			version := binary.BigEndian.Uint64(key[len(prefix):])
			if version > upToVersion {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return &hot.StoreError{DocumentID: documentID, Op: "truncate", Err: err}
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return &hot.StoreError{DocumentID: documentID, Op: "truncate", Err: err}
		}
	}
	if err := wb.Flush(); err != nil {
		return &hot.StoreError{DocumentID: documentID, Op: "truncate", Err: err}
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
