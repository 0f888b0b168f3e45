// Package schema defines the contract between the synchronization engine and
// the document type it manages.
//
// The engine treats document state and operations as opaque values: it never
// inspects them beyond handing them to a Schema for validation and
// application. This keeps the engine generic over document shapes while a
// concrete Schema (see the kv subpackage) decides what a valid operation is
// and how it folds into state.
package schema

import (
	"encoding/json"
	"fmt"
)

// Transaction is a batch of operations submitted atomically against a
// document. The ID is assigned by the submitting client and is globally
// unique; the server uses it for duplicate detection.
type Transaction struct {
	ID        string            `json:"id"`
	Ops       []json.RawMessage `json:"ops"`
	Timestamp int64             `json:"timestamp"`
}

// Schema validates and applies transactions for one document type.
//
// Implementations must be safe for concurrent use: the engine calls a single
// Schema instance from every document runtime.
type Schema interface {
	// ValidateTransaction checks a transaction before it is persisted.
	// It must be pure: no state may change as a side effect.
	ValidateTransaction(tx *Transaction) error

	// Apply folds the operations into the given state and returns the new
	// state. The input state must not be mutated; a failed Apply leaves the
	// caller free to keep using it.
	Apply(state json.RawMessage, ops []json.RawMessage) (json.RawMessage, error)

	// Encode converts a transaction to its canonical wire form.
	Encode(tx *Transaction) (json.RawMessage, error)

	// Decode parses the canonical wire form back into a transaction.
	Decode(raw json.RawMessage) (*Transaction, error)

	// ValidatePresence checks an ephemeral presence payload. Engines with
	// presence disabled never call this.
	ValidatePresence(data json.RawMessage) error
}

// InitialStateFunc produces the initial state for a document that has never
// been snapshotted. It is evaluated lazily, on first materialization of a
// fresh document only. A nil function means fresh documents start with nil
// state.
type InitialStateFunc func(documentID string) (json.RawMessage, error)

// StaticInitialState returns an InitialStateFunc that yields the same value
// for every document.
func StaticInitialState(state json.RawMessage) InitialStateFunc {
	return func(string) (json.RawMessage, error) {
		return state, nil
	}
}

// ValidationError reports a transaction or presence payload the schema
// refused. The Reason is sent verbatim to the submitting client.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Reject builds a ValidationError with a formatted reason.
func Reject(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}
