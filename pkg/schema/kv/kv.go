// Package kv implements a key-value document schema.
//
// State is a flat JSON object. Operations are tagged unions:
//
//	{"set": {"key": "title", "value": "hello"}}
//	{"delete": {"key": "title"}}
//
// This is the schema used by the mimic binary and by most engine tests. It is
// intentionally small; richer document types plug in through the same
// schema.Schema interface.
package kv

import (
	"encoding/json"
	"fmt"

	"github.com/marmos91/mimic/pkg/schema"
)

// Schema is a stateless key-value schema. The zero value is ready to use.
type Schema struct{}

// New returns a key-value schema.
func New() *Schema {
	return &Schema{}
}

type op struct {
	Set    *setOp    `json:"set,omitempty"`
	Delete *deleteOp `json:"delete,omitempty"`
}

type setOp struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type deleteOp struct {
	Key string `json:"key"`
}

func parseOp(raw json.RawMessage) (*op, error) {
	var o op
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, schema.Reject("malformed operation: %v", err)
	}
	switch {
	case o.Set != nil && o.Delete != nil:
		return nil, schema.Reject("operation cannot be both set and delete")
	case o.Set != nil:
		if o.Set.Key == "" {
			return nil, schema.Reject("set operation requires a key")
		}
		if len(o.Set.Value) == 0 {
			return nil, schema.Reject("set operation requires a value")
		}
	case o.Delete != nil:
		if o.Delete.Key == "" {
			return nil, schema.Reject("delete operation requires a key")
		}
	default:
		return nil, schema.Reject("unknown operation")
	}
	return &o, nil
}

// ValidateTransaction checks every operation parses. It is pure.
func (s *Schema) ValidateTransaction(tx *schema.Transaction) error {
	for _, raw := range tx.Ops {
		if _, err := parseOp(raw); err != nil {
			return err
		}
	}
	return nil
}

// Apply folds the operations into the state object. A nil state is treated as
// an empty object. The input state is never mutated.
func (s *Schema) Apply(state json.RawMessage, ops []json.RawMessage) (json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)
	if len(state) > 0 {
		if err := json.Unmarshal(state, &doc); err != nil {
			return nil, fmt.Errorf("state is not a JSON object: %w", err)
		}
	}

	for _, raw := range ops {
		o, err := parseOp(raw)
		if err != nil {
			return nil, err
		}
		switch {
		case o.Set != nil:
			doc[o.Set.Key] = o.Set.Value
		case o.Delete != nil:
			delete(doc, o.Delete.Key)
		}
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return out, nil
}

// Encode serializes the transaction to its wire form.
func (s *Schema) Encode(tx *schema.Transaction) (json.RawMessage, error) {
	raw, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	return raw, nil
}

// Decode parses the wire form back into a transaction.
func (s *Schema) Decode(raw json.RawMessage) (*schema.Transaction, error) {
	var tx schema.Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, schema.Reject("malformed transaction: %v", err)
	}
	return &tx, nil
}

// ValidatePresence accepts any JSON object.
func (s *Schema) ValidatePresence(data json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return schema.Reject("presence data must be a JSON object: %v", err)
	}
	return nil
}
