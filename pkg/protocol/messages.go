// Package protocol defines the wire messages exchanged between clients and
// the Mimic server.
//
// One JSON value travels per WebSocket text frame; every message carries a
// "type" discriminator. Transactions travel in the canonical encoded form
// produced by the document schema, never in their in-memory form.
package protocol

import "encoding/json"

// Client to server message types.
const (
	TypeAuth            = "auth"
	TypePing            = "ping"
	TypeSubmit          = "submit"
	TypeRequestSnapshot = "request_snapshot"
	TypePresenceSet     = "presence_set"
	TypePresenceClear   = "presence_clear"
)

// Server to client message types.
const (
	TypeAuthResult       = "auth_result"
	TypePong             = "pong"
	TypeSnapshot         = "snapshot"
	TypeTransaction      = "transaction"
	TypeError            = "error"
	TypePresenceSnapshot = "presence_snapshot"
	TypePresenceUpdate   = "presence_update"
	TypePresenceRemove   = "presence_remove"
)

// ClientMessage is the envelope for everything a client can send. Fields
// other than Type are populated depending on the message type.
type ClientMessage struct {
	Type string `json:"type"`

	// Token accompanies "auth".
	Token string `json:"token,omitempty"`

	// Transaction accompanies "submit" and holds the schema-encoded form.
	Transaction json.RawMessage `json:"transaction,omitempty"`

	// Data accompanies "presence_set".
	Data json.RawMessage `json:"data,omitempty"`
}

// AuthResult reports the outcome of an "auth" message.
type AuthResult struct {
	Type       string `json:"type"`
	Success    bool   `json:"success"`
	UserID     string `json:"userId,omitempty"`
	Permission string `json:"permission,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Pong answers a "ping".
type Pong struct {
	Type string `json:"type"`
}

// Snapshot carries the full document state at a version.
type Snapshot struct {
	Type    string          `json:"type"`
	State   json.RawMessage `json:"state"`
	Version uint64          `json:"version"`
}

// Transaction broadcasts a committed transaction to subscribers. The
// transaction is in its schema-encoded form.
type Transaction struct {
	Type        string          `json:"type"`
	Transaction json.RawMessage `json:"transaction"`
	Version     uint64          `json:"version"`
}

// Error reports a per-transaction rejection. The connection stays open.
type Error struct {
	Type          string `json:"type"`
	TransactionID string `json:"transactionId,omitempty"`
	Reason        string `json:"reason"`
}

// PresenceEntry is the wire shape of one connection's presence.
type PresenceEntry struct {
	Data   json.RawMessage `json:"data"`
	UserID string          `json:"userId,omitempty"`
}

// PresenceSnapshot carries the full presence map to a newly authenticated
// subscriber. SelfID is the receiving connection's own identifier.
type PresenceSnapshot struct {
	Type      string                   `json:"type"`
	SelfID    string                   `json:"selfId"`
	Presences map[string]PresenceEntry `json:"presences"`
}

// PresenceUpdate announces that a connection set or replaced its presence.
type PresenceUpdate struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Data   json.RawMessage `json:"data"`
	UserID string          `json:"userId,omitempty"`
}

// PresenceRemove announces that a connection's presence is gone.
type PresenceRemove struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// NewAuthSuccess builds a successful auth_result.
func NewAuthSuccess(userID, permission string) *AuthResult {
	return &AuthResult{Type: TypeAuthResult, Success: true, UserID: userID, Permission: permission}
}

// NewAuthFailure builds a failed auth_result.
func NewAuthFailure(reason string) *AuthResult {
	return &AuthResult{Type: TypeAuthResult, Success: false, Error: reason}
}

// NewPong builds a pong message.
func NewPong() *Pong {
	return &Pong{Type: TypePong}
}

// NewSnapshot builds a snapshot message.
func NewSnapshot(state json.RawMessage, version uint64) *Snapshot {
	return &Snapshot{Type: TypeSnapshot, State: state, Version: version}
}

// NewTransaction builds a transaction broadcast message.
func NewTransaction(encoded json.RawMessage, version uint64) *Transaction {
	return &Transaction{Type: TypeTransaction, Transaction: encoded, Version: version}
}

// NewError builds a per-transaction error message.
func NewError(transactionID, reason string) *Error {
	return &Error{Type: TypeError, TransactionID: transactionID, Reason: reason}
}

// NewPresenceSnapshot builds a presence_snapshot message.
func NewPresenceSnapshot(selfID string, presences map[string]PresenceEntry) *PresenceSnapshot {
	if presences == nil {
		presences = map[string]PresenceEntry{}
	}
	return &PresenceSnapshot{Type: TypePresenceSnapshot, SelfID: selfID, Presences: presences}
}

// NewPresenceUpdate builds a presence_update message.
func NewPresenceUpdate(id string, data json.RawMessage, userID string) *PresenceUpdate {
	return &PresenceUpdate{Type: TypePresenceUpdate, ID: id, Data: data, UserID: userID}
}

// NewPresenceRemove builds a presence_remove message.
func NewPresenceRemove(id string) *PresenceRemove {
	return &PresenceRemove{Type: TypePresenceRemove, ID: id}
}
