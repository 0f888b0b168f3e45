// Package presence tracks ephemeral per-connection data for one document.
//
// Presence entries live only as long as their connection: they are held in
// memory, never persisted, and removed when the connection goes away. When a
// document runtime is evicted all presence is lost; clients notice by losing
// the socket.
package presence

import (
	"encoding/json"
	"sync"

	"github.com/marmos91/mimic/internal/pubsub"
	"github.com/marmos91/mimic/pkg/metrics"
)

// Entry is one connection's presence payload.
type Entry struct {
	Data   json.RawMessage
	UserID string
}

// EventKind discriminates presence events.
type EventKind string

const (
	EventUpdate EventKind = "update"
	EventRemove EventKind = "remove"
)

// Event is a presence change broadcast to subscribers. ConnectionID
// identifies the connection whose presence changed; handlers use it to
// suppress self-echo.
type Event struct {
	Kind         EventKind
	ConnectionID string
	Data         json.RawMessage
	UserID       string
}

// Registry holds the live presence map of one document and broadcasts
// changes. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	broker  *pubsub.Broker[Event]
}

// NewRegistry creates an empty presence registry whose event subscribers
// buffer up to queueSize events.
func NewRegistry(queueSize int) *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		broker:  pubsub.NewBroker[Event](queueSize),
	}
}

// Set upserts the presence entry for a connection and publishes an update
// event. A repeated Set replaces the previous entry.
func (r *Registry) Set(connectionID string, entry Entry) {
	r.mu.Lock()
	r.entries[connectionID] = entry
	r.mu.Unlock()

	metrics.PresenceUpdated()
	r.broker.Publish(Event{
		Kind:         EventUpdate,
		ConnectionID: connectionID,
		Data:         entry.Data,
		UserID:       entry.UserID,
	})
}

// Remove deletes the presence entry for a connection and publishes a remove
// event. Removing an absent connection is a no-op.
func (r *Registry) Remove(connectionID string) bool {
	r.mu.Lock()
	_, ok := r.entries[connectionID]
	if ok {
		delete(r.entries, connectionID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	metrics.PresenceUpdated()
	r.broker.Publish(Event{
		Kind:         EventRemove,
		ConnectionID: connectionID,
	})
	return true
}

// Snapshot returns a copy of the current presence map.
func (r *Registry) Snapshot() map[string]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Entry, len(r.entries))
	for id, e := range r.entries {
		out[id] = e
	}
	return out
}

// Subscribe returns a stream of presence events.
func (r *Registry) Subscribe() *pubsub.Subscription[Event] {
	return r.broker.Subscribe()
}

// Close closes the event stream. Entries become unreachable with the
// registry itself.
func (r *Registry) Close() {
	r.broker.Close()
}
