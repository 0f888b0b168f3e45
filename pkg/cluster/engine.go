package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/mimic/internal/logger"
	"github.com/marmos91/mimic/internal/pubsub"
	"github.com/marmos91/mimic/pkg/document"
	"github.com/marmos91/mimic/pkg/presence"
	"github.com/marmos91/mimic/pkg/registry"
	"github.com/marmos91/mimic/pkg/schema"
)

// DefaultShardGroup names the document partition when Config.ShardGroup is
// empty.
const DefaultShardGroup = "mimic-documents"

// Config wires a sharded engine on one node.
type Config struct {
	// Self is this node; Peers are the other members. Self must not appear
	// in Peers.
	Self  Node
	Peers []Node

	// Registry holds the documents this node owns.
	Registry *registry.Registry

	// Schema encodes transactions for locally fanned-out broadcasts.
	Schema schema.Schema

	// ShardGroup names the logical document partition.
	ShardGroup string

	// VirtualNodes is the per-node point count on the hash ring.
	VirtualNodes int

	// MailboxSize bounds the per-document local broadcast queues.
	MailboxSize int

	// RequestTimeout caps each forwarded RPC.
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ShardGroup == "" {
		c.ShardGroup = DefaultShardGroup
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 4096
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	return c
}

// Engine is the sharded document service: operations on documents this node
// owns run locally, everything else is forwarded to the owner. It implements
// the same interface as the single-node service, so connection handling does
// not change.
type Engine struct {
	cfg    Config
	ring   *Ring
	client *Client

	// local carries broadcasts for remote documents to this node's
	// subscribers. The owner never pushes to us; we publish into these
	// brokers ourselves after a successful forward.
	mu    sync.Mutex
	local map[string]*localStreams
}

type localStreams struct {
	transactions *pubsub.Broker[document.Broadcast]
	presences    *pubsub.Broker[presence.Event]
}

// NewEngine builds the sharded engine for one node.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("cluster config: registry is required")
	}
	if cfg.Schema == nil {
		return nil, fmt.Errorf("cluster config: schema is required")
	}
	if cfg.Self.ID == "" {
		return nil, fmt.Errorf("cluster config: self node is required")
	}
	cfg = cfg.withDefaults()

	ring, err := NewRing(append([]Node{cfg.Self}, cfg.Peers...), cfg.VirtualNodes)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:    cfg,
		ring:   ring,
		client: NewClient(cfg.ShardGroup, cfg.RequestTimeout),
		local:  make(map[string]*localStreams),
	}, nil
}

// RPCHandler returns the routes peers call to reach documents this node owns.
func (e *Engine) RPCHandler() *Handler {
	return NewHandler(e.cfg.ShardGroup, e.cfg.Registry)
}

// Owner returns the node owning a document.
func (e *Engine) Owner(documentID string) Node {
	return e.ring.Owner(documentID)
}

func (e *Engine) ownsLocally(documentID string) bool {
	return e.ring.Owner(documentID).ID == e.cfg.Self.ID
}

func (e *Engine) streams(documentID string) *localStreams {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.local[documentID]
	if !ok {
		s = &localStreams{
			transactions: pubsub.NewBroker[document.Broadcast](e.cfg.MailboxSize),
			presences:    pubsub.NewBroker[presence.Event](e.cfg.MailboxSize),
		}
		e.local[documentID] = s
	}
	return s
}

func (e *Engine) Snapshot(ctx context.Context, documentID string) (json.RawMessage, uint64, error) {
	if e.ownsLocally(documentID) {
		rt, err := e.cfg.Registry.Get(ctx, documentID)
		if err != nil {
			return nil, 0, err
		}
		state, version := rt.GetSnapshot()
		return state, version, nil
	}
	return e.client.Snapshot(ctx, e.Owner(documentID), documentID)
}

// Submit runs the transaction on the owner. For remote documents the
// broadcast is published into this node's local streams only after the RPC
// succeeds, so local subscribers observe the same commit order the owner
// decided.
func (e *Engine) Submit(ctx context.Context, documentID string, tx *schema.Transaction) (uint64, error) {
	if e.ownsLocally(documentID) {
		rt, err := e.cfg.Registry.Get(ctx, documentID)
		if err != nil {
			return 0, err
		}
		return rt.Submit(ctx, tx)
	}

	owner := e.Owner(documentID)
	version, err := e.client.Submit(ctx, owner, documentID, tx)
	if err != nil {
		return 0, err
	}

	encoded, encErr := e.cfg.Schema.Encode(tx)
	if encErr != nil {
		logger.Error("encoding forwarded transaction for local fan-out failed",
			logger.KeyDocument, documentID,
			logger.KeyTransaction, tx.ID,
			logger.KeyError, encErr)
		return version, nil
	}
	e.streams(documentID).transactions.Publish(document.Broadcast{
		Transaction: tx,
		Encoded:     encoded,
		Version:     version,
	})
	return version, nil
}

func (e *Engine) Touch(ctx context.Context, documentID string) error {
	if e.ownsLocally(documentID) {
		rt, err := e.cfg.Registry.Get(ctx, documentID)
		if err != nil {
			return err
		}
		rt.Touch()
		return nil
	}
	return e.client.Touch(ctx, e.Owner(documentID), documentID)
}

func (e *Engine) SetPresence(ctx context.Context, documentID, connectionID string, entry presence.Entry) error {
	if e.ownsLocally(documentID) {
		rt, err := e.cfg.Registry.Get(ctx, documentID)
		if err != nil {
			return err
		}
		rt.Presence().Set(connectionID, entry)
		return nil
	}

	if err := e.client.SetPresence(ctx, e.Owner(documentID), documentID, connectionID, entry); err != nil {
		return err
	}
	e.streams(documentID).presences.Publish(presence.Event{
		Kind:         presence.EventUpdate,
		ConnectionID: connectionID,
		Data:         entry.Data,
		UserID:       entry.UserID,
	})
	return nil
}

func (e *Engine) RemovePresence(ctx context.Context, documentID, connectionID string) error {
	if e.ownsLocally(documentID) {
		rt, err := e.cfg.Registry.Get(ctx, documentID)
		if err != nil {
			return err
		}
		rt.Presence().Remove(connectionID)
		return nil
	}

	if err := e.client.RemovePresence(ctx, e.Owner(documentID), documentID, connectionID); err != nil {
		return err
	}
	e.streams(documentID).presences.Publish(presence.Event{
		Kind:         presence.EventRemove,
		ConnectionID: connectionID,
	})
	return nil
}

func (e *Engine) PresenceSnapshot(ctx context.Context, documentID string) (map[string]presence.Entry, error) {
	if e.ownsLocally(documentID) {
		rt, err := e.cfg.Registry.Get(ctx, documentID)
		if err != nil {
			return nil, err
		}
		return rt.Presence().Snapshot(), nil
	}
	return e.client.PresenceSnapshot(ctx, e.Owner(documentID), documentID)
}

func (e *Engine) SubscribeTransactions(ctx context.Context, documentID string) (*pubsub.Subscription[document.Broadcast], error) {
	if e.ownsLocally(documentID) {
		rt, err := e.cfg.Registry.Get(ctx, documentID)
		if err != nil {
			return nil, err
		}
		return rt.Subscribe(), nil
	}
	return e.streams(documentID).transactions.Subscribe(), nil
}

func (e *Engine) SubscribePresence(ctx context.Context, documentID string) (*pubsub.Subscription[presence.Event], error) {
	if e.ownsLocally(documentID) {
		rt, err := e.cfg.Registry.Get(ctx, documentID)
		if err != nil {
			return nil, err
		}
		return rt.Presence().Subscribe(), nil
	}
	return e.streams(documentID).presences.Subscribe(), nil
}

// Close shuts down the local broadcast streams. The registry is owned by the
// caller and shut down separately.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.local {
		s.transactions.Close()
		s.presences.Close()
	}
	e.local = make(map[string]*localStreams)
}
