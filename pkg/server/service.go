package server

import (
	"context"
	"encoding/json"

	"github.com/marmos91/mimic/internal/pubsub"
	"github.com/marmos91/mimic/pkg/document"
	"github.com/marmos91/mimic/pkg/presence"
	"github.com/marmos91/mimic/pkg/registry"
	"github.com/marmos91/mimic/pkg/schema"
)

// DocumentService is everything a connection handler needs from the engine.
//
// The single-node engine implements it directly over the document registry;
// the sharded engine implements the same interface by forwarding to each
// document's owner node. Connection handling is identical either way.
type DocumentService interface {
	// Snapshot returns the document's current state and version,
	// materializing the document if needed.
	Snapshot(ctx context.Context, documentID string) (json.RawMessage, uint64, error)

	// Submit runs a transaction through the document's submit pipeline.
	// Rejections surface as *document.RejectError.
	Submit(ctx context.Context, documentID string, tx *schema.Transaction) (uint64, error)

	// Touch bumps the document's activity clock.
	Touch(ctx context.Context, documentID string) error

	// SetPresence upserts a connection's presence entry.
	SetPresence(ctx context.Context, documentID, connectionID string, entry presence.Entry) error

	// RemovePresence drops a connection's presence entry.
	RemovePresence(ctx context.Context, documentID, connectionID string) error

	// PresenceSnapshot returns the document's current presence map.
	PresenceSnapshot(ctx context.Context, documentID string) (map[string]presence.Entry, error)

	// SubscribeTransactions opens a stream of applied-transaction
	// broadcasts for the document.
	SubscribeTransactions(ctx context.Context, documentID string) (*pubsub.Subscription[document.Broadcast], error)

	// SubscribePresence opens a stream of presence events for the document.
	SubscribePresence(ctx context.Context, documentID string) (*pubsub.Subscription[presence.Event], error)
}

// LocalService serves documents straight from an in-process registry.
type LocalService struct {
	registry *registry.Registry
}

// NewLocalService wraps a registry as a DocumentService.
func NewLocalService(reg *registry.Registry) *LocalService {
	return &LocalService{registry: reg}
}

func (s *LocalService) Snapshot(ctx context.Context, documentID string) (json.RawMessage, uint64, error) {
	rt, err := s.registry.Get(ctx, documentID)
	if err != nil {
		return nil, 0, err
	}
	state, version := rt.GetSnapshot()
	return state, version, nil
}

func (s *LocalService) Submit(ctx context.Context, documentID string, tx *schema.Transaction) (uint64, error) {
	rt, err := s.registry.Get(ctx, documentID)
	if err != nil {
		return 0, err
	}
	return rt.Submit(ctx, tx)
}

func (s *LocalService) Touch(ctx context.Context, documentID string) error {
	rt, err := s.registry.Get(ctx, documentID)
	if err != nil {
		return err
	}
	rt.Touch()
	return nil
}

func (s *LocalService) SetPresence(ctx context.Context, documentID, connectionID string, entry presence.Entry) error {
	rt, err := s.registry.Get(ctx, documentID)
	if err != nil {
		return err
	}
	rt.Presence().Set(connectionID, entry)
	return nil
}

func (s *LocalService) RemovePresence(ctx context.Context, documentID, connectionID string) error {
	rt, err := s.registry.Get(ctx, documentID)
	if err != nil {
		return err
	}
	rt.Presence().Remove(connectionID)
	return nil
}

func (s *LocalService) PresenceSnapshot(ctx context.Context, documentID string) (map[string]presence.Entry, error) {
	rt, err := s.registry.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return rt.Presence().Snapshot(), nil
}

func (s *LocalService) SubscribeTransactions(ctx context.Context, documentID string) (*pubsub.Subscription[document.Broadcast], error) {
	rt, err := s.registry.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return rt.Subscribe(), nil
}

func (s *LocalService) SubscribePresence(ctx context.Context, documentID string) (*pubsub.Subscription[presence.Event], error) {
	rt, err := s.registry.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return rt.Presence().Subscribe(), nil
}
