package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/mimic/internal/logger"
	"github.com/marmos91/mimic/pkg/document"
	"github.com/marmos91/mimic/pkg/metrics"
	"github.com/marmos91/mimic/pkg/presence"
	"github.com/marmos91/mimic/pkg/registry"
	"github.com/marmos91/mimic/pkg/schema"
)

// RPC wire types. Every call is a POST with a JSON body under
// /cluster/{shardGroup}/doc/{documentID}/{op}; rejections travel inside a 200
// response so the caller can tell them apart from transport failures.

type submitRequest struct {
	Transaction *schema.Transaction `json:"transaction"`
}

type submitResponse struct {
	Version uint64 `json:"version,omitempty"`
	Reject  string `json:"reject,omitempty"`
}

type snapshotResponse struct {
	State   json.RawMessage `json:"state"`
	Version uint64          `json:"version"`
}

type presenceSetRequest struct {
	ConnectionID string          `json:"connectionId"`
	Data         json.RawMessage `json:"data"`
	UserID       string          `json:"userId,omitempty"`
}

type presenceRemoveRequest struct {
	ConnectionID string `json:"connectionId"`
}

type presenceSnapshotResponse struct {
	Presences map[string]presence.Entry `json:"presences"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves a node's share of documents to its peers. Mount it on the
// same mux as the WebSocket route.
type Handler struct {
	shardGroup string
	registry   *registry.Registry
}

// NewHandler builds the RPC handler over the node's local registry.
func NewHandler(shardGroup string, reg *registry.Registry) *Handler {
	return &Handler{shardGroup: shardGroup, registry: reg}
}

// Routes returns the RPC route table. Mount it under /cluster on the node's
// HTTP mux; the client builds URLs with that prefix.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	prefix := fmt.Sprintf("/%s/doc/{documentID}", h.shardGroup)
	r.Post(prefix+"/submit", h.handleSubmit)
	r.Post(prefix+"/snapshot", h.handleSnapshot)
	r.Post(prefix+"/touch", h.handleTouch)
	r.Post(prefix+"/presence/set", h.handlePresenceSet)
	r.Post(prefix+"/presence/remove", h.handlePresenceRemove)
	r.Post(prefix+"/presence/snapshot", h.handlePresenceSnapshot)
	return r
}

func (h *Handler) runtime(w http.ResponseWriter, r *http.Request) (documentID string, rt runtimeHandle, ok bool) {
	documentID = chi.URLParam(r, "documentID")
	if documentID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing document ID")
		return "", nil, false
	}
	runtime, err := h.registry.Get(r.Context(), documentID)
	if err != nil {
		logger.Error("materializing document for cluster RPC failed",
			logger.KeyDocument, documentID,
			logger.KeyError, err)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return "", nil, false
	}
	return documentID, runtime, true
}

// runtimeHandle is the slice of the document runtime the RPC handlers use.
type runtimeHandle interface {
	Submit(ctx context.Context, tx *schema.Transaction) (uint64, error)
	GetSnapshot() (json.RawMessage, uint64)
	Touch()
	Presence() *presence.Registry
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	documentID, rt, ok := h.runtime(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Transaction == nil {
		writeJSONError(w, http.StatusBadRequest, "malformed submit request")
		return
	}

	version, err := rt.Submit(r.Context(), req.Transaction)
	if err != nil {
		var rej *document.RejectError
		if errors.As(err, &rej) {
			writeJSON(w, http.StatusOK, submitResponse{Reject: rej.Reason})
			return
		}
		logger.Error("cluster submit failed",
			logger.KeyDocument, documentID,
			logger.KeyError, err)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Version: version})
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	_, rt, ok := h.runtime(w, r)
	if !ok {
		return
	}
	state, version := rt.GetSnapshot()
	writeJSON(w, http.StatusOK, snapshotResponse{State: state, Version: version})
}

func (h *Handler) handleTouch(w http.ResponseWriter, r *http.Request) {
	_, rt, ok := h.runtime(w, r)
	if !ok {
		return
	}
	rt.Touch()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePresenceSet(w http.ResponseWriter, r *http.Request) {
	_, rt, ok := h.runtime(w, r)
	if !ok {
		return
	}
	var req presenceSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConnectionID == "" {
		writeJSONError(w, http.StatusBadRequest, "malformed presence request")
		return
	}
	rt.Presence().Set(req.ConnectionID, presence.Entry{Data: req.Data, UserID: req.UserID})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePresenceRemove(w http.ResponseWriter, r *http.Request) {
	_, rt, ok := h.runtime(w, r)
	if !ok {
		return
	}
	var req presenceRemoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConnectionID == "" {
		writeJSONError(w, http.StatusBadRequest, "malformed presence request")
		return
	}
	rt.Presence().Remove(req.ConnectionID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePresenceSnapshot(w http.ResponseWriter, r *http.Request) {
	_, rt, ok := h.runtime(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, presenceSnapshotResponse{Presences: rt.Presence().Snapshot()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// Client forwards document operations to their owner node.
type Client struct {
	shardGroup string
	http       *http.Client
}

// NewClient builds an RPC client with the given per-call timeout.
func NewClient(shardGroup string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		shardGroup: shardGroup,
		http:       &http.Client{Timeout: timeout},
	}
}

func (c *Client) url(node Node, documentID, op string) string {
	return fmt.Sprintf("%s/cluster/%s/doc/%s/%s", node.Addr, c.shardGroup, documentID, op)
}

func (c *Client) post(ctx context.Context, node Node, documentID, op string, body, out any) error {
	start := time.Now()
	err := c.doPost(ctx, node, documentID, op, body, out)
	metrics.RPCForwarded(op, time.Since(start), err)
	return err
}

func (c *Client) doPost(ctx context.Context, node Node, documentID, op string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s RPC for node %q: %w", op, node.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(node, documentID, op), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building %s RPC for node %q: %w", op, node.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("forwarding %s RPC to node %q: %w", op, node.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		var rpcErr errorResponse
		if decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&rpcErr); decodeErr == nil && rpcErr.Error != "" {
			return fmt.Errorf("%s RPC to node %q failed: %s", op, node.ID, rpcErr.Error)
		}
		return fmt.Errorf("%s RPC to node %q failed with status %d", op, node.ID, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding %s RPC response from node %q: %w", op, node.ID, err)
		}
	}
	return nil
}

// Submit forwards a transaction to the owner node. Owner-side rejections come
// back as *document.RejectError.
func (c *Client) Submit(ctx context.Context, node Node, documentID string, tx *schema.Transaction) (uint64, error) {
	var resp submitResponse
	if err := c.post(ctx, node, documentID, "submit", submitRequest{Transaction: tx}, &resp); err != nil {
		return 0, err
	}
	if resp.Reject != "" {
		return 0, &document.RejectError{Reason: resp.Reject}
	}
	return resp.Version, nil
}

// Snapshot fetches the document's state and version from the owner node.
func (c *Client) Snapshot(ctx context.Context, node Node, documentID string) (json.RawMessage, uint64, error) {
	var resp snapshotResponse
	if err := c.post(ctx, node, documentID, "snapshot", struct{}{}, &resp); err != nil {
		return nil, 0, err
	}
	return resp.State, resp.Version, nil
}

// Touch bumps the document's activity clock on the owner node.
func (c *Client) Touch(ctx context.Context, node Node, documentID string) error {
	return c.post(ctx, node, documentID, "touch", struct{}{}, nil)
}

// SetPresence upserts a presence entry on the owner node.
func (c *Client) SetPresence(ctx context.Context, node Node, documentID, connectionID string, entry presence.Entry) error {
	req := presenceSetRequest{ConnectionID: connectionID, Data: entry.Data, UserID: entry.UserID}
	return c.post(ctx, node, documentID, "presence/set", req, nil)
}

// RemovePresence drops a presence entry on the owner node.
func (c *Client) RemovePresence(ctx context.Context, node Node, documentID, connectionID string) error {
	return c.post(ctx, node, documentID, "presence/remove", presenceRemoveRequest{ConnectionID: connectionID}, nil)
}

// PresenceSnapshot fetches the presence map from the owner node.
func (c *Client) PresenceSnapshot(ctx context.Context, node Node, documentID string) (map[string]presence.Entry, error) {
	var resp presenceSnapshotResponse
	if err := c.post(ctx, node, documentID, "presence/snapshot", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Presences, nil
}
