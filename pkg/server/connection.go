package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marmos91/mimic/internal/logger"
	"github.com/marmos91/mimic/internal/pubsub"
	"github.com/marmos91/mimic/pkg/auth"
	"github.com/marmos91/mimic/pkg/document"
	"github.com/marmos91/mimic/pkg/metrics"
	"github.com/marmos91/mimic/pkg/presence"
	"github.com/marmos91/mimic/pkg/protocol"
)

const writeTimeout = 10 * time.Second

// connection is the per-socket state machine. It starts unauthenticated,
// moves to authenticated on a successful auth message and stays there until
// the socket closes. All socket writes go through the send queue and a single
// writer goroutine.
type connection struct {
	cfg        Config
	id         string
	documentID string
	remoteAddr string
	ws         *websocket.Conn

	send chan []byte
	done chan struct{}

	// writerDone closes when the write loop exits, so senders blocked on a
	// full queue do not wait for a writer that is gone.
	writerDone chan struct{}

	// Fields below are only touched from the read loop.
	identity    *auth.Identity
	txSub       *pubsub.Subscription[document.Broadcast]
	presenceSub *pubsub.Subscription[presence.Event]
	presenceSet bool

	forwarders sync.WaitGroup
}

func newConnection(cfg Config, documentID string, ws *websocket.Conn, remoteAddr string) *connection {
	return &connection{
		cfg:        cfg,
		id:         uuid.NewString(),
		documentID: documentID,
		remoteAddr: remoteAddr,
		ws:         ws,
		send:       make(chan []byte, cfg.SendQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// run drives the connection until the socket closes, then tears everything
// down in one place: subscriptions, presence entry, gauges, socket.
func (c *connection) run(ctx context.Context) {
	metrics.ConnectionOpened()
	logger.Info("connection opened",
		logger.KeyConnection, c.id,
		logger.KeyDocument, c.documentID,
		logger.KeyClientIP, c.remoteAddr)

	defer func() {
		close(c.done)
		if c.txSub != nil {
			c.txSub.Close()
		}
		if c.presenceSub != nil {
			c.presenceSub.Close()
		}
		if c.presenceSet {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.cfg.Service.RemovePresence(cleanupCtx, c.documentID, c.id); err != nil {
				logger.Warn("removing presence on disconnect failed",
					logger.KeyConnection, c.id,
					logger.KeyDocument, c.documentID,
					logger.KeyError, err)
			}
			cancel()
		}
		_ = c.ws.Close()
		c.forwarders.Wait()
		metrics.ConnectionClosed()
		logger.Info("connection closed",
			logger.KeyConnection, c.id,
			logger.KeyDocument, c.documentID)
	}()

	go c.writeLoop()
	c.readLoop(ctx)
}

func (c *connection) readLoop(ctx context.Context) {
	deadline := c.cfg.HeartbeatInterval + c.cfg.HeartbeatTimeout
	_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("socket read failed",
					logger.KeyConnection, c.id,
					logger.KeyError, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(deadline))

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			// A bad frame is dropped; the connection stays open.
			logger.Warn("dropping unparseable frame",
				logger.KeyConnection, c.id,
				logger.KeyDocument, c.documentID,
				logger.KeyError, err)
			continue
		}

		c.handleMessage(ctx, msg)
	}
}

// writeLoop is the socket's single writer: it drains the send queue and
// emits heartbeat pings. On any write failure it closes the socket, which
// unblocks the read loop and starts teardown. Closing writerDone on exit
// releases any sender still blocked on a full queue; without that, a read
// loop stuck in enqueue would never reach teardown.
func (c *connection) writeLoop() {
	defer close(c.writerDone)

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue serializes a message onto the send queue. It blocks until the
// writer takes it, the writer exits, or the connection tears down; the
// writer's deadline bounds the wait.
func (c *connection) enqueue(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("encoding server message failed",
			logger.KeyConnection, c.id,
			logger.KeyError, err)
		return
	}

	select {
	case c.send <- data:
	case <-c.writerDone:
	case <-c.done:
	}
}

func (c *connection) authenticated() bool {
	return c.identity != nil
}

func (c *connection) canWrite() bool {
	return c.identity != nil && c.identity.Permission.CanWrite()
}

func (c *connection) handleMessage(ctx context.Context, msg *protocol.ClientMessage) {
	if c.authenticated() {
		if err := c.cfg.Service.Touch(ctx, c.documentID); err != nil {
			logger.Warn("touching document failed",
				logger.KeyConnection, c.id,
				logger.KeyDocument, c.documentID,
				logger.KeyError, err)
		}
	}

	switch msg.Type {
	case protocol.TypePing:
		c.enqueue(protocol.NewPong())

	case protocol.TypeAuth:
		c.handleAuth(ctx, msg.Token)

	case protocol.TypeSubmit:
		c.handleSubmit(ctx, msg.Transaction)

	case protocol.TypeRequestSnapshot:
		if !c.authenticated() {
			return
		}
		state, version, err := c.cfg.Service.Snapshot(ctx, c.documentID)
		if err != nil {
			logger.Error("snapshot request failed",
				logger.KeyConnection, c.id,
				logger.KeyDocument, c.documentID,
				logger.KeyError, err)
			c.enqueue(protocol.NewError("", document.ReasonStorageUnavailable))
			return
		}
		c.enqueue(protocol.NewSnapshot(state, version))

	case protocol.TypePresenceSet:
		c.handlePresenceSet(ctx, msg.Data)

	case protocol.TypePresenceClear:
		if !c.authenticated() {
			return
		}
		if err := c.cfg.Service.RemovePresence(ctx, c.documentID, c.id); err != nil {
			logger.Warn("clearing presence failed",
				logger.KeyConnection, c.id,
				logger.KeyDocument, c.documentID,
				logger.KeyError, err)
			return
		}
		c.presenceSet = false
	}
}

// handleAuth runs the auth predicate. On success it emits, in order,
// auth_result, a fresh snapshot and (with presence enabled) the presence
// snapshot, then attaches the broadcast subscriptions. A failed auth leaves
// the connection unauthenticated and retryable.
func (c *connection) handleAuth(ctx context.Context, token string) {
	identity, err := c.cfg.Auth.Authenticate(ctx, token)
	if err != nil {
		var aerr *auth.Error
		reason := "authentication failed"
		if errors.As(err, &aerr) {
			reason = aerr.Reason
		}
		logger.Debug("authentication rejected",
			logger.KeyConnection, c.id,
			logger.KeyDocument, c.documentID,
			"reason", reason)
		c.enqueue(protocol.NewAuthFailure(reason))
		return
	}

	first := !c.authenticated()

	// Subscribe before reading the snapshot so no broadcast between the two
	// is lost; the client deduplicates any overlap by version.
	if first {
		txSub, err := c.cfg.Service.SubscribeTransactions(ctx, c.documentID)
		if err != nil {
			logger.Error("subscribing to document failed",
				logger.KeyConnection, c.id,
				logger.KeyDocument, c.documentID,
				logger.KeyError, err)
			c.enqueue(protocol.NewAuthFailure("document unavailable"))
			return
		}
		c.txSub = txSub

		if c.cfg.Presence {
			prSub, err := c.cfg.Service.SubscribePresence(ctx, c.documentID)
			if err != nil {
				logger.Error("subscribing to presence failed",
					logger.KeyConnection, c.id,
					logger.KeyDocument, c.documentID,
					logger.KeyError, err)
				c.txSub.Close()
				c.txSub = nil
				c.enqueue(protocol.NewAuthFailure("document unavailable"))
				return
			}
			c.presenceSub = prSub
		}
	}

	state, version, err := c.cfg.Service.Snapshot(ctx, c.documentID)
	if err != nil {
		logger.Error("loading document for auth failed",
			logger.KeyConnection, c.id,
			logger.KeyDocument, c.documentID,
			logger.KeyError, err)
		if first {
			c.txSub.Close()
			c.txSub = nil
			if c.presenceSub != nil {
				c.presenceSub.Close()
				c.presenceSub = nil
			}
		}
		c.enqueue(protocol.NewAuthFailure("document unavailable"))
		return
	}

	c.identity = identity

	c.enqueue(protocol.NewAuthSuccess(identity.UserID, string(identity.Permission)))
	c.enqueue(protocol.NewSnapshot(state, version))

	if c.cfg.Presence {
		entries, err := c.cfg.Service.PresenceSnapshot(ctx, c.documentID)
		if err != nil {
			logger.Warn("loading presence snapshot failed",
				logger.KeyConnection, c.id,
				logger.KeyDocument, c.documentID,
				logger.KeyError, err)
			entries = nil
		}
		wire := make(map[string]protocol.PresenceEntry, len(entries))
		for id, e := range entries {
			wire[id] = protocol.PresenceEntry{Data: e.Data, UserID: e.UserID}
		}
		c.enqueue(protocol.NewPresenceSnapshot(c.id, wire))
	}

	if first {
		c.startForwarders()
	}

	logger.Info("connection authenticated",
		logger.KeyConnection, c.id,
		logger.KeyDocument, c.documentID,
		logger.KeyUser, identity.UserID,
		"permission", string(identity.Permission))
}

func (c *connection) handleSubmit(ctx context.Context, raw json.RawMessage) {
	if !c.authenticated() {
		c.enqueue(protocol.NewError("", "not authenticated"))
		return
	}
	if !c.canWrite() {
		c.enqueue(protocol.NewError("", "write permission required"))
		return
	}

	tx, err := c.cfg.Schema.Decode(raw)
	if err != nil {
		c.enqueue(protocol.NewError("", err.Error()))
		return
	}

	if _, err := c.cfg.Service.Submit(ctx, c.documentID, tx); err != nil {
		var rej *document.RejectError
		if errors.As(err, &rej) {
			c.enqueue(protocol.NewError(tx.ID, rej.Reason))
			return
		}
		logger.Error("submit failed",
			logger.KeyConnection, c.id,
			logger.KeyDocument, c.documentID,
			logger.KeyTransaction, tx.ID,
			logger.KeyError, err)
		c.enqueue(protocol.NewError(tx.ID, document.ReasonStorageUnavailable))
	}
}

func (c *connection) handlePresenceSet(ctx context.Context, data json.RawMessage) {
	if !c.authenticated() || !c.cfg.Presence {
		return
	}
	if !c.canWrite() {
		logger.Debug("ignoring presence_set without write permission",
			logger.KeyConnection, c.id,
			logger.KeyDocument, c.documentID)
		return
	}

	if err := c.cfg.Schema.ValidatePresence(data); err != nil {
		logger.Debug("rejecting invalid presence data",
			logger.KeyConnection, c.id,
			logger.KeyDocument, c.documentID,
			logger.KeyError, err)
		return
	}

	entry := presence.Entry{Data: data, UserID: c.identity.UserID}
	if err := c.cfg.Service.SetPresence(ctx, c.documentID, c.id, entry); err != nil {
		logger.Warn("setting presence failed",
			logger.KeyConnection, c.id,
			logger.KeyDocument, c.documentID,
			logger.KeyError, err)
		return
	}
	c.presenceSet = true
}

// startForwarders pumps the broadcast streams into the send queue. The
// presence pump filters out this connection's own events; the transaction
// pump does not, clients deduplicate by transaction ID.
func (c *connection) startForwarders() {
	c.forwarders.Add(1)
	go func() {
		defer c.forwarders.Done()
		for b := range c.txSub.C() {
			c.enqueue(protocol.NewTransaction(b.Encoded, b.Version))
		}
	}()

	if c.presenceSub == nil {
		return
	}
	c.forwarders.Add(1)
	go func() {
		defer c.forwarders.Done()
		for ev := range c.presenceSub.C() {
			if ev.ConnectionID == c.id {
				continue
			}
			switch ev.Kind {
			case presence.EventUpdate:
				c.enqueue(protocol.NewPresenceUpdate(ev.ConnectionID, ev.Data, ev.UserID))
			case presence.EventRemove:
				c.enqueue(protocol.NewPresenceRemove(ev.ConnectionID))
			}
		}
	}()
}
