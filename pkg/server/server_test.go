package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/mimic/pkg/auth"
	"github.com/marmos91/mimic/pkg/document"
	"github.com/marmos91/mimic/pkg/protocol"
	"github.com/marmos91/mimic/pkg/registry"
	"github.com/marmos91/mimic/pkg/schema"
	"github.com/marmos91/mimic/pkg/schema/kv"
	"github.com/marmos91/mimic/pkg/store/cold"
	coldmem "github.com/marmos91/mimic/pkg/store/cold/memory"
	"github.com/marmos91/mimic/pkg/store/hot"
	hotmem "github.com/marmos91/mimic/pkg/store/hot/memory"
)

// serverMsg is a union of every server message shape, for test decoding.
type serverMsg struct {
	Type          string                           `json:"type"`
	Success       bool                             `json:"success"`
	UserID        string                           `json:"userId"`
	Permission    string                           `json:"permission"`
	Error         string                           `json:"error"`
	State         json.RawMessage                  `json:"state"`
	Version       uint64                           `json:"version"`
	Transaction   json.RawMessage                  `json:"transaction"`
	TransactionID string                           `json:"transactionId"`
	Reason        string                           `json:"reason"`
	SelfID        string                           `json:"selfId"`
	Presences     map[string]protocol.PresenceEntry `json:"presences"`
	ID            string                           `json:"id"`
	Data          json.RawMessage                  `json:"data"`
}

type testEnv struct {
	ts       *httptest.Server
	registry *registry.Registry
	hot      hot.Store
	cold     cold.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	docCfg := document.Config{
		Schema:  kv.New(),
		Hot:     hotmem.New(),
		Cold:    coldmem.New(),
		Initial: schema.StaticInitialState(json.RawMessage(`{}`)),
	}
	reg := registry.New(docCfg, registry.Options{})

	provider := auth.NewStaticProvider(map[string]auth.Identity{
		"writer-token": {UserID: "alice", Permission: auth.PermissionWrite},
		"reader-token": {UserID: "bob", Permission: auth.PermissionRead},
	})

	srv, err := New(Config{
		Service:  NewLocalService(reg),
		Schema:   kv.New(),
		Auth:     provider,
		Presence: true,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		_ = reg.Shutdown(context.Background())
	})

	return &testEnv{ts: ts, registry: reg, hot: docCfg.Hot, cold: docCfg.Cold}
}

func (e *testEnv) dial(t *testing.T, documentID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/mimic/doc/" + documentID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
}

func recv(t *testing.T, ws *websocket.Conn) serverMsg {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg serverMsg
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

// authenticate sends auth and drains the fixed reply sequence, returning the
// snapshot and presence snapshot messages.
func authenticate(t *testing.T, ws *websocket.Conn, token string) (serverMsg, serverMsg) {
	t.Helper()
	send(t, ws, map[string]string{"type": "auth", "token": token})

	result := recv(t, ws)
	require.Equal(t, protocol.TypeAuthResult, result.Type)
	require.True(t, result.Success, "auth failed: %s", result.Error)

	snapshot := recv(t, ws)
	require.Equal(t, protocol.TypeSnapshot, snapshot.Type)

	presences := recv(t, ws)
	require.Equal(t, protocol.TypePresenceSnapshot, presences.Type)

	return snapshot, presences
}

func submitSet(t *testing.T, ws *websocket.Conn, txID, key, value string) {
	t.Helper()
	tx := fmt.Sprintf(`{"id":%q,"ops":[{"set":{"key":%q,"value":%q}}],"timestamp":%d}`,
		txID, key, value, time.Now().UnixMilli())
	send(t, ws, map[string]json.RawMessage{
		"type":        json.RawMessage(`"submit"`),
		"transaction": json.RawMessage(tx),
	})
}

func TestFreshDocumentSingleClient(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t, "abc")

	snapshot, _ := authenticate(t, ws, "writer-token")
	assert.Equal(t, uint64(0), snapshot.Version)
	assert.JSONEq(t, `{}`, string(snapshot.State))

	submitSet(t, ws, "t1", "title", "hi")

	broadcast := recv(t, ws)
	require.Equal(t, protocol.TypeTransaction, broadcast.Type)
	assert.Equal(t, uint64(1), broadcast.Version)

	send(t, ws, map[string]string{"type": "request_snapshot"})
	snap := recv(t, ws)
	require.Equal(t, protocol.TypeSnapshot, snap.Type)
	assert.Equal(t, uint64(1), snap.Version)
	assert.JSONEq(t, `{"title":"hi"}`, string(snap.State))
}

func TestTwoClientsSeeSameOrder(t *testing.T) {
	env := newTestEnv(t)
	wsA := env.dial(t, "x")
	wsB := env.dial(t, "x")

	authenticate(t, wsA, "writer-token")
	authenticate(t, wsB, "writer-token")

	submitSet(t, wsA, "t1", "a", "1")
	submitSet(t, wsB, "t2", "b", "2")

	readTwo := func(ws *websocket.Conn) []uint64 {
		var versions []uint64
		for len(versions) < 2 {
			msg := recv(t, ws)
			if msg.Type == protocol.TypeTransaction {
				versions = append(versions, msg.Version)
			}
		}
		return versions
	}

	assert.Equal(t, []uint64{1, 2}, readTwo(wsA))
	assert.Equal(t, []uint64{1, 2}, readTwo(wsB))
}

func TestDuplicateSubmission(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t, "doc-dup")
	authenticate(t, ws, "writer-token")

	submitSet(t, ws, "dup", "a", "1")
	broadcast := recv(t, ws)
	require.Equal(t, protocol.TypeTransaction, broadcast.Type)

	submitSet(t, ws, "dup", "a", "2")
	msg := recv(t, ws)
	require.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, "dup", msg.TransactionID)
	assert.Equal(t, "Transaction has already been processed", msg.Reason)
}

func TestSubmitRequiresAuthAndWritePermission(t *testing.T) {
	env := newTestEnv(t)

	ws := env.dial(t, "doc-perm")
	submitSet(t, ws, "t1", "a", "1")
	msg := recv(t, ws)
	require.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, "not authenticated", msg.Reason)

	authenticate(t, ws, "reader-token")
	submitSet(t, ws, "t1", "a", "1")
	msg = recv(t, ws)
	require.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, "write permission required", msg.Reason)
}

func TestAuthFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t, "doc-auth")

	send(t, ws, map[string]string{"type": "auth", "token": "bogus"})
	msg := recv(t, ws)
	require.Equal(t, protocol.TypeAuthResult, msg.Type)
	assert.False(t, msg.Success)
	assert.NotEmpty(t, msg.Error)

	authenticate(t, ws, "writer-token")
}

func TestPingPongBeforeAuth(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t, "doc-ping")

	send(t, ws, map[string]string{"type": "ping"})
	msg := recv(t, ws)
	assert.Equal(t, protocol.TypePong, msg.Type)
}

func TestRestartWithSnapshotAndLog(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.cold.Save(ctx, "doc-restore", &cold.Snapshot{
		State:         json.RawMessage(`{"count":3}`),
		Version:       3,
		SchemaVersion: cold.CurrentSchemaVersion,
	}))
	for v := uint64(4); v <= 5; v++ {
		tx := &schema.Transaction{
			ID:  fmt.Sprintf("t%d", v),
			Ops: []json.RawMessage{json.RawMessage(fmt.Sprintf(`{"set":{"key":"count","value":%d}}`, v))},
		}
		require.NoError(t, env.hot.Append(ctx, "doc-restore", hot.Entry{Transaction: tx, Version: v}))
	}

	ws := env.dial(t, "doc-restore")
	snapshot, _ := authenticate(t, ws, "writer-token")
	assert.Equal(t, uint64(5), snapshot.Version)
	assert.JSONEq(t, `{"count":5}`, string(snapshot.State))
}

func TestPresenceLifecycle(t *testing.T) {
	env := newTestEnv(t)

	ws1 := env.dial(t, "doc-pres")
	_, p1 := authenticate(t, ws1, "writer-token")
	assert.Empty(t, p1.Presences)

	send(t, ws1, map[string]json.RawMessage{
		"type": json.RawMessage(`"presence_set"`),
		"data": json.RawMessage(`{"cursor":1}`),
	})

	// The setter does not see its own update echoed back; a second client's
	// presence snapshot proves the entry landed.
	ws2 := env.dial(t, "doc-pres")
	var p2 serverMsg
	require.Eventually(t, func() bool {
		ws := env.dial(t, "doc-pres")
		_, p := authenticate(t, ws, "writer-token")
		p2 = p
		_ = ws.Close()
		return len(p.Presences) == 1
	}, 2*time.Second, 50*time.Millisecond)
	require.Len(t, p2.Presences, 1)
	for _, entry := range p2.Presences {
		assert.JSONEq(t, `{"cursor":1}`, string(entry.Data))
		assert.Equal(t, "alice", entry.UserID)
	}

	_, _ = authenticate(t, ws2, "writer-token")

	// Client 1 disconnecting removes its presence and notifies client 2.
	require.NoError(t, ws1.Close())

	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, ws2.SetReadDeadline(deadline))
		var msg serverMsg
		require.NoError(t, ws2.ReadJSON(&msg))
		if msg.Type == protocol.TypePresenceRemove {
			assert.NotEmpty(t, msg.ID)
			break
		}
	}
}

func TestSelfEchoSuppression(t *testing.T) {
	env := newTestEnv(t)

	ws1 := env.dial(t, "doc-echo")
	authenticate(t, ws1, "writer-token")
	ws2 := env.dial(t, "doc-echo")
	authenticate(t, ws2, "writer-token")

	send(t, ws1, map[string]json.RawMessage{
		"type": json.RawMessage(`"presence_set"`),
		"data": json.RawMessage(`{"cursor":1}`),
	})

	// Client 2 receives the update.
	msg := recv(t, ws2)
	require.Equal(t, protocol.TypePresenceUpdate, msg.Type)
	assert.JSONEq(t, `{"cursor":1}`, string(msg.Data))

	// Client 1 does not: the next thing it sees must not be its own update.
	// Submitting a transaction gives the socket something else to deliver.
	submitSet(t, ws1, "t1", "a", "1")
	msg = recv(t, ws1)
	assert.Equal(t, protocol.TypeTransaction, msg.Type)
}

func TestTransactionsAreNotSelfSuppressed(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t, "doc-own")
	authenticate(t, ws, "writer-token")

	submitSet(t, ws, "t1", "a", "1")
	msg := recv(t, ws)
	assert.Equal(t, protocol.TypeTransaction, msg.Type, "a submitter sees its own transaction in the feed")
}

func TestUnparseableFrameIsDropped(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t, "doc-bad")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"warp"}`)))

	// The connection survives both bad frames.
	send(t, ws, map[string]string{"type": "ping"})
	msg := recv(t, ws)
	assert.Equal(t, protocol.TypePong, msg.Type)
}

func TestSendersUnblockAfterWriterExit(t *testing.T) {
	upgraded := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		ws, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		upgraded <- ws
	}))
	defer ts.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	serverWS := <-upgraded
	defer serverWS.Close()

	c := newConnection(Config{
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  50 * time.Millisecond,
		SendQueueSize:     1,
	}, "doc-wedge", serverWS, "test")
	go c.writeLoop()

	// Kill the peer without a close handshake so the writer's next write
	// fails and the loop exits with the queue still full.
	require.NoError(t, client.UnderlyingConn().Close())

	// A sender pushing against the dead writer must not block forever.
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 64; i++ {
			c.enqueue(protocol.NewPong())
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("enqueue stayed blocked after the writer exited")
	}
}

func TestDeadClientStillTearsDown(t *testing.T) {
	env := newTestEnv(t)

	observer := env.dial(t, "doc-dead")
	authenticate(t, observer, "writer-token")

	victim := env.dial(t, "doc-dead")
	authenticate(t, victim, "writer-token")
	send(t, victim, map[string]json.RawMessage{
		"type": json.RawMessage(`"presence_set"`),
		"data": json.RawMessage(`{"cursor":9}`),
	})

	msg := recv(t, observer)
	require.Equal(t, protocol.TypePresenceUpdate, msg.Type)

	// The victim floods messages without reading a single reply, then its
	// TCP connection dies with no close handshake.
	for i := 0; i < 50; i++ {
		_ = victim.WriteJSON(map[string]string{"type": "ping"})
	}
	require.NoError(t, victim.UnderlyingConn().Close())

	// Teardown still runs: the observer is told the victim's presence is
	// gone, and the entry is removed from the document.
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, observer.SetReadDeadline(deadline))
		var m serverMsg
		require.NoError(t, observer.ReadJSON(&m))
		if m.Type == protocol.TypePresenceRemove {
			break
		}
	}

	rt, ok := env.registry.Peek("doc-dead")
	require.True(t, ok)
	assert.Empty(t, rt.Presence().Snapshot())
}

func TestPresenceClearWithPresenceDisabled(t *testing.T) {
	reg := registry.New(document.Config{
		Schema:  kv.New(),
		Hot:     hotmem.New(),
		Cold:    coldmem.New(),
		Initial: schema.StaticInitialState(json.RawMessage(`{}`)),
	}, registry.Options{})

	provider := auth.NewStaticProvider(map[string]auth.Identity{
		"writer-token": {UserID: "alice", Permission: auth.PermissionWrite},
	})

	srv, err := New(Config{
		Service: NewLocalService(reg),
		Schema:  kv.New(),
		Auth:    provider,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		_ = reg.Shutdown(context.Background())
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/mimic/doc/doc-nopres"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	// Without presence the auth reply sequence has no presence snapshot.
	send(t, ws, map[string]string{"type": "auth", "token": "writer-token"})
	result := recv(t, ws)
	require.Equal(t, protocol.TypeAuthResult, result.Type)
	require.True(t, result.Success)
	snapshot := recv(t, ws)
	require.Equal(t, protocol.TypeSnapshot, snapshot.Type)

	// presence_clear only needs authentication; the connection stays healthy.
	send(t, ws, map[string]string{"type": "presence_clear"})
	send(t, ws, map[string]string{"type": "ping"})
	msg := recv(t, ws)
	assert.Equal(t, protocol.TypePong, msg.Type)
}

func TestNonUpgradeRequestRejected(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/mimic/doc/abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
