package syncnode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baktrius/nhex2/internal/users"
	"github.com/baktrius/nhex2/internal/wire"
)

// fakeStorage serves the storage node's data endpoint: greeting first,
// then an echo ack per inbound batch. Appends fail wholesale via reject,
// or selectively for batches containing rejectMark.
type fakeStorage struct {
	srv        *httptest.Server
	commands   []wire.Command
	reject     atomic.Bool
	rejectMark atomic.Value // string
	streams    atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeStorage(t *testing.T, commands ...wire.Command) *fakeStorage {
	t.Helper()
	if commands == nil {
		commands = []wire.Command{}
	}
	f := &fakeStorage{commands: commands}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	r := mux.NewRouter()
	r.Methods(http.MethodGet).Path("/board/{boardId}").
		HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ws, err := upgrader.Upgrade(w, req, nil)
			if err != nil {
				return
			}
			defer ws.Close()
			f.mu.Lock()
			f.conns = append(f.conns, ws)
			f.mu.Unlock()
			f.streams.Add(1)
			ws.WriteJSON(wire.Greeting{Success: true, Data: &wire.GreetingData{
				BoardID: mux.Vars(req)["boardId"], Commands: f.commands,
			}})
			for {
				_, msg, err := ws.ReadMessage()
				if err != nil {
					return
				}
				success := !f.reject.Load()
				if mark, _ := f.rejectMark.Load().(string); success && mark != "" {
					success = !strings.Contains(string(msg), mark)
				}
				ack := wire.Ack{Success: success, Message: string(msg)}
				if !ack.Success {
					ack.Reason = "append rejected"
				}
				if err := ws.WriteJSON(ack); err != nil {
					return
				}
			}
		})
	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

// closeStreams severs every accepted data stream. httptest's
// CloseClientConnections cannot do this: the server stops tracking
// connections once they are hijacked for the websocket upgrade.
func (f *fakeStorage) closeStreams() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ws := range f.conns {
		ws.Close()
	}
	f.conns = nil
}

func (f *fakeStorage) backend(boardID string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/board/" + boardID
}

// fakeUsers answers identity lookups with the token itself as the id.
func fakeUsers(t *testing.T) *users.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(users.Info{ID: r.URL.Query().Get("token")})
	}))
	t.Cleanup(srv.Close)
	return users.NewClient(srv.URL, nil)
}

func newTestNode(t *testing.T, idle time.Duration) (*Node, *httptest.Server) {
	t.Helper()
	n := New(Config{
		ControlAddr: "http://test-node",
		ClientAddr:  "ws://test-node",
		ManagerAddr: "http://unused",
		IdleTimeout: idle,
	}, fakeUsers(t))
	srv := httptest.NewServer(n.ClientRouter())
	t.Cleanup(srv.Close)
	return n, srv
}

func dialBoard(t *testing.T, srv *httptest.Server, boardID, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/board/" + boardID
	if token != "" {
		u += "?token=" + token
	}
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readGreeting(t *testing.T, ws *websocket.Conn) wire.Greeting {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var g wire.Greeting
	require.NoError(t, ws.ReadJSON(&g))
	return g
}

func cmds(raw ...string) []wire.Command {
	out := make([]wire.Command, len(raw))
	for i, r := range raw {
		out[i] = wire.Command(r)
	}
	return out
}

func TestLoadAndGreeting(t *testing.T) {
	storage := newFakeStorage(t, cmds(`{"op":"line"}`, `{"op":"circle"}`)...)
	n, srv := newTestNode(t, time.Minute)
	require.NoError(t, n.Load(context.Background(), "b1", storage.backend("b1"), nil))

	ws := dialBoard(t, srv, "b1", "")
	g := readGreeting(t, ws)
	require.True(t, g.Success)
	require.NotNil(t, g.Data)
	assert.Equal(t, "b1", g.Data.BoardID)
	require.Len(t, g.Data.Commands, 2)
	assert.JSONEq(t, `{"op":"line"}`, string(g.Data.Commands[0]))
	assert.JSONEq(t, `{"op":"circle"}`, string(g.Data.Commands[1]))
}

func TestLoadIsIdempotent(t *testing.T) {
	storage := newFakeStorage(t, cmds(`{"op":"line"}`)...)
	n, srv := newTestNode(t, time.Minute)
	require.NoError(t, n.Load(context.Background(), "b1", storage.backend("b1"), nil))

	ws := dialBoard(t, srv, "b1", "")
	readGreeting(t, ws)

	// A repeated load with the same backend must not reconnect the
	// bridge nor disconnect the client.
	require.NoError(t, n.Load(context.Background(), "b1", storage.backend("b1"), nil))
	assert.Equal(t, int32(1), storage.streams.Load())

	batch := []byte(`[{"op":"dot"}]`)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, batch))
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack wire.Ack
	require.NoError(t, ws.ReadJSON(&ack))
	assert.True(t, ack.Success, "client survived the reload")
}

func TestLoadReplacesBackend(t *testing.T) {
	first := newFakeStorage(t, cmds(`{"op":"line"}`)...)
	second := newFakeStorage(t)
	n, _ := newTestNode(t, time.Minute)
	require.NoError(t, n.Load(context.Background(), "b1", first.backend("b1"), nil))
	require.NoError(t, n.Load(context.Background(), "b1", second.backend("b1"), nil))

	assert.Equal(t, int32(1), second.streams.Load())
	assert.Equal(t, []string{"b1"}, n.Boards())
}

func TestBoardNotLoaded(t *testing.T) {
	_, srv := newTestNode(t, time.Minute)
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/board/nope"
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var result wire.Result
	require.NoError(t, ws.ReadJSON(&result))
	assert.False(t, result.Success)
	assert.Equal(t, "board is not loaded", result.Reason)
}

func TestFanOutExcludesSender(t *testing.T) {
	storage := newFakeStorage(t)
	n, srv := newTestNode(t, time.Minute)
	require.NoError(t, n.Load(context.Background(), "b1", storage.backend("b1"), nil))

	sender := dialBoard(t, srv, "b1", "")
	readGreeting(t, sender)
	receiver := dialBoard(t, srv, "b1", "")
	readGreeting(t, receiver)

	batch := `[{"op":"line","tag":1},{"op":"circle","tag":2}]`
	require.NoError(t, sender.WriteMessage(websocket.TextMessage, []byte(batch)))

	// The sender gets exactly one ack echoing the batch, no broadcast.
	sender.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack wire.Ack
	require.NoError(t, sender.ReadJSON(&ack))
	assert.True(t, ack.Success)
	assert.Equal(t, batch, ack.Message)

	// The other client gets the broadcast.
	receiver.SetReadDeadline(time.Now().Add(5 * time.Second))
	var exec wire.Exec
	require.NoError(t, receiver.ReadJSON(&exec))
	require.Len(t, exec.Exec, 2)
	assert.JSONEq(t, `{"op":"line","tag":1}`, string(exec.Exec[0]))

	// And nothing further arrives at the sender.
	sender.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var extra json.RawMessage
	err := sender.ReadJSON(&extra)
	require.Error(t, err, "sender must not receive its own batch as a broadcast, got %s", extra)
}

func TestGreetingIncludesPending(t *testing.T) {
	storage := newFakeStorage(t, cmds(`{"op":"line"}`)...)
	n, srv := newTestNode(t, time.Minute)
	require.NoError(t, n.Load(context.Background(), "b1", storage.backend("b1"), nil))

	first := dialBoard(t, srv, "b1", "")
	readGreeting(t, first)
	require.NoError(t, first.WriteMessage(websocket.TextMessage, []byte(`[{"op":"dot"}]`)))
	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack wire.Ack
	require.NoError(t, first.ReadJSON(&ack))

	// A later joiner sees the full sequence regardless of whether the
	// storage ack already promoted the batch.
	second := dialBoard(t, srv, "b1", "")
	g := readGreeting(t, second)
	require.NotNil(t, g.Data)
	require.Len(t, g.Data.Commands, 2)
	assert.JSONEq(t, `{"op":"line"}`, string(g.Data.Commands[0]))
	assert.JSONEq(t, `{"op":"dot"}`, string(g.Data.Commands[1]))
}

func TestMalformedBatchOnlyAffectsSender(t *testing.T) {
	storage := newFakeStorage(t)
	n, srv := newTestNode(t, time.Minute)
	require.NoError(t, n.Load(context.Background(), "b1", storage.backend("b1"), nil))

	sender := dialBoard(t, srv, "b1", "")
	readGreeting(t, sender)
	other := dialBoard(t, srv, "b1", "")
	readGreeting(t, other)

	require.NoError(t, sender.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	sender.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack wire.Ack
	require.NoError(t, sender.ReadJSON(&ack))
	assert.False(t, ack.Success)
	assert.Equal(t, "not json", ack.Message)

	// No broadcast and no pending entry resulted.
	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var extra json.RawMessage
	require.Error(t, other.ReadJSON(&extra))
	e := n.engine(t, "b1")
	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.pending)
}

func TestAcksPromotePendingToConfirmed(t *testing.T) {
	storage := newFakeStorage(t)
	n, srv := newTestNode(t, time.Minute)
	require.NoError(t, n.Load(context.Background(), "b1", storage.backend("b1"), nil))

	ws := dialBoard(t, srv, "b1", "")
	readGreeting(t, ws)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`[{"op":"dot"},{"op":"line"}]`)))
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack wire.Ack
	require.NoError(t, ws.ReadJSON(&ack))

	e := n.engine(t, "b1")
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.pending) == 0 && len(e.confirmed) == 2
	}, 5*time.Second, 10*time.Millisecond, "storage ack must move the batch to the confirmed log")
}

func TestRejectedAckDropsBatch(t *testing.T) {
	storage := newFakeStorage(t)
	storage.reject.Store(true)
	n, srv := newTestNode(t, time.Minute)
	require.NoError(t, n.Load(context.Background(), "b1", storage.backend("b1"), nil))

	ws := dialBoard(t, srv, "b1", "")
	readGreeting(t, ws)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`[{"op":"dot"}]`)))

	e := n.engine(t, "b1")
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.pending) == 0 && len(e.confirmed) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

// Two clients submitting concurrently must never desynchronize the
// pending buffer from the order batches reach storage: each ack settles
// exactly the batch it belongs to, even when some batches are rejected.
func TestConcurrentSendersSettleAgainstStorage(t *testing.T) {
	storage := newFakeStorage(t)
	storage.rejectMark.Store("volatile")
	n, srv := newTestNode(t, time.Minute)
	require.NoError(t, n.Load(context.Background(), "b1", storage.backend("b1"), nil))

	keeper := dialBoard(t, srv, "b1", "")
	readGreeting(t, keeper)
	dropper := dialBoard(t, srv, "b1", "")
	readGreeting(t, dropper)

	// Drain acks and broadcasts so neither session backs up.
	for _, ws := range []*websocket.Conn{keeper, dropper} {
		ws.SetReadDeadline(time.Now().Add(30 * time.Second))
		go func(ws *websocket.Conn) {
			var raw json.RawMessage
			for ws.ReadJSON(&raw) == nil {
			}
		}(ws)
	}

	const rounds = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			keeper.WriteMessage(websocket.TextMessage,
				[]byte(fmt.Sprintf(`[{"op":"keep","seq":%d}]`, i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			dropper.WriteMessage(websocket.TextMessage,
				[]byte(fmt.Sprintf(`[{"op":"volatile","seq":%d}]`, i)))
		}
	}()
	wg.Wait()

	e := n.engine(t, "b1")
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.pending) == 0 && len(e.confirmed) == rounds
	}, 10*time.Second, 10*time.Millisecond,
		"exactly the accepted batches end up confirmed")

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, cmd := range e.confirmed {
		var got struct {
			Op  string `json:"op"`
			Seq int    `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(cmd, &got))
		assert.Equal(t, "keep", got.Op, "rejected batch leaked into the confirmed log")
		assert.Equal(t, i, got.Seq, "confirmed log lost the sender's order")
	}
}

// A join racing a board closure must end with a clean failure frame or
// disconnect, never a crash in the connection writers.
func TestJoinRacingWithClose(t *testing.T) {
	storage := newFakeStorage(t)
	n, srv := newTestNode(t, time.Minute)
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("b%d", i)
		require.NoError(t, n.Load(context.Background(), id, storage.backend(id), nil))
		closed := make(chan struct{})
		go func() {
			n.Close(id)
			close(closed)
		}()
		u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/board/" + id
		if ws, _, err := websocket.DefaultDialer.Dial(u, nil); err == nil {
			ws.SetReadDeadline(time.Now().Add(5 * time.Second))
			var raw json.RawMessage
			for ws.ReadJSON(&raw) == nil {
			}
			ws.Close()
		}
		<-closed
	}
}

func TestIdleEviction(t *testing.T) {
	storage := newFakeStorage(t)
	n, _ := newTestNode(t, 50*time.Millisecond)
	require.NoError(t, n.Load(context.Background(), "b1", storage.backend("b1"), nil))

	e := n.engine(t, "b1")
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine with no clients was not evicted")
	}
	assert.Eventually(t, func() bool { return len(n.Boards()) == 0 },
		5*time.Second, 10*time.Millisecond, "node drops the engine on closure")
}

func TestConnectedClientPreventsEviction(t *testing.T) {
	storage := newFakeStorage(t)
	n, srv := newTestNode(t, 50*time.Millisecond)
	require.NoError(t, n.Load(context.Background(), "b1", storage.backend("b1"), nil))

	ws := dialBoard(t, srv, "b1", "")
	readGreeting(t, ws)

	e := n.engine(t, "b1")
	select {
	case <-e.Done():
		t.Fatal("engine with a connected client must not be evicted")
	case <-time.After(200 * time.Millisecond):
	}

	// Once the last client leaves, the eviction clock restarts.
	ws.Close()
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine was not evicted after the last client left")
	}
}

func TestAllowListRejectsUnknownUser(t *testing.T) {
	storage := newFakeStorage(t)
	n, srv := newTestNode(t, time.Minute)
	require.NoError(t, n.Load(context.Background(), "b1", storage.backend("b1"), []string{"alice"}))

	accepted := dialBoard(t, srv, "b1", "alice")
	g := readGreeting(t, accepted)
	assert.True(t, g.Success)

	rejected := dialBoard(t, srv, "b1", "mallory")
	rejected.SetReadDeadline(time.Now().Add(5 * time.Second))
	var result wire.Result
	require.NoError(t, rejected.ReadJSON(&result))
	assert.False(t, result.Success)
	assert.Equal(t, "authorization failed", result.Reason)
}

func TestSetAllowedDisconnectsStaleClients(t *testing.T) {
	storage := newFakeStorage(t)
	n, srv := newTestNode(t, time.Minute)
	require.NoError(t, n.Load(context.Background(), "b1", storage.backend("b1"), []string{"alice"}))

	alice := dialBoard(t, srv, "b1", "alice")
	readGreeting(t, alice)

	// Reloading with a different list re-checks connected clients.
	require.NoError(t, n.Load(context.Background(), "b1", storage.backend("b1"), []string{"bob"}))

	alice.SetReadDeadline(time.Now().Add(5 * time.Second))
	var extra json.RawMessage
	require.Error(t, alice.ReadJSON(&extra), "alice must be disconnected")
}

func TestBridgeLossClosesEngine(t *testing.T) {
	storage := newFakeStorage(t)
	n, srv := newTestNode(t, time.Minute)
	require.NoError(t, n.Load(context.Background(), "b1", storage.backend("b1"), nil))

	ws := dialBoard(t, srv, "b1", "")
	readGreeting(t, ws)

	e := n.engine(t, "b1")
	storage.closeStreams()
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("losing the storage bridge must close the engine")
	}

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var extra json.RawMessage
	require.Error(t, ws.ReadJSON(&extra), "clients are disconnected with the engine")
}

func TestCloseIsIdempotent(t *testing.T) {
	storage := newFakeStorage(t)
	n, _ := newTestNode(t, time.Minute)
	require.NoError(t, n.Load(context.Background(), "b1", storage.backend("b1"), nil))

	require.NoError(t, n.Close("b1"))
	assert.ErrorIs(t, n.Close("b1"), ErrNotLoaded)
}

// engine fetches a loaded engine for white-box assertions.
func (n *Node) engine(t *testing.T, boardID string) *Engine {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	e := n.tables[boardID]
	require.NotNil(t, e, "board %s is not loaded", boardID)
	return e
}
