package store

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baktrius/nhex2/internal/wire"
)

func wsServer(t *testing.T, handle func(ws *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handle(ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialHandshake(t *testing.T) {
	url := wsServer(t, func(ws *websocket.Conn) {
		ws.WriteJSON(wire.Greeting{Success: true, Data: &wire.GreetingData{
			BoardID:  "b1",
			Commands: []wire.Command{wire.Command(`{"op":"line"}`)},
		}})
		// Echo one append as an ordered ack.
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		ws.WriteJSON(wire.Ack{Success: true, Message: string(msg)})
	})

	conn, err := Dial(context.Background(), url+"/board/b1")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "b1", conn.BoardID)
	require.Len(t, conn.Commands, 1)
	assert.JSONEq(t, `{"op":"line"}`, string(conn.Commands[0]))

	require.NoError(t, conn.Append([]byte(`[{"op":"dot"}]`)))
	ack, err := conn.ReadAck()
	require.NoError(t, err)
	assert.True(t, ack.Success)
	assert.Equal(t, `[{"op":"dot"}]`, ack.Message)
}

func TestDialEmptyLog(t *testing.T) {
	url := wsServer(t, func(ws *websocket.Conn) {
		ws.WriteJSON(wire.Greeting{Success: true, Data: &wire.GreetingData{
			BoardID: "fresh", Commands: []wire.Command{},
		}})
		ws.ReadMessage()
	})

	conn, err := Dial(context.Background(), url+"/board/fresh")
	require.NoError(t, err)
	defer conn.Close()
	assert.NotNil(t, conn.Commands)
	assert.Empty(t, conn.Commands)
}

func TestDialRefused(t *testing.T) {
	url := wsServer(t, func(ws *websocket.Conn) {
		ws.WriteJSON(wire.Greeting{Success: false, Reason: "board with specified id is missing"})
	})

	_, err := Dial(context.Background(), url+"/board/nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "board with specified id is missing")
}

func TestDialMalformedGreeting(t *testing.T) {
	cases := map[string]string{
		"missing data":     `{"success":true}`,
		"missing commands": `{"success":true,"data":{"boardId":"b1"}}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			url := wsServer(t, func(ws *websocket.Conn) {
				ws.WriteMessage(websocket.TextMessage, []byte(frame))
			})
			_, err := Dial(context.Background(), url+"/board/b1")
			assert.ErrorIs(t, err, ErrBadHandshake)
		})
	}
}

func TestDialSilentPeer(t *testing.T) {
	url := wsServer(t, func(ws *websocket.Conn) {
		// Never send the greeting; linger until the client gives up.
		ws.ReadMessage()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := Dial(ctx, url+"/board/b1")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "context deadline caps the handshake")
}

func TestDialUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/board/b1")
	require.Error(t, err)
}
