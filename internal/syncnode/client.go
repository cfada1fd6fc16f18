package syncnode

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/baktrius/nhex2/internal/users"
)

// Client is one connected end-user session on a board. Outbound frames
// go through a buffered send channel drained by writePump so that many
// goroutines can fan out to the same connection safely.
type Client struct {
	ws    *websocket.Conn
	token string
	users *users.Client

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// Identity is resolved at most once per session.
	infoOnce sync.Once
	info     users.Info
	infoErr  error
}

func newClient(ws *websocket.Conn, r *http.Request, uc *users.Client) *Client {
	return &Client{
		ws:    ws,
		token: clientToken(r),
		users: uc,
		send:  make(chan []byte, 64),
	}
}

// clientToken extracts the auth token from the connection handshake:
// the token cookie wins, the query parameter is the fallback.
func clientToken(r *http.Request) string {
	if c, err := r.Cookie("token"); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}

// Identity resolves and memoizes the session's user identity.
func (c *Client) Identity(ctx context.Context) (users.Info, error) {
	c.infoOnce.Do(func() {
		c.info, c.infoErr = c.users.GetInfo(ctx, c.token)
	})
	return c.info, c.infoErr
}

// authorizedAgainst reports whether the session's user is on the list.
func (c *Client) authorizedAgainst(ctx context.Context, list []string) (bool, error) {
	info, err := c.Identity(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(list, info.ID), nil
}

func (c *Client) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(b)
}

func (c *Client) enqueue(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- b:
	default:
		// A consumer this slow would stall the whole board; drop it.
		c.closed = true
		close(c.send)
	}
}

// close stops the write pump; the underlying socket is closed by the
// pump once the queue drains.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
