// Package store dials the duplex data endpoint of a storage node. The
// connection has two states: connecting, where the first frame must be a
// greeting carrying the board's confirmed command log, and established,
// where appended batches flow out and acknowledgments flow back.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/baktrius/nhex2/internal/wire"
)

const handshakeTimeout = 5 * time.Second

// ErrBadHandshake reports a greeting with the wrong shape.
var ErrBadHandshake = errors.New("store: invalid greeting structure")

// Conn is an established bridge to one board's durable command log.
type Conn struct {
	ws *websocket.Conn

	// BoardID and Commands are the board id and confirmed log reported
	// by the storage node during the handshake.
	BoardID  string
	Commands []wire.Command

	mu sync.Mutex // serializes writes
}

// Dial connects to a storage node's data endpoint and performs the
// initial handshake.
func Dial(ctx context.Context, rawurl string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, rawurl, nil)
	if err != nil {
		return nil, fmt.Errorf("store: dial %s: %w", rawurl, err)
	}
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ws.SetReadDeadline(deadline)
	var greeting wire.Greeting
	if err := ws.ReadJSON(&greeting); err != nil {
		ws.Close()
		return nil, fmt.Errorf("store: read greeting: %w", err)
	}
	if !greeting.Success {
		ws.Close()
		reason := greeting.Reason
		if reason == "" {
			reason = "unknown reason"
		}
		return nil, fmt.Errorf("store: load refused: %s", reason)
	}
	if greeting.Data == nil || greeting.Data.Commands == nil {
		ws.Close()
		return nil, ErrBadHandshake
	}
	ws.SetReadDeadline(time.Time{})
	return &Conn{
		ws:       ws,
		BoardID:  greeting.Data.BoardID,
		Commands: greeting.Data.Commands,
	}, nil
}

// Append forwards one raw command batch toward the durable log. The
// batch is sent verbatim; the storage node acknowledges it in order.
func (c *Conn) Append(batch []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, batch)
}

// ReadAck blocks until the next storage acknowledgment arrives.
func (c *Conn) ReadAck() (wire.Ack, error) {
	var ack wire.Ack
	err := c.ws.ReadJSON(&ack)
	return ack, err
}

func (c *Conn) Close() error {
	return c.ws.Close()
}
