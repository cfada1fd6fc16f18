package syncnode

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/baktrius/nhex2/internal/metrics"
	"github.com/baktrius/nhex2/internal/store"
	"github.com/baktrius/nhex2/internal/wire"
)

// ErrClosed reports an operation on an engine that already shut down.
var ErrClosed = errors.New("board engine closed")

var errAuthorization = errors.New("authorization failed")

// Engine owns one board's live state: the bridge to its storage backend,
// the confirmed command log, the buffer of batches sent toward storage
// but not yet acknowledged, and the connected clients. All mutable state
// is serialized behind one mutex; different boards' engines are fully
// independent.
type Engine struct {
	boardID string
	backend string
	bridge  *store.Conn
	idleFor time.Duration

	mu        sync.Mutex
	confirmed []wire.Command
	pending   [][]wire.Command
	clients   map[*Client]struct{}
	allowed   []string // nil means open to all
	idle      *time.Timer
	closed    bool

	done chan struct{}
}

func newEngine(boardID, backend string, bridge *store.Conn, idleFor time.Duration) *Engine {
	e := &Engine{
		boardID:   boardID,
		backend:   backend,
		bridge:    bridge,
		idleFor:   idleFor,
		confirmed: bridge.Commands,
		clients:   make(map[*Client]struct{}),
		done:      make(chan struct{}),
	}
	// No clients yet: the eviction clock starts immediately.
	e.mu.Lock()
	e.startIdleTimerLocked()
	e.mu.Unlock()
	go e.readBridge()
	metrics.BoardsLoaded.Inc()
	return e
}

// Done is closed once the engine has shut down; the owning node watches
// it to drop the engine from its table.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// AddClient admits a session to the board: allow-list check, greeting
// with the full command sequence, then live fan-out. On a returned
// error the session's socket was never written to; the caller reports
// the failure and tears it down.
func (e *Engine) AddClient(ctx context.Context, c *Client) error {
	e.mu.Lock()
	allowed := e.allowed
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if allowed != nil {
		ok, err := c.authorizedAgainst(ctx, allowed)
		if err != nil {
			return err
		}
		if !ok {
			return errAuthorization
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.clients[c] = struct{}{}
	e.stopIdleTimerLocked()
	// Greeting is queued under the lock so no broadcast can precede it.
	c.sendJSON(e.greetingLocked())
	e.mu.Unlock()

	// The pump starts only once the session is registered, so every
	// failure path above leaves the socket to the caller alone.
	go c.writePump()
	metrics.ConnectedClients.Inc()
	go e.readClient(c)
	return nil
}

// SetAllowed replaces the board's allow-list; nil opens the board to
// everyone. With a list set, every connected session is re-checked and
// dropped when it no longer qualifies.
func (e *Engine) SetAllowed(ctx context.Context, allowedUsers []string) {
	e.mu.Lock()
	e.allowed = allowedUsers
	var connected []*Client
	if allowedUsers != nil {
		for c := range e.clients {
			connected = append(connected, c)
		}
	}
	e.mu.Unlock()
	for _, c := range connected {
		ok, err := c.authorizedAgainst(ctx, allowedUsers)
		if err != nil || !ok {
			// readClient observes the socket closing and removes the session.
			c.ws.Close()
		}
	}
}

// Close tears down the bridge and every client connection. Idempotent.
func (e *Engine) Close() {
	e.closeWithReason("board closed")
}

func (e *Engine) closeWithReason(reason string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.stopIdleTimerLocked()
	connected := make([]*Client, 0, len(e.clients))
	for c := range e.clients {
		connected = append(connected, c)
	}
	e.clients = make(map[*Client]struct{})
	e.mu.Unlock()

	e.bridge.Close()
	for _, c := range connected {
		c.close()
		c.ws.Close()
	}
	metrics.ConnectedClients.Sub(float64(len(connected)))
	metrics.BoardsLoaded.Dec()
	log.Printf("board %s: closed (%s)", e.boardID, reason)
	close(e.done)
}

// readBridge consumes storage acknowledgments; losing the bridge closes
// the whole engine.
func (e *Engine) readBridge() {
	for {
		ack, err := e.bridge.ReadAck()
		if err != nil {
			e.closeWithReason("connection lost")
			return
		}
		e.confirm(ack)
	}
}

// confirm settles the oldest pending batch against one storage ack.
// Acks arrive in append order, so the head of the pending buffer is
// always the batch being acknowledged.
func (e *Engine) confirm(ack wire.Ack) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return
	}
	batch := e.pending[0]
	e.pending = e.pending[1:]
	if !ack.Success {
		// The batch will never become durable; clients already saw it
		// live, a rejoin reloads the authoritative log.
		log.Printf("board %s: storage rejected batch of %d commands: %s",
			e.boardID, len(batch), ack.Reason)
		return
	}
	e.confirmed = append(e.confirmed, batch...)
	metrics.BatchesConfirmed.Inc()
}

func (e *Engine) readClient(c *Client) {
	defer e.removeClient(c)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		e.handleBatch(c, msg)
	}
}

// handleBatch processes one inbound batch: ack the sender, broadcast to
// every other client, buffer as pending, forward toward storage. The
// broadcast deliberately precedes durability confirmation. The pending
// append and the bridge write happen under one lock hold so the buffer
// order always matches the order batches reach the wire; confirm relies
// on that.
func (e *Engine) handleBatch(c *Client, msg []byte) {
	var batch []wire.Command
	if err := json.Unmarshal(msg, &batch); err != nil || batch == nil {
		c.sendJSON(wire.Ack{Success: false, Message: string(msg), Reason: "malformed command batch"})
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	c.sendJSON(wire.Ack{Success: true, Message: string(msg)})
	for peer := range e.clients {
		if peer != c {
			peer.sendJSON(wire.Exec{Exec: batch})
		}
	}
	e.pending = append(e.pending, batch)
	if err := e.bridge.Append(msg); err != nil {
		log.Printf("board %s: forwarding batch to storage failed: %v", e.boardID, err)
	}
	e.mu.Unlock()

	metrics.CommandsRelayed.Add(float64(len(batch)))
}

func (e *Engine) removeClient(c *Client) {
	e.mu.Lock()
	if _, ok := e.clients[c]; ok {
		delete(e.clients, c)
		metrics.ConnectedClients.Dec()
		if len(e.clients) == 0 && !e.closed {
			e.startIdleTimerLocked()
		}
	}
	e.mu.Unlock()
	c.close()
	c.ws.Close()
}

// greetingLocked builds the greeting: confirmed log first, then the
// pending buffer, in that concatenation order.
func (e *Engine) greetingLocked() wire.Greeting {
	total := len(e.confirmed)
	for _, b := range e.pending {
		total += len(b)
	}
	commands := make([]wire.Command, 0, total)
	commands = append(commands, e.confirmed...)
	for _, b := range e.pending {
		commands = append(commands, b...)
	}
	return wire.Greeting{Success: true, Data: &wire.GreetingData{
		BoardID: e.boardID, Commands: commands,
	}}
}

func (e *Engine) startIdleTimerLocked() {
	if e.idle != nil {
		e.idle.Stop()
	}
	e.idle = time.AfterFunc(e.idleFor, func() {
		e.closeWithReason("idle")
	})
}

func (e *Engine) stopIdleTimerLocked() {
	if e.idle != nil {
		e.idle.Stop()
		e.idle = nil
	}
}
