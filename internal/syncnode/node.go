// Package syncnode implements the table synchronization node: it hosts
// one engine per served board, bridging live client connections to the
// board's storage backend, and reports its served set to the manager.
package syncnode

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/baktrius/nhex2/internal/store"
	"github.com/baktrius/nhex2/internal/users"
	"github.com/baktrius/nhex2/internal/wire"
)

// ErrNotLoaded reports an operation on a board this node does not serve.
var ErrNotLoaded = errors.New("board is not loaded")

// Config carries a sync node's identity and tunables.
type Config struct {
	// ControlAddr is the address the manager uses to reach this node's
	// control API, e.g. http://10.0.0.5:9001.
	ControlAddr string
	// ClientAddr is the address end users connect to, e.g.
	// ws://10.0.0.5:9002.
	ClientAddr string
	// ManagerAddr is the base URL of the manager's heartbeat endpoint.
	ManagerAddr string

	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// Node hosts the engines for the boards this process serves.
type Node struct {
	cfg   Config
	users *users.Client
	http  *http.Client

	mu     sync.Mutex
	tables map[string]*Engine

	upgrader websocket.Upgrader
}

func New(cfg Config, uc *users.Client) *Node {
	return &Node{
		cfg:    cfg.withDefaults(),
		users:  uc,
		http:   &http.Client{Timeout: 5 * time.Second},
		tables: make(map[string]*Engine),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Load makes this node serve boardID from the given backend address.
// Loading an already served (board, backend) pair only refreshes the
// allow-list; a different backend drops the stale engine first.
func (n *Node) Load(ctx context.Context, boardID, backend string, allowedUsers []string) error {
	n.mu.Lock()
	current := n.tables[boardID]
	n.mu.Unlock()
	if current != nil {
		if current.backend == backend {
			current.SetAllowed(ctx, allowedUsers)
			return nil
		}
		log.Printf("board %s: storage affinity changed, reloading", boardID)
		n.Close(boardID)
	}

	bridge, err := store.Dial(ctx, backend)
	if err != nil {
		return err
	}
	e := newEngine(boardID, backend, bridge, n.cfg.IdleTimeout)
	e.SetAllowed(ctx, allowedUsers)

	n.mu.Lock()
	prev := n.tables[boardID]
	n.tables[boardID] = e
	n.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	go n.reap(boardID, e)
	log.Printf("board %s: loaded from %s", boardID, backend)
	return nil
}

// Close drops the engine for boardID, disconnecting its clients.
func (n *Node) Close(boardID string) error {
	n.mu.Lock()
	e := n.tables[boardID]
	delete(n.tables, boardID)
	n.mu.Unlock()
	if e == nil {
		return ErrNotLoaded
	}
	e.Close()
	return nil
}

// Boards lists the board ids this node currently serves.
func (n *Node) Boards() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.tables))
	for id := range n.tables {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// reap drops the engine from the table once it signals closure, e.g.
// after idle eviction or a lost storage bridge.
func (n *Node) reap(boardID string, e *Engine) {
	<-e.Done()
	n.mu.Lock()
	if n.tables[boardID] == e {
		delete(n.tables, boardID)
	}
	n.mu.Unlock()
}

// ControlRouter routes the manager-facing control API.
func (n *Node) ControlRouter() *mux.Router {
	r := mux.NewRouter()
	r.Methods(http.MethodPost).Path("/board/{boardId}/load").HandlerFunc(n.handleLoad)
	r.Methods(http.MethodPost).Path("/board/{boardId}/close").HandlerFunc(n.handleClose)
	return r
}

// ClientRouter routes the end-user websocket endpoint.
func (n *Node) ClientRouter() *mux.Router {
	r := mux.NewRouter()
	r.Methods(http.MethodGet).Path("/board/{boardId}").HandlerFunc(n.handleClient)
	return r
}

func (n *Node) handleLoad(w http.ResponseWriter, r *http.Request) {
	boardID := mux.Vars(r)["boardId"]
	backend := r.URL.Query().Get("backend")
	if backend == "" {
		writeJSON(w, wire.Result{Success: false, Reason: "backend not specified"})
		return
	}
	var allowedUsers []string
	if raw, ok := r.URL.Query()["allowed"]; ok {
		if err := json.Unmarshal([]byte(raw[0]), &allowedUsers); err != nil || allowedUsers == nil {
			writeJSON(w, wire.Result{Success: false, Reason: "allowed param invalid value"})
			return
		}
	}
	if err := n.Load(r.Context(), boardID, backend, allowedUsers); err != nil {
		writeJSON(w, wire.Result{Success: false, Reason: err.Error()})
		return
	}
	writeJSON(w, wire.Result{Success: true})
}

func (n *Node) handleClose(w http.ResponseWriter, r *http.Request) {
	boardID := mux.Vars(r)["boardId"]
	if err := n.Close(boardID); err != nil {
		writeJSON(w, wire.Result{Success: false, Reason: err.Error()})
		return
	}
	writeJSON(w, wire.Result{Success: true})
}

func (n *Node) handleClient(w http.ResponseWriter, r *http.Request) {
	boardID := mux.Vars(r)["boardId"]
	ws, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("board %s: client upgrade failed: %v", boardID, err)
		return
	}
	n.mu.Lock()
	e := n.tables[boardID]
	n.mu.Unlock()
	if e == nil {
		reject(ws, "board is not loaded")
		return
	}
	c := newClient(ws, r, n.users)
	if err := e.AddClient(r.Context(), c); err != nil {
		reject(ws, err.Error())
	}
}

// reject sends a failure notice and terminates a fresh client socket.
func reject(ws *websocket.Conn, reason string) {
	ws.WriteJSON(wire.Result{Success: false, Reason: reason})
	ws.Close()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}
