// Package manager implements the table manager: it places new boards on
// storage nodes, routes join requests to synchronization nodes and keeps
// the heartbeat-driven registry that prevents two sync nodes from
// serving the same board.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/baktrius/nhex2/internal/metadata"
	"github.com/baktrius/nhex2/internal/metrics"
	"github.com/baktrius/nhex2/internal/wire"
)

var (
	// ErrNoStoreNode reports that no storage node is configured.
	ErrNoStoreNode = errors.New("no storage node configured")
	// ErrNoSyncNode reports that no live sync node is registered.
	ErrNoSyncNode = errors.New("no sync node connected")
)

// Config carries the manager's static placement set and tunables.
type Config struct {
	StoreNodes []StoreNode
	// Placement selects storage nodes at creation and sync node
	// candidates at join. Defaults to Random.
	Placement Policy

	// CreateAttempts bounds storage placement tries per creation.
	CreateAttempts int
	// OwnerAttempts bounds reload tries on a board's current owner.
	OwnerAttempts int
	// JoinAttempts bounds candidate tries after the owner path failed.
	JoinAttempts int
	// RetryInterval is the fixed backoff between attempts.
	RetryInterval time.Duration
	// AttemptTimeout bounds every single control call.
	AttemptTimeout time.Duration
	// NodeExpiry is the liveness window refreshed by each heartbeat.
	NodeExpiry time.Duration
	// SweepInterval is how often expired registry entries are collected.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Placement == nil {
		c.Placement = Random{}
	}
	if c.CreateAttempts == 0 {
		c.CreateAttempts = 5
	}
	if c.OwnerAttempts == 0 {
		c.OwnerAttempts = 3
	}
	if c.JoinAttempts == 0 {
		c.JoinAttempts = 5
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = time.Second
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	if c.NodeExpiry == 0 {
		c.NodeExpiry = 60 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 5 * time.Second
	}
	return c
}

// Manager owns the storage placement set and the sync node registry.
type Manager struct {
	cfg    Config
	meta   metadata.Store
	remote remote

	mu    sync.Mutex
	syncs map[string]*SyncNode
}

func New(cfg Config, meta metadata.Store) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:    cfg,
		meta:   meta,
		remote: remote{http: &http.Client{Timeout: cfg.AttemptTimeout}},
		syncs:  make(map[string]*SyncNode),
	}
}

// Run collects expired registry entries until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Expire(time.Now())
		}
	}
}

// CreateBoard allocates a board id and places its command log on a
// storage node. Exhausting the placement budget rolls the allocation
// back and reports failure.
func (m *Manager) CreateBoard(ctx context.Context, name string) (string, error) {
	if len(m.cfg.StoreNodes) == 0 {
		return "", ErrNoStoreNode
	}
	id, err := m.meta.CreateBoard(ctx, name)
	if err != nil {
		metrics.BoardsCreated.WithLabelValues("error").Inc()
		return "", fmt.Errorf("allocate board id: %w", err)
	}

	var chosen StoreNode
	op := func() error {
		node := m.cfg.StoreNodes[m.cfg.Placement.Pick(len(m.cfg.StoreNodes))]
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
		defer cancel()
		if err := m.remote.InitBoard(attemptCtx, node, id); err != nil {
			log.Printf("board %s: init on %s failed: %v", id, node.Control, err)
			return err
		}
		chosen = node
		return nil
	}
	if err := backoff.Retry(op, m.retryBackoff(ctx, m.cfg.CreateAttempts)); err != nil {
		if rerr := m.meta.RemoveBoard(ctx, id); rerr != nil {
			log.Printf("board %s: rollback failed: %v", id, rerr)
		}
		metrics.BoardsCreated.WithLabelValues("error").Inc()
		return "", fmt.Errorf("unable to allocate board: %w", err)
	}
	if err := m.meta.SetBoardStorage(ctx, id, chosen.Data); err != nil {
		if rerr := m.meta.RemoveBoard(ctx, id); rerr != nil {
			log.Printf("board %s: rollback failed: %v", id, rerr)
		}
		metrics.BoardsCreated.WithLabelValues("error").Inc()
		return "", fmt.Errorf("record storage affinity: %w", err)
	}
	log.Printf("board %s: created on %s", id, chosen.Data)
	metrics.BoardsCreated.WithLabelValues("success").Inc()
	return id, nil
}

// JoinBoard finds or assigns a sync node serving the board and returns
// the link a client should connect to.
func (m *Manager) JoinBoard(ctx context.Context, boardID string) (string, error) {
	board, err := m.meta.GetBoard(ctx, boardID)
	if err != nil {
		metrics.BoardJoins.WithLabelValues("error").Inc()
		return "", fmt.Errorf("board lookup: %w", err)
	}
	if board.Storage == "" {
		metrics.BoardJoins.WithLabelValues("error").Inc()
		return "", errors.New("board has no storage assigned")
	}
	allowedUsers, err := m.meta.AllowedUsers(ctx, boardID)
	if err != nil {
		metrics.BoardJoins.WithLabelValues("error").Inc()
		return "", fmt.Errorf("board privileges lookup: %w", err)
	}
	backend := board.Storage + "/board/" + boardID

	// The current owner gets a chance to reload first; while loaded the
	// load call is an idempotent no-op on its data path.
	if owner, ok := m.boardOwner(boardID); ok {
		op := func() error {
			return m.loadOn(ctx, owner, boardID, backend, allowedUsers)
		}
		if err := backoff.Retry(op, m.retryBackoff(ctx, m.cfg.OwnerAttempts)); err == nil {
			metrics.BoardJoins.WithLabelValues("success").Inc()
			return owner.tableLink(boardID), nil
		}
		// The owner looks unhealthy: release its hold before reassigning.
		log.Printf("board %s: owner %s unresponsive, releasing", boardID, owner.control)
		m.releaseBoard(owner.control, boardID)
		closeCtx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
		if err := m.remote.CloseBoard(closeCtx, owner.control, boardID); err != nil {
			log.Printf("board %s: close on %s failed: %v", boardID, owner.control, err)
		}
		cancel()
	}

	var link string
	op := func() error {
		candidate, ok := m.pickCandidate(boardID)
		if !ok {
			return ErrNoSyncNode
		}
		if err := m.loadOn(ctx, candidate, boardID, backend, allowedUsers); err != nil {
			log.Printf("board %s: load on %s failed: %v", boardID, candidate.control, err)
			return err
		}
		m.claimBoard(candidate.control, boardID)
		link = candidate.tableLink(boardID)
		return nil
	}
	if err := backoff.Retry(op, m.retryBackoff(ctx, m.cfg.JoinAttempts)); err != nil {
		metrics.BoardJoins.WithLabelValues("error").Inc()
		return "", fmt.Errorf("unable to load board: %w", err)
	}
	metrics.BoardJoins.WithLabelValues("success").Inc()
	return link, nil
}

func (m *Manager) loadOn(ctx context.Context, node nodeRef, boardID, backend string, allowedUsers []string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
	defer cancel()
	return m.remote.LoadBoard(attemptCtx, node.control, boardID, backend, allowedUsers)
}

// retryBackoff builds the fixed-interval bounded retry schedule: the
// loop stops on first success and never exceeds the attempt budget.
func (m *Manager) retryBackoff(ctx context.Context, attempts int) backoff.BackOff {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.RetryInterval), uint64(attempts-1))
	return backoff.WithContext(b, ctx)
}

// Reconcile processes one heartbeat: it registers unknown nodes,
// refreshes liveness, rebuilds the reporting node's served-set from the
// report and resolves ownership conflicts first-claim-wins. It returns
// the board ids the reporting node must close.
func (m *Manager) Reconcile(control, usersAddr string, boards []string) []string {
	metrics.HeartbeatsTotal.Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	node := m.syncs[control]
	if node == nil {
		log.Printf("added sync node %s", control)
		node = &SyncNode{Control: control, Boards: make(map[string]struct{})}
		m.syncs[control] = node
		metrics.SyncNodes.Set(float64(len(m.syncs)))
	} else {
		// The report is authoritative and complete for this node right
		// now; the served-set is rebuilt from it.
		node.Boards = make(map[string]struct{})
	}
	node.Users = usersAddr
	node.Deadline = time.Now().Add(m.cfg.NodeExpiry)

	var toBeClosed []string
	for _, boardID := range boards {
		if owner := m.ownerLocked(boardID); owner != nil && owner != node {
			// Another node claimed the board first; the reporting node
			// must relinquish its copy.
			toBeClosed = append(toBeClosed, boardID)
			continue
		}
		node.Boards[boardID] = struct{}{}
	}
	return toBeClosed
}

// Expire drops registry entries whose liveness deadline passed, freeing
// their board ids for reassignment on the next join. The dead node is
// not notified.
func (m *Manager) Expire(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for control, node := range m.syncs {
		if now.After(node.Deadline) {
			log.Printf("sync node %s expired, releasing %d boards", control, len(node.Boards))
			delete(m.syncs, control)
		}
	}
	metrics.SyncNodes.Set(float64(len(m.syncs)))
}

// ListBoards reports every registered node with its served board ids.
func (m *Manager) ListBoards() []wire.NodeBoards {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wire.NodeBoards, 0, len(m.syncs))
	for _, node := range m.syncs {
		ids := make([]string, 0, len(node.Boards))
		for id := range node.Boards {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out = append(out, wire.NodeBoards{Control: node.Control, Boards: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Control < out[j].Control })
	return out
}

func (m *Manager) ownerLocked(boardID string) *SyncNode {
	for _, node := range m.syncs {
		if node.Serves(boardID) {
			return node
		}
	}
	return nil
}

func (m *Manager) boardOwner(boardID string) (nodeRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if node := m.ownerLocked(boardID); node != nil {
		return nodeRef{control: node.Control, users: node.Users}, true
	}
	return nodeRef{}, false
}

// pickCandidate prefers the board's owner and otherwise picks among the
// registered live nodes via the placement policy.
func (m *Manager) pickCandidate(boardID string) (nodeRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if node := m.ownerLocked(boardID); node != nil {
		return nodeRef{control: node.Control, users: node.Users}, true
	}
	if len(m.syncs) == 0 {
		return nodeRef{}, false
	}
	controls := make([]string, 0, len(m.syncs))
	for control := range m.syncs {
		controls = append(controls, control)
	}
	sort.Strings(controls)
	node := m.syncs[controls[m.cfg.Placement.Pick(len(controls))]]
	return nodeRef{control: node.Control, users: node.Users}, true
}

// claimBoard records a successful load, first-claim-wins: the claim is
// checked and set under one lock so concurrent joins cannot both win.
func (m *Manager) claimBoard(control, boardID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner := m.ownerLocked(boardID); owner != nil && owner.Control != control {
		// Someone else won the race; heartbeat reconciliation will ask
		// the loser to relinquish.
		return
	}
	if node := m.syncs[control]; node != nil {
		node.Boards[boardID] = struct{}{}
	}
}

// releaseBoard drops a node's recorded hold on a board.
func (m *Manager) releaseBoard(control, boardID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if node := m.syncs[control]; node != nil {
		delete(node.Boards, boardID)
	}
}
