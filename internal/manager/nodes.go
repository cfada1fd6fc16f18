package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/baktrius/nhex2/internal/wire"
)

// StoreNode is one configured durable-storage backend. Static
// configuration: the set never changes after process start.
type StoreNode struct {
	// Control is the management endpoint, e.g. http://ts:8000.
	Control string
	// Data is the stream endpoint handed to sync nodes, e.g. ws://ts:8080.
	Data string
}

// SyncNode is one live synchronization node, tracked via heartbeats.
// Entries are created on first contact, refreshed on every heartbeat
// and dropped when the liveness deadline elapses.
type SyncNode struct {
	Control  string
	Users    string
	Boards   map[string]struct{}
	Deadline time.Time
}

// Serves reports whether the node currently claims the board.
func (s *SyncNode) Serves(boardID string) bool {
	_, ok := s.Boards[boardID]
	return ok
}

// nodeRef is an immutable snapshot of a registry entry, safe to use
// outside the registry lock.
type nodeRef struct {
	control string
	users   string
}

func (r nodeRef) tableLink(boardID string) string {
	return r.users + "/board/" + boardID
}

// remote issues control calls against storage and sync nodes.
type remote struct {
	http *http.Client
}

// InitBoard asks a storage node to allocate an empty command log.
func (c remote) InitBoard(ctx context.Context, node StoreNode, boardID string) error {
	return c.post(ctx, node.Control+"/board/"+boardID+"/init", "table init")
}

// LoadBoard asks a sync node to serve a board from the given backend.
func (c remote) LoadBoard(ctx context.Context, control, boardID, backend string, allowedUsers []string) error {
	q := url.Values{"backend": {backend}}
	if allowedUsers != nil {
		raw, err := json.Marshal(allowedUsers)
		if err != nil {
			return err
		}
		q.Set("allowed", string(raw))
	}
	return c.post(ctx, control+"/board/"+boardID+"/load?"+q.Encode(), "table load")
}

// CloseBoard asks a sync node to drop a board.
func (c remote) CloseBoard(ctx context.Context, control, boardID string) error {
	return c.post(ctx, control+"/board/"+boardID+"/close", "table close")
}

func (c remote) post(ctx context.Context, url, op string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s request failed with status %d", op, resp.StatusCode)
	}
	var result wire.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("%s response: %w", op, err)
	}
	if !result.Success {
		reason := result.Reason
		if reason == "" {
			reason = "unknown reason"
		}
		return fmt.Errorf("%s refused: %s", op, reason)
	}
	return nil
}
