package syncnode

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/baktrius/nhex2/internal/wire"
)

// Run reports this node's served-board set to the manager until ctx is
// canceled. The first beat goes out immediately so the manager learns
// about the node without waiting a full interval; a failed beat is
// logged and the next tick retries.
func (n *Node) Run(ctx context.Context) {
	t := time.NewTicker(n.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		if err := n.heartbeat(ctx); err != nil {
			log.Printf("heartbeat to %s failed: %v", n.cfg.ManagerAddr, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (n *Node) heartbeat(ctx context.Context) error {
	boards := n.Boards()
	tables, err := json.Marshal(boards)
	if err != nil {
		return err
	}
	form := url.Values{
		"control": {n.cfg.ControlAddr},
		"users":   {n.cfg.ClientAddr},
		"tables":  {string(tables)},
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.cfg.ManagerAddr+"/info", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat request failed with status %d", resp.StatusCode)
	}
	var result wire.HeartbeatResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("malformed heartbeat response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("heartbeat rejected: %s", result.Reason)
	}
	for _, boardID := range result.ToBeClosed {
		if err := n.Close(boardID); err == nil {
			log.Printf("board %s: relinquished on manager instruction", boardID)
		}
	}
	return nil
}
