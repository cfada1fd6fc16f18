// Package wire defines the JSON message shapes shared by the manager,
// the sync nodes, the storage nodes and end-user clients.
package wire

import (
	"encoding/json"
	"fmt"
)

// Command is one opaque draw command. Commands are relayed and logged as
// raw JSON; their drawing semantics are never interpreted server side.
type Command = json.RawMessage

// Result is the generic success/reason envelope used by control endpoints.
type Result struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// CreateResult answers a board-creation request.
type CreateResult struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// JoinResult answers a board-join request. Link is the websocket endpoint
// the client should connect to.
type JoinResult struct {
	Success bool   `json:"success"`
	Link    string `json:"link,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// HeartbeatResult answers a sync node's heartbeat. ToBeClosed lists the
// boards the node must relinquish.
type HeartbeatResult struct {
	Success    bool     `json:"success"`
	ToBeClosed []string `json:"toBeClosed"`
	Reason     string   `json:"reason,omitempty"`
}

// Greeting is the first frame on every data-plane connection. A failed
// greeting carries only a reason and the connection is then terminated.
type Greeting struct {
	Success bool          `json:"success"`
	Data    *GreetingData `json:"data,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}

// GreetingData carries a board's full known command sequence.
type GreetingData struct {
	BoardID  string    `json:"boardId"`
	Commands []Command `json:"commands"`
}

// Ack acknowledges one inbound command batch. Message echoes the batch
// exactly as it was received.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Exec carries another client's commands to a connected client.
type Exec struct {
	Exec []Command `json:"exec"`
}

// NodeBoards is one entry of the board listing, encoded on the wire as
// [controlAddr, [boardId, ...]].
type NodeBoards struct {
	Control string
	Boards  []string
}

func (n NodeBoards) MarshalJSON() ([]byte, error) {
	boards := n.Boards
	if boards == nil {
		boards = []string{}
	}
	return json.Marshal([2]any{n.Control, boards})
}

func (n *NodeBoards) UnmarshalJSON(data []byte) error {
	var parts [2]json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("node boards entry: %w", err)
	}
	if err := json.Unmarshal(parts[0], &n.Control); err != nil {
		return fmt.Errorf("node boards control: %w", err)
	}
	if err := json.Unmarshal(parts[1], &n.Boards); err != nil {
		return fmt.Errorf("node boards ids: %w", err)
	}
	return nil
}
