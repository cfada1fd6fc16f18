// Package storenode implements the durable storage service: an
// append-only command log per board, exposed over a small HTTP control
// surface and a duplex websocket data surface.
package storenode

import (
	"context"
	"errors"
	"sync"

	"github.com/baktrius/nhex2/internal/wire"
)

var (
	// ErrMissing reports an unknown board id.
	ErrMissing = errors.New("board with specified id is missing")
	// ErrExists reports an init for an already initialized board.
	ErrExists = errors.New("board already initialized")
)

// BoardLog is one board's durable command log.
type BoardLog struct {
	BoardID  string         `json:"boardId"`
	Commands []wire.Command `json:"commands"`
}

// Repo stores board command logs.
type Repo interface {
	// InitBoard allocates an empty log for a new board.
	InitBoard(ctx context.Context, id string) error
	// GetBoard returns the full log or ErrMissing.
	GetBoard(ctx context.Context, id string) (BoardLog, error)
	// Append adds commands to the end of an existing board's log.
	Append(ctx context.Context, id string, commands []wire.Command) error
}

// MemoryRepo keeps logs in process memory, for tests and local runs.
type MemoryRepo struct {
	mu     sync.Mutex
	boards map[string][]wire.Command
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{boards: make(map[string][]wire.Command)}
}

func (r *MemoryRepo) InitBoard(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.boards[id]; ok {
		return ErrExists
	}
	r.boards[id] = []wire.Command{}
	return nil
}

func (r *MemoryRepo) GetBoard(_ context.Context, id string) (BoardLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	commands, ok := r.boards[id]
	if !ok {
		return BoardLog{}, ErrMissing
	}
	out := make([]wire.Command, len(commands))
	copy(out, commands)
	return BoardLog{BoardID: id, Commands: out}, nil
}

func (r *MemoryRepo) Append(_ context.Context, id string, commands []wire.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.boards[id]; !ok {
		return ErrMissing
	}
	r.boards[id] = append(r.boards[id], commands...)
	return nil
}
