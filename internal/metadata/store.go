// Package metadata keeps the durable board metadata: name, storage
// affinity and access control. It is the only strongly consistent state
// the manager relies on; implementations provide their own transactional
// guarantees.
package metadata

import (
	"context"
	"errors"
)

// ErrNotFound reports a board id unknown to the store.
var ErrNotFound = errors.New("board not found")

// Board is one board's metadata record. Storage is set once after a
// successful allocation and never changes afterwards.
type Board struct {
	ID      string
	Name    string
	Storage string
	Public  bool
	Owner   string
}

// Store is the board metadata store.
type Store interface {
	// CreateBoard allocates a fresh board id for the given display name.
	CreateBoard(ctx context.Context, name string) (string, error)
	// SetBoardStorage records the board's storage affinity.
	SetBoardStorage(ctx context.Context, id, storage string) error
	// RemoveBoard deletes a board record, compensating a failed creation.
	RemoveBoard(ctx context.Context, id string) error
	// GetBoard returns the board's record or ErrNotFound.
	GetBoard(ctx context.Context, id string) (Board, error)
	// AllowedUsers returns the user ids allowed on a non-public board.
	// It returns nil for public boards, meaning open to all.
	AllowedUsers(ctx context.Context, id string) ([]string, error)
}
