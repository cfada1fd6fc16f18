package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGet(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	id, err := s.CreateBoard(ctx, "sketch")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	b, err := s.GetBoard(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "sketch", b.Name)
	assert.True(t, b.Public, "boards start public")
	assert.Empty(t, b.Storage, "storage affinity is assigned separately")
}

func TestSetBoardStorage(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	id, err := s.CreateBoard(ctx, "sketch")
	require.NoError(t, err)

	require.NoError(t, s.SetBoardStorage(ctx, id, "ws://store-1:8080"))
	b, err := s.GetBoard(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ws://store-1:8080", b.Storage)

	assert.ErrorIs(t, s.SetBoardStorage(ctx, "nope", "ws://x"), ErrNotFound)
}

func TestRemoveBoard(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	id, err := s.CreateBoard(ctx, "sketch")
	require.NoError(t, err)

	require.NoError(t, s.RemoveBoard(ctx, id))
	_, err = s.GetBoard(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.RemoveBoard(ctx, id), ErrNotFound)
	assert.Zero(t, s.Count())
}

func TestAllowedUsers(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	id, err := s.CreateBoard(ctx, "sketch")
	require.NoError(t, err)

	allowed, err := s.AllowedUsers(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, allowed, "a public board is open to all")

	s.Restrict(id, "alice")
	s.Grant(id, "bob")
	allowed, err = s.AllowedUsers(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, allowed)

	_, err = s.AllowedUsers(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
