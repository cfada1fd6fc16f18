package metadata

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process metadata store used in tests and local setups.
type Memory struct {
	mu         sync.Mutex
	boards     map[string]Board
	privileges map[string][]string
}

func NewMemory() *Memory {
	return &Memory{
		boards:     make(map[string]Board),
		privileges: make(map[string][]string),
	}
}

func (s *Memory) CreateBoard(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.boards[id] = Board{ID: id, Name: name, Public: true}
	return id, nil
}

func (s *Memory) SetBoardStorage(_ context.Context, id, storage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boards[id]
	if !ok {
		return ErrNotFound
	}
	b.Storage = storage
	s.boards[id] = b
	return nil
}

func (s *Memory) RemoveBoard(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.boards[id]; !ok {
		return ErrNotFound
	}
	delete(s.boards, id)
	delete(s.privileges, id)
	return nil
}

func (s *Memory) GetBoard(_ context.Context, id string) (Board, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boards[id]
	if !ok {
		return Board{}, ErrNotFound
	}
	return b, nil
}

func (s *Memory) AllowedUsers(_ context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boards[id]
	if !ok {
		return nil, ErrNotFound
	}
	if b.Public {
		return nil, nil
	}
	allowed := []string{}
	if b.Owner != "" {
		allowed = append(allowed, b.Owner)
	}
	return append(allowed, s.privileges[id]...), nil
}

// Count returns the number of stored boards.
func (s *Memory) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.boards)
}

// Restrict marks a board private with the given owner.
func (s *Memory) Restrict(id, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.boards[id]; ok {
		b.Public = false
		b.Owner = owner
		s.boards[id] = b
	}
}

// Grant adds a user to a board's privilege list.
func (s *Memory) Grant(id, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.privileges[id] = append(s.privileges[id], user)
}
