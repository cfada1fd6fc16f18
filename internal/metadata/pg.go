package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS boards (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	storage TEXT NOT NULL DEFAULT '',
	public BOOLEAN NOT NULL DEFAULT TRUE,
	owner TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS board_privileges (
	board_id TEXT NOT NULL REFERENCES boards(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	PRIMARY KEY (board_id, user_id)
);`

// PG is the Postgres-backed metadata store.
type PG struct {
	pool *pgxpool.Pool
}

// OpenPG connects to Postgres and makes sure the schema exists.
func OpenPG(ctx context.Context, url string) (*PG, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to metadata db: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init metadata schema: %w", err)
	}
	return &PG{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *PG) Close() {
	s.pool.Close()
}

func (s *PG) CreateBoard(ctx context.Context, name string) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO boards (id, name) VALUES ($1, $2)`, id, name)
	if err != nil {
		return "", fmt.Errorf("create board: %w", err)
	}
	return id, nil
}

func (s *PG) SetBoardStorage(ctx context.Context, id, storage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE boards SET storage = $2 WHERE id = $1`, id, storage)
	if err != nil {
		return fmt.Errorf("set board storage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PG) RemoveBoard(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM boards WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("remove board: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PG) GetBoard(ctx context.Context, id string) (Board, error) {
	var b Board
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, storage, public, owner FROM boards WHERE id = $1`, id).
		Scan(&b.ID, &b.Name, &b.Storage, &b.Public, &b.Owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return Board{}, ErrNotFound
	}
	if err != nil {
		return Board{}, fmt.Errorf("get board: %w", err)
	}
	return b, nil
}

func (s *PG) AllowedUsers(ctx context.Context, id string) ([]string, error) {
	board, err := s.GetBoard(ctx, id)
	if err != nil {
		return nil, err
	}
	if board.Public {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM board_privileges WHERE board_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get board privileges: %w", err)
	}
	defer rows.Close()
	allowed := []string{}
	if board.Owner != "" {
		allowed = append(allowed, board.Owner)
	}
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, fmt.Errorf("scan board privilege: %w", err)
		}
		allowed = append(allowed, user)
	}
	return allowed, rows.Err()
}
