package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicate is returned when an evaluation already exists for (assignment, solution, task).
var ErrDuplicate = errors.New("store: duplicate evaluation")

// ErrAliasMoved is returned when an alias no longer points at the index a swap expected.
var ErrAliasMoved = errors.New("store: alias moved concurrently")

// Store provides methods to interact with the database.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new Store instance connected to the given database URL.
func New(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Migrate applies the schema that does not depend on runtime configuration:
// extensions, the index alias registry and the evaluations table.
// File indices and the embeddings table are created by their owners.
func (s *Store) Migrate(ctx context.Context) error {
	const q = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS index_aliases (
  alias       TEXT PRIMARY KEY,
  target      TEXT NOT NULL,
  settings    JSONB NOT NULL,
  updated_at  TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE TABLE IF NOT EXISTS evaluations (
  id                  TEXT PRIMARY KEY,
  assignment          TEXT NOT NULL,
  solution            TEXT NOT NULL,
  task                TEXT NOT NULL,
  author              TEXT NOT NULL DEFAULT '',
  remark              TEXT NOT NULL DEFAULT '',
  points              DOUBLE PRECISION NOT NULL DEFAULT 0,
  snippets            JSONB NOT NULL DEFAULT '[]'::jsonb,
  created_by          TEXT NOT NULL DEFAULT '',
  code_search_origin  TEXT,
  created_at          TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
  updated_at          TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS evaluations_assignment_solution_task_uidx
  ON evaluations (assignment, solution, task);

CREATE INDEX IF NOT EXISTS evaluations_code_search_origin_idx
  ON evaluations (code_search_origin) WHERE code_search_origin IS NOT NULL;
`
	_, err := s.pool.Exec(ctx, q)
	return err
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
