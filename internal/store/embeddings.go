package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulib/feedback/pkg/models"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"
)

// EmbeddingIndex defines the methods the embedding service needs from storage.
type EmbeddingIndex interface {
	EnsureEmbeddingIndex(ctx context.Context, dim int) error
	GetEmbeddable(ctx context.Context, id string) (models.Embeddable, bool, error)
	PutEmbeddable(ctx context.Context, e models.Embeddable) error
	NearestEmbeddables(ctx context.Context, q models.NearestQuery, k, candidates int) ([]models.ScoredEmbeddable, error)
	DeleteTaskEmbeddablesNotIn(ctx context.Context, assignment string, keep []string) (int64, error)
	DeleteSolutionEmbeddables(ctx context.Context, assignment, solution string) (int64, error)
}

// EnsureEmbeddingIndex creates the embeddings table if needed and verifies that an existing
// vector column has the expected dimensionality.
func (s *Store) EnsureEmbeddingIndex(ctx context.Context, dim int) error {
	q := `
CREATE TABLE IF NOT EXISTS embeddings (
  id          TEXT PRIMARY KEY,
  type        TEXT NOT NULL,
  assignment  TEXT NOT NULL,
  task        TEXT,
  solution    TEXT,
  file        TEXT,
  line        INT,
  text        TEXT NOT NULL,
  embedding   vector(%d),
  updated_at  TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE INDEX IF NOT EXISTS embeddings_assignment_type_idx
  ON embeddings (assignment, type);
CREATE INDEX IF NOT EXISTS embeddings_assignment_solution_idx
  ON embeddings (assignment, solution);
CREATE INDEX IF NOT EXISTS embeddings_assignment_task_idx
  ON embeddings (assignment, task);

CREATE INDEX IF NOT EXISTS embeddings_embedding_hnsw
  ON embeddings USING hnsw (embedding vector_cosine_ops);
`
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(q, dim)); err != nil {
		return err
	}

	var actual string
	err := s.pool.QueryRow(ctx, `
		SELECT format_type(atttypid, atttypmod) FROM pg_attribute
		WHERE attrelid = 'embeddings'::regclass AND attname = 'embedding'`).Scan(&actual)
	if err != nil {
		return err
	}
	if want := fmt.Sprintf("vector(%d)", dim); actual != want {
		return fmt.Errorf("embeddings.embedding is %s, want %s", actual, want)
	}
	return nil
}

const embeddableColumns = `id, type, assignment, task, solution, file, line, text`

// GetEmbeddable loads one embeddable including its vector.
func (s *Store) GetEmbeddable(ctx context.Context, id string) (models.Embeddable, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+embeddableColumns+`, embedding FROM embeddings WHERE id = $1`, id)

	var r embeddableRow
	var vec *pgvector.Vector
	err := row.Scan(&r.ID, &r.Type, &r.Assignment, &r.Task, &r.Solution, &r.File, &r.Line, &r.Text, &vec)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	e, err := r.embeddable()
	if err != nil {
		return nil, false, err
	}
	if vec != nil {
		e.Base().Embedding = vec.Slice()
	}
	return e, true, nil
}

// PutEmbeddable inserts or replaces an embeddable.
func (s *Store) PutEmbeddable(ctx context.Context, e models.Embeddable) error {
	var task, solution, file *string
	var line *int
	switch v := e.(type) {
	case *models.TaskEmbeddable:
		task = &v.Task
	case *models.SnippetEmbeddable:
		solution, file, line = &v.Solution, &v.File, &v.Line
	default:
		return fmt.Errorf("unsupported embeddable %T", e)
	}

	b := e.Base()
	var vec any = (*pgvector.Vector)(nil)
	if len(b.Embedding) > 0 {
		vec = pgvector.NewVector(b.Embedding)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO embeddings (id, type, assignment, task, solution, file, line, text, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (id) DO UPDATE SET
			type       = EXCLUDED.type,
			assignment = EXCLUDED.assignment,
			task       = EXCLUDED.task,
			solution   = EXCLUDED.solution,
			file       = EXCLUDED.file,
			line       = EXCLUDED.line,
			text       = EXCLUDED.text,
			embedding  = EXCLUDED.embedding,
			updated_at = EXCLUDED.updated_at`,
		b.ID, string(b.Type), b.Assignment, task, solution, file, line, b.Text, vec)
	return err
}

// NearestEmbeddables lists embeddables matching the query filter. With a query vector the
// result holds the k nearest by cosine distance, exploring `candidates` graph entries;
// without one it is a plain filtered listing of at most k entries with score 0.
// Vectors are never returned.
func (s *Store) NearestEmbeddables(ctx context.Context, q models.NearestQuery, k, candidates int) ([]models.ScoredEmbeddable, error) {
	if len(q.Embedding) == 0 {
		where, args := embeddableWhere(q, 1)
		args = append(args, k)
		sql := fmt.Sprintf(`SELECT %s, 0::float8 FROM embeddings WHERE %s ORDER BY id LIMIT $%d`,
			embeddableColumns, where, len(args))
		return s.queryScored(ctx, s.pool, sql, args...)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", candidates)); err != nil {
		return nil, err
	}

	where, args := embeddableWhere(q, 2)
	args = append([]any{pgvector.NewVector(q.Embedding)}, args...)
	args = append(args, k)
	sql := fmt.Sprintf(`
		SELECT %s, (2 - (embedding <=> $1)) / 2 AS score
		FROM embeddings
		WHERE %s AND embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $%d`, embeddableColumns, where, len(args))

	out, err := s.queryScored(ctx, tx, sql, args...)
	if err != nil {
		return nil, err
	}
	return out, tx.Commit(ctx)
}

// DeleteTaskEmbeddablesNotIn deletes the task embeddables of an assignment whose task is
// not in keep.
func (s *Store) DeleteTaskEmbeddablesNotIn(ctx context.Context, assignment string, keep []string) (int64, error) {
	if keep == nil {
		keep = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM embeddings
		WHERE assignment = $1 AND type = $2 AND NOT (task = ANY($3))`,
		assignment, string(models.EmbeddableTask), keep)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteSolutionEmbeddables(ctx context.Context, assignment, solution string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM embeddings WHERE assignment = $1 AND solution = $2`, assignment, solution)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) queryScored(ctx context.Context, db querier, sql string, args ...any) ([]models.ScoredEmbeddable, error) {
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.ScoredEmbeddable{}
	for rows.Next() {
		var r embeddableRow
		var score float64
		if err := rows.Scan(&r.ID, &r.Type, &r.Assignment, &r.Task, &r.Solution, &r.File, &r.Line, &r.Text, &score); err != nil {
			return nil, err
		}
		e, err := r.embeddable()
		if err != nil {
			return nil, err
		}
		out = append(out, models.ScoredEmbeddable{Embeddable: e, Score: score})
	}
	return out, rows.Err()
}

// embeddableWhere builds the exact-match filter for q, numbering parameters from argStart.
func embeddableWhere(q models.NearestQuery, argStart int) (string, []any) {
	where := "TRUE"
	var args []any
	add := func(column, value string) {
		if value == "" {
			return
		}
		where += fmt.Sprintf(" AND %s = $%d", column, argStart+len(args))
		args = append(args, value)
	}
	add("assignment", q.Assignment)
	add("type", string(q.Type))
	add("solution", q.Solution)
	add("task", q.Task)
	add("file", q.File)
	return where, args
}

type embeddableRow struct {
	ID, Type, Assignment, Text string
	Task, Solution, File       *string
	Line                       *int
}

func (r embeddableRow) embeddable() (models.Embeddable, error) {
	switch models.EmbeddableType(r.Type) {
	case models.EmbeddableTask:
		return models.NewTaskEmbeddable(r.ID, r.Assignment, deref(r.Task), r.Text), nil
	case models.EmbeddableSnippet:
		line := 0
		if r.Line != nil {
			line = *r.Line
		}
		return models.NewSnippetEmbeddable(r.ID, r.Assignment, deref(r.Solution), deref(r.File), line, r.Text), nil
	default:
		return nil, fmt.Errorf("embeddable %s has unknown type %q", r.ID, r.Type)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
