package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fulib/feedback/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// IndexInfo describes the physical index an alias points at.
type IndexInfo struct {
	Name     string
	Settings []byte
}

// FileIndex defines the methods the search engine needs from the file index storage.
// Every method that reads or writes documents takes the physical index name.
type FileIndex interface {
	IndexAlias(ctx context.Context, alias string) (IndexInfo, bool, error)
	ListIndices(ctx context.Context, alias string) ([]string, error)
	CreateFileIndex(ctx context.Context, name string) error
	DropIndex(ctx context.Context, name string) error
	Reindex(ctx context.Context, src, dst string, analyze func(content string) string) (int64, error)
	SwapAlias(ctx context.Context, alias string, settings []byte, oldIndex, newIndex string) error

	PutFile(ctx context.Context, index string, f models.SourceFile, terms string) error
	MatchPhrase(ctx context.Context, index, assignment, terms string, limit int) ([]models.SourceFile, error)
	ListFiles(ctx context.Context, index, assignment string) ([]models.SourceFile, error)
	DeleteFiles(ctx context.Context, index, assignment, solution string) (int64, error)
}

const reindexBatchSize = 500

func ident(parts ...string) string {
	return pgx.Identifier{strings.Join(parts, "_")}.Sanitize()
}

// IndexAlias returns the index an alias points at.
func (s *Store) IndexAlias(ctx context.Context, alias string) (IndexInfo, bool, error) {
	var info IndexInfo
	err := s.pool.QueryRow(ctx,
		`SELECT target, settings FROM index_aliases WHERE alias = $1`, alias,
	).Scan(&info.Name, &info.Settings)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IndexInfo{}, false, nil
		}
		return IndexInfo{}, false, err
	}
	return info, true, nil
}

// ListIndices returns the physical tables named <alias>_<suffix>.
func (s *Store) ListIndices(ctx context.Context, alias string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = current_schema() AND tablename LIKE $1 ESCAPE '\'
		ORDER BY tablename`, likeEscape(alias+"_")+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// CreateFileIndex creates an empty file index table.
func (s *Store) CreateFileIndex(ctx context.Context, name string) error {
	q := fmt.Sprintf(`
CREATE TABLE %[1]s (
  id          TEXT PRIMARY KEY,
  assignment  TEXT NOT NULL,
  solution    TEXT NOT NULL,
  file        TEXT NOT NULL,
  content     TEXT NOT NULL,
  terms       TEXT NOT NULL,
  indexed_at  TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE INDEX %[2]s ON %[1]s (assignment, solution);

CREATE INDEX %[3]s ON %[1]s USING GIN (terms gin_trgm_ops);
`, ident(name), ident(name, "assignment_idx"), ident(name, "terms_trgm"))
	_, err := s.pool.Exec(ctx, q)
	return err
}

func (s *Store) DropIndex(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+ident(name))
	return err
}

// Reindex copies every document from src to dst, recomputing the analyzed terms.
func (s *Store) Reindex(ctx context.Context, src, dst string, analyze func(content string) string) (int64, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT assignment, solution, file, content FROM %s ORDER BY id`, ident(src)))
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	insert := upsertFileQuery(dst)
	var copied int64
	batch := &pgx.Batch{}
	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		err := s.pool.SendBatch(ctx, batch).Close()
		batch = &pgx.Batch{}
		return err
	}

	for rows.Next() {
		var f models.SourceFile
		if err := rows.Scan(&f.Assignment, &f.Solution, &f.File, &f.Content); err != nil {
			return copied, err
		}
		batch.Queue(insert, f.ID(), f.Assignment, f.Solution, f.File, f.Content, analyze(f.Content))
		copied++
		if batch.Len() >= reindexBatchSize {
			if err := flush(); err != nil {
				return copied, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return copied, err
	}
	return copied, flush()
}

// SwapAlias atomically points alias at newIndex and drops oldIndex.
// An empty oldIndex creates the alias. The swap fails with ErrAliasMoved if the alias
// no longer points at oldIndex.
func (s *Store) SwapAlias(ctx context.Context, alias string, settings []byte, oldIndex, newIndex string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var tag pgconn.CommandTag
	if oldIndex == "" {
		tag, err = tx.Exec(ctx, `
			INSERT INTO index_aliases (alias, target, settings) VALUES ($1, $2, $3)
			ON CONFLICT (alias) DO NOTHING`, alias, newIndex, settings)
	} else {
		tag, err = tx.Exec(ctx, `
			UPDATE index_aliases SET target = $2, settings = $3, updated_at = now()
			WHERE alias = $1 AND target = $4`, alias, newIndex, settings, oldIndex)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrAliasMoved
	}

	if oldIndex != "" {
		if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+ident(oldIndex)); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func upsertFileQuery(index string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (id, assignment, solution, file, content, terms, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET
			content    = EXCLUDED.content,
			terms      = EXCLUDED.terms,
			indexed_at = EXCLUDED.indexed_at`, ident(index))
}

// PutFile inserts or replaces one source file document.
func (s *Store) PutFile(ctx context.Context, index string, f models.SourceFile, terms string) error {
	_, err := s.pool.Exec(ctx, upsertFileQuery(index),
		f.ID(), f.Assignment, f.Solution, f.File, f.Content, terms)
	return err
}

// MatchPhrase returns the files of an assignment whose term stream contains terms.
func (s *Store) MatchPhrase(ctx context.Context, index, assignment, terms string, limit int) ([]models.SourceFile, error) {
	q := fmt.Sprintf(`
		SELECT assignment, solution, file, content FROM %s
		WHERE assignment = $1 AND terms LIKE $2 ESCAPE '\'
		ORDER BY id
		LIMIT $3`, ident(index))
	return s.queryFiles(ctx, q, assignment, "%"+likeEscape(terms)+"%", limit)
}

// ListFiles returns every file of an assignment.
func (s *Store) ListFiles(ctx context.Context, index, assignment string) ([]models.SourceFile, error) {
	q := fmt.Sprintf(`
		SELECT assignment, solution, file, content FROM %s
		WHERE assignment = $1
		ORDER BY id`, ident(index))
	return s.queryFiles(ctx, q, assignment)
}

func (s *Store) DeleteFiles(ctx context.Context, index, assignment, solution string) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE assignment = $1 AND solution = $2`, ident(index)), assignment, solution)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) queryFiles(ctx context.Context, q string, args ...any) ([]models.SourceFile, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.SourceFile{}
	for rows.Next() {
		var f models.SourceFile
		if err := rows.Scan(&f.Assignment, &f.Solution, &f.File, &f.Content); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// likeEscape escapes the LIKE wildcards and the escape character itself.
func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
