package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fulib/feedback/pkg/models"
	"github.com/jackc/pgx/v5"
)

// EvaluationStore defines the methods that the evaluation service needs from storage.
type EvaluationStore interface {
	CreateEvaluation(ctx context.Context, e models.Evaluation) (models.Evaluation, error)
	GetEvaluation(ctx context.Context, id string) (models.Evaluation, bool, error)
	FindEvaluations(ctx context.Context, f EvaluationFilter) ([]models.Evaluation, error)
	UpdateEvaluation(ctx context.Context, id string, p EvaluationPatch) (models.Evaluation, bool, error)
	DeleteEvaluation(ctx context.Context, id string) (models.Evaluation, bool, error)
	DeleteEvaluations(ctx context.Context, f EvaluationFilter) (int64, error)
	BulkWriteEvaluations(ctx context.Context, writes []EvaluationWrite) (BulkResult, error)
	CountEvaluations(ctx context.Context, assignment string) (models.EvaluationStatistics, error)
}

// EvaluationFilter matches evaluations on every non-empty field.
type EvaluationFilter struct {
	ID         string
	Assignment string
	Solution   string
	Task       string
	Author     string
	Origin     string // codeSearch.origin
	File       string // any snippet in this file
}

func (f EvaluationFilter) empty() bool {
	return f == EvaluationFilter{}
}

// EvaluationPatch lists the fields to change. Nil fields are left untouched.
type EvaluationPatch struct {
	Task     *string
	Author   *string
	Remark   *string
	Points   *float64
	Snippets []models.Snippet
}

type WriteKind int

const (
	// WriteInsertIfAbsent inserts Evaluation unless one exists for its (assignment, solution, task).
	WriteInsertIfAbsent WriteKind = iota
	// WriteUpdate applies Patch to every evaluation matching Filter.
	WriteUpdate
	// WriteDelete deletes every evaluation matching Filter.
	WriteDelete
)

func (k WriteKind) String() string {
	switch k {
	case WriteInsertIfAbsent:
		return "insert-if-absent"
	case WriteUpdate:
		return "update"
	case WriteDelete:
		return "delete"
	}
	return fmt.Sprintf("WriteKind(%d)", int(k))
}

// EvaluationWrite is one operation of a bulk write.
type EvaluationWrite struct {
	Kind       WriteKind
	Evaluation models.Evaluation
	Filter     EvaluationFilter
	Patch      EvaluationPatch
}

// BulkResult counts the rows affected by a bulk write, by operation kind.
type BulkResult struct {
	Upserted int64
	Modified int64
	Deleted  int64
}

const evaluationColumns = `id, assignment, solution, task, author, remark, points, snippets,
	created_by, code_search_origin, created_at, updated_at`

// CreateEvaluation inserts a new evaluation. It returns ErrDuplicate if an evaluation
// already exists for the same (assignment, solution, task).
func (s *Store) CreateEvaluation(ctx context.Context, e models.Evaluation) (models.Evaluation, error) {
	q, args := insertEvaluationQuery(e, false)
	row := s.pool.QueryRow(ctx, q+" RETURNING "+evaluationColumns, args...)
	out, err := scanEvaluation(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Evaluation{}, ErrDuplicate
		}
		return models.Evaluation{}, err
	}
	return out, nil
}

func (s *Store) GetEvaluation(ctx context.Context, id string) (models.Evaluation, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE id = $1`, id)
	return scanOptionalEvaluation(row)
}

// FindEvaluations returns the evaluations matching f, oldest first.
func (s *Store) FindEvaluations(ctx context.Context, f EvaluationFilter) ([]models.Evaluation, error) {
	where, args := evaluationWhere(f, 1)
	rows, err := s.pool.Query(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Evaluation{}
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEvaluation applies p to one evaluation and returns the updated row.
func (s *Store) UpdateEvaluation(ctx context.Context, id string, p EvaluationPatch) (models.Evaluation, bool, error) {
	set, args := evaluationSet(p, 1)
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE evaluations SET %s WHERE id = $%d RETURNING %s`, set, len(args), evaluationColumns)
	out, found, err := scanOptionalEvaluation(s.pool.QueryRow(ctx, q, args...))
	if err != nil && isUniqueViolation(err) {
		return models.Evaluation{}, false, ErrDuplicate
	}
	return out, found, err
}

// DeleteEvaluation deletes one evaluation and returns it.
func (s *Store) DeleteEvaluation(ctx context.Context, id string) (models.Evaluation, bool, error) {
	row := s.pool.QueryRow(ctx, `DELETE FROM evaluations WHERE id = $1 RETURNING `+evaluationColumns, id)
	return scanOptionalEvaluation(row)
}

// DeleteEvaluations deletes every evaluation matching f. An empty filter is rejected.
func (s *Store) DeleteEvaluations(ctx context.Context, f EvaluationFilter) (int64, error) {
	if f.empty() {
		return 0, errors.New("store: refusing to delete evaluations with an empty filter")
	}
	where, args := evaluationWhere(f, 1)
	tag, err := s.pool.Exec(ctx, `DELETE FROM evaluations WHERE `+where, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// BulkWriteEvaluations sends all writes in one round trip inside a single transaction.
// Either every write is applied or none is.
func (s *Store) BulkWriteEvaluations(ctx context.Context, writes []EvaluationWrite) (BulkResult, error) {
	var res BulkResult
	if len(writes) == 0 {
		return res, nil
	}

	batch := &pgx.Batch{}
	for i, w := range writes {
		q, args, err := w.statement()
		if err != nil {
			return res, fmt.Errorf("write %d: %w", i, err)
		}
		batch.Queue(q, args...)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	br := tx.SendBatch(ctx, batch)
	for i, w := range writes {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			if isUniqueViolation(err) {
				return BulkResult{}, fmt.Errorf("write %d (%s): %w", i, w.Kind, ErrDuplicate)
			}
			return BulkResult{}, fmt.Errorf("write %d (%s): %w", i, w.Kind, err)
		}
		switch w.Kind {
		case WriteInsertIfAbsent:
			res.Upserted += tag.RowsAffected()
		case WriteUpdate:
			res.Modified += tag.RowsAffected()
		case WriteDelete:
			res.Deleted += tag.RowsAffected()
		}
	}
	if err := br.Close(); err != nil {
		return BulkResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return BulkResult{}, err
	}
	return res, nil
}

// CountEvaluations classifies the evaluations of an assignment by provenance.
func (s *Store) CountEvaluations(ctx context.Context, assignment string) (models.EvaluationStatistics, error) {
	var st models.EvaluationStatistics
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE code_search_origin IS NOT NULL AND author = $2),
			count(*) FILTER (WHERE code_search_origin IS NOT NULL AND author <> $2),
			count(*) FILTER (WHERE code_search_origin IS NULL),
			count(*)
		FROM evaluations WHERE assignment = $1`,
		assignment, models.CodeSearchAuthor,
	).Scan(&st.CodeSearch, &st.EditedCodeSearch, &st.Manual, &st.Total)
	return st, err
}

func (w EvaluationWrite) statement() (string, []any, error) {
	switch w.Kind {
	case WriteInsertIfAbsent:
		q, args := insertEvaluationQuery(w.Evaluation, true)
		return q, args, nil
	case WriteUpdate:
		if w.Filter.empty() {
			return "", nil, errors.New("update without filter")
		}
		set, args := evaluationSet(w.Patch, 1)
		where, wargs := evaluationWhere(w.Filter, len(args)+1)
		return `UPDATE evaluations SET ` + set + ` WHERE ` + where, append(args, wargs...), nil
	case WriteDelete:
		if w.Filter.empty() {
			return "", nil, errors.New("delete without filter")
		}
		where, args := evaluationWhere(w.Filter, 1)
		return `DELETE FROM evaluations WHERE ` + where, args, nil
	}
	return "", nil, fmt.Errorf("unknown write kind %d", int(w.Kind))
}

func insertEvaluationQuery(e models.Evaluation, ifAbsent bool) (string, []any) {
	var origin *string
	if e.CodeSearch != nil && e.CodeSearch.Origin != "" {
		origin = &e.CodeSearch.Origin
	}
	snippets := e.Snippets
	if snippets == nil {
		snippets = []models.Snippet{}
	}
	q := `
		INSERT INTO evaluations (id, assignment, solution, task, author, remark, points, snippets,
			created_by, code_search_origin, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())`
	if ifAbsent {
		q += `
		ON CONFLICT (assignment, solution, task) DO NOTHING`
	}
	return q, []any{e.ID, e.Assignment, e.Solution, e.Task, e.Author, e.Remark, e.Points,
		snippets, e.CreatedBy, origin}
}

// evaluationWhere builds the filter for f, numbering parameters from argStart.
func evaluationWhere(f EvaluationFilter, argStart int) (string, []any) {
	conds := []string{"TRUE"}
	var args []any
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, argStart+len(args)-1))
	}
	add("id", f.ID)
	add("assignment", f.Assignment)
	add("solution", f.Solution)
	add("task", f.Task)
	add("author", f.Author)
	add("code_search_origin", f.Origin)
	if f.File != "" {
		args = append(args, f.File)
		conds = append(conds, fmt.Sprintf(
			"snippets @> jsonb_build_array(jsonb_build_object('file', $%d::text))", argStart+len(args)-1))
	}
	return strings.Join(conds, " AND "), args
}

// evaluationSet builds the SET clause for p, numbering parameters from argStart.
// updated_at is always refreshed.
func evaluationSet(p EvaluationPatch, argStart int) (string, []any) {
	var sets []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, argStart+len(args)-1))
	}
	if p.Task != nil {
		add("task", *p.Task)
	}
	if p.Author != nil {
		add("author", *p.Author)
	}
	if p.Remark != nil {
		add("remark", *p.Remark)
	}
	if p.Points != nil {
		add("points", *p.Points)
	}
	if p.Snippets != nil {
		add("snippets", p.Snippets)
	}
	sets = append(sets, "updated_at = now()")
	return strings.Join(sets, ", "), args
}

func scanEvaluation(row pgx.Row) (models.Evaluation, error) {
	var e models.Evaluation
	var origin *string
	err := row.Scan(&e.ID, &e.Assignment, &e.Solution, &e.Task, &e.Author, &e.Remark, &e.Points,
		&e.Snippets, &e.CreatedBy, &origin, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return models.Evaluation{}, err
	}
	if origin != nil {
		e.CodeSearch = &models.CodeSearchInfo{Origin: *origin}
	}
	return e, nil
}

func scanOptionalEvaluation(row pgx.Row) (models.Evaluation, bool, error) {
	e, err := scanEvaluation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Evaluation{}, false, nil
		}
		return models.Evaluation{}, false, err
	}
	return e, true, nil
}
