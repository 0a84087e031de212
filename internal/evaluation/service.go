// Package evaluation manages grading remarks on solutions and mirrors them onto other
// solutions that contain the same code.
package evaluation

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulib/feedback/internal/store"
	"github.com/fulib/feedback/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrInvalidEvaluation is returned when a create or update request fails validation.
var ErrInvalidEvaluation = errors.New("evaluation: invalid request")

// Searcher finds code in the indexed files of an assignment.
type Searcher interface {
	Find(ctx context.Context, assignment, snippet string, contextLines int) ([]models.SearchResult, error)
}

// CreateRequest is the payload of a new evaluation. With CodeSearch set and at least one
// snippet, the evaluation is copied to every other solution containing all of its snippets.
type CreateRequest struct {
	Task       string           `json:"task" validate:"required"`
	Author     string           `json:"author" validate:"required"`
	Remark     string           `json:"remark"`
	Points     float64          `json:"points"`
	Snippets   []models.Snippet `json:"snippets" validate:"dive"`
	CodeSearch bool             `json:"codeSearch"`
}

// UpdateRequest lists the fields to change; nil fields keep their value.
type UpdateRequest struct {
	Task       *string          `json:"task" validate:"omitempty,min=1"`
	Author     *string          `json:"author" validate:"omitempty,min=1"`
	Remark     *string          `json:"remark"`
	Points     *float64         `json:"points"`
	Snippets   []models.Snippet `json:"snippets" validate:"omitempty,dive"`
	CodeSearch bool             `json:"codeSearch"`
}

func (r UpdateRequest) patch() store.EvaluationPatch {
	return store.EvaluationPatch{
		Task:     r.Task,
		Author:   r.Author,
		Remark:   r.Remark,
		Points:   r.Points,
		Snippets: r.Snippets,
	}
}

type Service struct {
	Store  store.EvaluationStore
	Search Searcher

	validator *validator.Validate
	newID     func() string
}

func NewService(st store.EvaluationStore, search Searcher, validate *validator.Validate) *Service {
	return &Service{
		Store:     st,
		Search:    search,
		validator: validate,
		newID:     uuid.NewString,
	}
}

// Create stores a new evaluation of one solution. It returns store.ErrDuplicate when the
// solution already has an evaluation for the task.
func (s *Service) Create(ctx context.Context, assignment, solution, createdBy string, req CreateRequest) (models.Evaluation, error) {
	if err := s.validator.Struct(req); err != nil {
		return models.Evaluation{}, fmt.Errorf("%w: %v", ErrInvalidEvaluation, err)
	}

	e, err := s.Store.CreateEvaluation(ctx, models.Evaluation{
		ID:         s.newID(),
		Assignment: assignment,
		Solution:   solution,
		Task:       req.Task,
		Author:     req.Author,
		Remark:     req.Remark,
		Points:     req.Points,
		Snippets:   req.Snippets,
		CreatedBy:  createdBy,
	})
	if err != nil {
		return models.Evaluation{}, err
	}

	if req.CodeSearch && len(req.Snippets) > 0 {
		created, err := s.codeSearchCreate(ctx, e)
		if err != nil {
			return e, fmt.Errorf("code search for %s: %w", e.ID, err)
		}
		e.CodeSearch = &models.CodeSearchInfo{Created: created}
	}
	return e, nil
}

// FindAll returns the evaluations matching f, oldest first.
func (s *Service) FindAll(ctx context.Context, f store.EvaluationFilter) ([]models.Evaluation, error) {
	return s.Store.FindEvaluations(ctx, f)
}

func (s *Service) FindOne(ctx context.Context, id string) (models.Evaluation, bool, error) {
	return s.Store.GetEvaluation(ctx, id)
}

// Update changes an evaluation. With CodeSearch set and new snippets, the evaluations derived
// from it are brought in line: still matching solutions are updated, the others deleted.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (models.Evaluation, bool, error) {
	if err := s.validator.Struct(req); err != nil {
		return models.Evaluation{}, false, fmt.Errorf("%w: %v", ErrInvalidEvaluation, err)
	}

	old, ok, err := s.Store.GetEvaluation(ctx, id)
	if err != nil || !ok {
		return models.Evaluation{}, ok, err
	}
	e, ok, err := s.Store.UpdateEvaluation(ctx, id, req.patch())
	if err != nil || !ok {
		return models.Evaluation{}, ok, err
	}

	if req.CodeSearch && len(req.Snippets) > 0 {
		updated, deleted, err := s.codeSearchUpdate(ctx, old.Task, e)
		if err != nil {
			return e, true, fmt.Errorf("code search for %s: %w", e.ID, err)
		}
		info := models.CodeSearchInfo{Updated: updated, Deleted: deleted}
		if e.CodeSearch != nil {
			info.Origin = e.CodeSearch.Origin
		}
		e.CodeSearch = &info
	}
	return e, true, nil
}

// Remove deletes an evaluation together with every evaluation derived from it.
func (s *Service) Remove(ctx context.Context, id string) (models.Evaluation, bool, error) {
	e, ok, err := s.Store.DeleteEvaluation(ctx, id)
	if err != nil || !ok {
		return e, ok, err
	}

	deleted, err := s.codeSearchDelete(ctx, e)
	if err != nil {
		return e, true, fmt.Errorf("code search for %s: %w", e.ID, err)
	}
	info := models.CodeSearchInfo{Deleted: deleted}
	if e.CodeSearch != nil {
		info.Origin = e.CodeSearch.Origin
	}
	e.CodeSearch = &info
	return e, true, nil
}

// RemoveBySolution deletes the evaluations of a solution and the evaluations derived from
// them in other solutions, in one transaction.
func (s *Service) RemoveBySolution(ctx context.Context, assignment, solution string) (int64, error) {
	own, err := s.Store.FindEvaluations(ctx, store.EvaluationFilter{Assignment: assignment, Solution: solution})
	if err != nil {
		return 0, err
	}
	if len(own) == 0 {
		return 0, nil
	}

	writes := make([]store.EvaluationWrite, 0, len(own)+1)
	for _, e := range own {
		writes = append(writes, store.EvaluationWrite{
			Kind:   store.WriteDelete,
			Filter: store.EvaluationFilter{Assignment: assignment, Author: models.CodeSearchAuthor, Origin: e.ID},
		})
	}
	writes = append(writes, store.EvaluationWrite{
		Kind:   store.WriteDelete,
		Filter: store.EvaluationFilter{Assignment: assignment, Solution: solution},
	})

	res, err := s.Store.BulkWriteEvaluations(ctx, writes)
	if err != nil {
		return 0, err
	}
	log.Info().Str("assignment", assignment).Str("solution", solution).Int64("deleted", res.Deleted).Msg("removed solution evaluations")
	return res.Deleted, nil
}

// Statistics counts the evaluations of an assignment by provenance.
func (s *Service) Statistics(ctx context.Context, assignment string) (models.EvaluationStatistics, error) {
	return s.Store.CountEvaluations(ctx, assignment)
}
