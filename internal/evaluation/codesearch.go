package evaluation

import (
	"context"

	"github.com/fulib/feedback/internal/search"
	"github.com/fulib/feedback/internal/store"
	"github.com/fulib/feedback/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var codeSearchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "feedback",
	Subsystem: "codesearch",
	Name:      "evaluations_total",
	Help:      "Derived evaluations written by code search",
}, []string{"op"})

// solutionMatch collects the snippets found in one solution. Complete is set when every
// searched snippet was found there.
type solutionMatch struct {
	Solution string
	Snippets []models.Snippet
	Complete bool
}

// codeSearch looks up every snippet in the assignment and groups the hits by solution, in
// the order the solutions were first seen. Each hit carries the comment of the snippet
// that found it.
func (s *Service) codeSearch(ctx context.Context, assignment string, snippets []models.Snippet) ([]solutionMatch, error) {
	results := make([][]models.SearchResult, len(snippets))
	g, gctx := errgroup.WithContext(ctx)
	for i, snippet := range snippets {
		g.Go(func() error {
			res, err := s.Search.Find(gctx, assignment, snippet.Code, search.NoContext)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var order []string
	counts := make(map[string]int)
	found := make(map[string][]models.Snippet)
	for i, res := range results {
		comment := snippets[i].Comment
		for _, r := range res {
			if _, seen := counts[r.Solution]; !seen {
				order = append(order, r.Solution)
			}
			counts[r.Solution]++
			for _, hit := range r.Snippets {
				sn := hit.Snippet
				sn.Comment = comment
				found[r.Solution] = append(found[r.Solution], sn)
			}
		}
	}

	out := make([]solutionMatch, 0, len(order))
	for _, solution := range order {
		out = append(out, solutionMatch{
			Solution: solution,
			Snippets: found[solution],
			Complete: counts[solution] == len(snippets),
		})
	}
	return out, nil
}

// codeSearchCreate inserts a derived evaluation into every other solution that contains
// all snippets of origin, unless that solution already has one for the task.
func (s *Service) codeSearchCreate(ctx context.Context, origin models.Evaluation) (int, error) {
	matches, err := s.codeSearch(ctx, origin.Assignment, origin.Snippets)
	if err != nil {
		return 0, err
	}

	var writes []store.EvaluationWrite
	for _, m := range matches {
		if !m.Complete || m.Solution == origin.Solution {
			continue
		}
		writes = append(writes, store.EvaluationWrite{
			Kind:       store.WriteInsertIfAbsent,
			Evaluation: s.derive(origin, m),
		})
	}

	res, err := s.Store.BulkWriteEvaluations(ctx, writes)
	if err != nil {
		return 0, err
	}
	codeSearchTotal.WithLabelValues("created").Add(float64(res.Upserted))
	log.Info().Str("origin", origin.ID).Int("solutions", len(matches)).Int64("created", res.Upserted).Msg("code search create")
	return int(res.Upserted), nil
}

// codeSearchUpdate rewrites the evaluations derived from origin. Solutions that still
// contain every snippet get the new task, remark, points and snippets; derived evaluations
// in all other solutions are deleted. No evaluations are inserted.
func (s *Service) codeSearchUpdate(ctx context.Context, oldTask string, origin models.Evaluation) (int, int, error) {
	matches, err := s.codeSearch(ctx, origin.Assignment, origin.Snippets)
	if err != nil {
		return 0, 0, err
	}
	derived, err := s.Store.FindEvaluations(ctx, store.EvaluationFilter{
		Assignment: origin.Assignment,
		Author:     models.CodeSearchAuthor,
		Origin:     origin.ID,
	})
	if err != nil {
		return 0, 0, err
	}

	complete := make(map[string]bool)
	var writes []store.EvaluationWrite
	for _, m := range matches {
		if !m.Complete || m.Solution == origin.Solution {
			continue
		}
		complete[m.Solution] = true
		writes = append(writes, store.EvaluationWrite{
			Kind: store.WriteUpdate,
			Filter: store.EvaluationFilter{
				Assignment: origin.Assignment,
				Solution:   m.Solution,
				Task:       oldTask,
				Author:     models.CodeSearchAuthor,
				Origin:     origin.ID,
			},
			Patch: store.EvaluationPatch{
				Task:     &origin.Task,
				Remark:   &origin.Remark,
				Points:   &origin.Points,
				Snippets: m.Snippets,
			},
		})
	}
	for _, d := range derived {
		if complete[d.Solution] {
			continue
		}
		writes = append(writes, store.EvaluationWrite{
			Kind:   store.WriteDelete,
			Filter: store.EvaluationFilter{ID: d.ID, Author: models.CodeSearchAuthor, Origin: origin.ID},
		})
	}

	res, err := s.Store.BulkWriteEvaluations(ctx, writes)
	if err != nil {
		return 0, 0, err
	}
	codeSearchTotal.WithLabelValues("updated").Add(float64(res.Modified))
	codeSearchTotal.WithLabelValues("deleted").Add(float64(res.Deleted))
	log.Info().Str("origin", origin.ID).Int64("updated", res.Modified).Int64("deleted", res.Deleted).Msg("code search update")
	return int(res.Modified), int(res.Deleted), nil
}

// codeSearchDelete removes every untouched evaluation derived from origin.
func (s *Service) codeSearchDelete(ctx context.Context, origin models.Evaluation) (int, error) {
	n, err := s.Store.DeleteEvaluations(ctx, store.EvaluationFilter{
		Assignment: origin.Assignment,
		Task:       origin.Task,
		Author:     models.CodeSearchAuthor,
		Origin:     origin.ID,
	})
	if err != nil {
		return 0, err
	}
	codeSearchTotal.WithLabelValues("deleted").Add(float64(n))
	log.Info().Str("origin", origin.ID).Int64("deleted", n).Msg("code search delete")
	return int(n), nil
}

func (s *Service) derive(origin models.Evaluation, m solutionMatch) models.Evaluation {
	return models.Evaluation{
		ID:         s.newID(),
		Assignment: origin.Assignment,
		Solution:   m.Solution,
		Task:       origin.Task,
		Author:     models.CodeSearchAuthor,
		Remark:     origin.Remark,
		Points:     origin.Points,
		Snippets:   m.Snippets,
		CodeSearch: &models.CodeSearchInfo{Origin: origin.ID},
	}
}
