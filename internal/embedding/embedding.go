// Package embedding stores task and code snippet embeddings and answers nearest neighbour
// queries over them.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/fulib/feedback/internal/ai"
	"github.com/fulib/feedback/internal/snippets"
	"github.com/fulib/feedback/internal/store"
	"github.com/fulib/feedback/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidEmbeddable is returned when an embeddable violates its field constraints.
var ErrInvalidEmbeddable = errors.New("embedding: invalid embeddable")

const (
	// NearestK is the number of neighbours returned by GetNearest.
	NearestK = 10
	// NearestCandidates is the number of graph candidates explored per query.
	NearestCandidates = 100

	createConcurrency = 8
)

var (
	tokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "feedback",
		Subsystem: "embedding",
		Name:      "tokens_total",
		Help:      "Tokens consumed computing embeddings",
	})

	upsertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedback",
		Subsystem: "embedding",
		Name:      "upserts_total",
		Help:      "Embeddable upserts by result",
	}, []string{"result"})
)

// FileSource lists the indexed files of an assignment.
type FileSource interface {
	FindAll(ctx context.Context, assignment string) ([]models.SourceFile, error)
}

// Estimator counts and prices the tokens of a set of files.
type Estimator interface {
	Estimate(files []models.SourceFile) (models.EmbeddingEstimate, error)
}

// Task is the text of one assignment task to embed.
type Task struct {
	ID   string `json:"id" validate:"required"`
	Text string `json:"text"`
}

type Service struct {
	Index     store.EmbeddingIndex
	Files     FileSource
	Client    ai.Client
	Estimator Estimator

	validator *validator.Validate
}

func NewService(idx store.EmbeddingIndex, files FileSource, client ai.Client, est Estimator, validate *validator.Validate) *Service {
	return &Service{
		Index:     idx,
		Files:     files,
		Client:    client,
		Estimator: est,
		validator: validate,
	}
}

// EnsureIndex creates the embeddings table and its vector index if needed.
func (s *Service) EnsureIndex(ctx context.Context) error {
	return s.Index.EnsureEmbeddingIndex(ctx, models.EmbeddingDim)
}

// Upsert stores e with a freshly computed embedding and returns the stored record and the
// tokens consumed. When a record with the same id and identical text exists it is returned
// unchanged and no tokens are consumed.
func (s *Service) Upsert(ctx context.Context, e models.Embeddable, apiKey string) (models.Embeddable, int, error) {
	b := e.Base()
	if err := s.validator.StructExcept(e, "EmbeddableBase.Embedding"); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidEmbeddable, err)
	}

	existing, ok, err := s.Index.GetEmbeddable(ctx, b.ID)
	if err != nil {
		return nil, 0, err
	}
	if ok && existing.Base().Text == b.Text {
		upsertsTotal.WithLabelValues("unchanged").Inc()
		log.Debug().Str("id", b.ID).Msg("embeddable unchanged")
		return existing, 0, nil
	}

	emb, err := s.Client.Embed(ctx, b.Text, apiKey)
	if err != nil {
		return nil, 0, fmt.Errorf("embed %s: %w", b.ID, err)
	}
	b.Embedding = emb.Vector
	if err := s.validator.Struct(e); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidEmbeddable, err)
	}

	if err := s.Index.PutEmbeddable(ctx, e); err != nil {
		return nil, 0, err
	}
	upsertsTotal.WithLabelValues("computed").Inc()
	tokensTotal.Add(float64(emb.Tokens))
	log.Debug().Str("id", b.ID).Int("tokens", emb.Tokens).Msg("embeddable computed")
	return e, emb.Tokens, nil
}

// Find looks up one embeddable by id.
func (s *Service) Find(ctx context.Context, id string) (models.Embeddable, bool, error) {
	return s.Index.GetEmbeddable(ctx, id)
}

// GetNearest returns the embeddables matching every non-empty field of q. With a query
// vector they are the NearestK most similar ones, best first.
func (s *Service) GetNearest(ctx context.Context, q models.NearestQuery) ([]models.ScoredEmbeddable, error) {
	return s.Index.NearestEmbeddables(ctx, q, NearestK, NearestCandidates)
}

// DeleteNotIn deletes the task embeddables of an assignment whose task is not in tasks.
func (s *Service) DeleteNotIn(ctx context.Context, assignment string, tasks []string) (int64, error) {
	return s.Index.DeleteTaskEmbeddablesNotIn(ctx, assignment, tasks)
}

func (s *Service) DeleteBySolution(ctx context.Context, assignment, solution string) (int64, error) {
	return s.Index.DeleteSolutionEmbeddables(ctx, assignment, solution)
}

// GetFunctions extracts the function declarations of a file, choosing the language by the
// file name.
func GetFunctions(file, content string) []snippets.Declaration {
	return snippets.Extract(content, snippets.ForFile(file))
}

// SnippetID is the id of the embeddable of one declaration.
func SnippetID(solution, file string, d snippets.Declaration) string {
	return fmt.Sprintf("%s-%s-%d-%s", solution, file, d.Line, d.Name)
}

// EstimateEmbeddings counts the tokens CreateEmbeddings would consume at most.
func (s *Service) EstimateEmbeddings(ctx context.Context, assignment string) (models.EmbeddingEstimate, error) {
	files, err := s.Files.FindAll(ctx, assignment)
	if err != nil {
		return models.EmbeddingEstimate{}, err
	}
	return s.Estimator.Estimate(files)
}

// CreateEmbeddings embeds every function of every supported file of an assignment and
// returns the tokens consumed.
func (s *Service) CreateEmbeddings(ctx context.Context, assignment, apiKey string) (models.EmbeddingEstimate, error) {
	files, err := s.Files.FindAll(ctx, assignment)
	if err != nil {
		return models.EmbeddingEstimate{}, err
	}

	var tokens atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(createConcurrency)
	for _, f := range files {
		if !ai.IsSupportedExtension(f.File) {
			continue
		}
		for _, d := range GetFunctions(f.File, f.Content) {
			e := models.NewSnippetEmbeddable(SnippetID(f.Solution, f.File, d), assignment,
				f.Solution, f.File, d.Line, f.File+"\n\n"+d.Text)
			g.Go(func() error {
				_, n, err := s.Upsert(ctx, e, apiKey)
				if err != nil {
					return err
				}
				tokens.Add(int64(n))
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return models.EmbeddingEstimate{}, err
	}

	total := int(tokens.Load())
	log.Info().Str("assignment", assignment).Int("files", len(files)).Int("tokens", total).Msg("created embeddings")
	return models.EmbeddingEstimate{Tokens: total, EstimatedCost: ai.EstimateCost(total)}, nil
}

// UpsertTasks embeds the text of every task and deletes the embeddables of tasks that are
// no longer part of the assignment.
func (s *Service) UpsertTasks(ctx context.Context, assignment string, tasks []Task, apiKey string) (int, int64, error) {
	ids := make([]string, 0, len(tasks))
	total := 0
	for _, t := range tasks {
		if err := s.validator.Struct(t); err != nil {
			return total, 0, fmt.Errorf("%w: %v", ErrInvalidEmbeddable, err)
		}
		ids = append(ids, t.ID)
		_, n, err := s.Upsert(ctx, models.NewTaskEmbeddable(t.ID, assignment, t.ID, t.Text), apiKey)
		if err != nil {
			return total, 0, err
		}
		total += n
	}

	deleted, err := s.DeleteNotIn(ctx, assignment, ids)
	if err != nil {
		return total, 0, err
	}
	return total, deleted, nil
}
