// Package api exposes the search, embedding and evaluation services over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/fulib/feedback/internal/ai"
	"github.com/fulib/feedback/internal/embedding"
	"github.com/fulib/feedback/internal/evaluation"
	"github.com/fulib/feedback/internal/search"
	"github.com/fulib/feedback/internal/store"
	"github.com/fulib/feedback/pkg/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// APIKeyHeader carries the caller's embedding provider key.
const APIKeyHeader = "X-Provider-Api-Key"

// UserHeader names the user creating an evaluation.
const UserHeader = "X-User"

const (
	queryTimeout = 10 * time.Second
	maxFileSize  = 8 << 20
)

type SearchService interface {
	AddFile(ctx context.Context, assignment, solution, file, content string) error
	Find(ctx context.Context, assignment, snippet string, contextLines int) ([]models.SearchResult, error)
	FindAll(ctx context.Context, assignment string) ([]models.SourceFile, error)
	DeleteSolution(ctx context.Context, assignment, solution string) (int64, error)
}

type EmbeddingService interface {
	Find(ctx context.Context, id string) (models.Embeddable, bool, error)
	GetNearest(ctx context.Context, q models.NearestQuery) ([]models.ScoredEmbeddable, error)
	EstimateEmbeddings(ctx context.Context, assignment string) (models.EmbeddingEstimate, error)
	CreateEmbeddings(ctx context.Context, assignment, apiKey string) (models.EmbeddingEstimate, error)
	UpsertTasks(ctx context.Context, assignment string, tasks []embedding.Task, apiKey string) (int, int64, error)
	DeleteBySolution(ctx context.Context, assignment, solution string) (int64, error)
}

type EvaluationService interface {
	Create(ctx context.Context, assignment, solution, createdBy string, req evaluation.CreateRequest) (models.Evaluation, error)
	FindAll(ctx context.Context, f store.EvaluationFilter) ([]models.Evaluation, error)
	FindOne(ctx context.Context, id string) (models.Evaluation, bool, error)
	Update(ctx context.Context, id string, req evaluation.UpdateRequest) (models.Evaluation, bool, error)
	Remove(ctx context.Context, id string) (models.Evaluation, bool, error)
	RemoveBySolution(ctx context.Context, assignment, solution string) (int64, error)
	Statistics(ctx context.Context, assignment string) (models.EvaluationStatistics, error)
}

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Search       SearchService
	Embeddings   EmbeddingService
	Evaluations  EvaluationService
	DB           Pinger
	ContextLines int
}

// Handler returns the routes wrapped in request logging.
func (s *Server) Handler(logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /assignments/{assignment}/search", s.find)
	mux.HandleFunc("GET /assignments/{assignment}/files", s.files)
	mux.HandleFunc("PUT /assignments/{assignment}/solutions/{solution}/files/{file...}", s.addFile)
	mux.HandleFunc("DELETE /assignments/{assignment}/solutions/{solution}", s.deleteSolution)

	mux.HandleFunc("GET /assignments/{assignment}/embeddings", s.nearest)
	mux.HandleFunc("GET /assignments/{assignment}/embeddings/estimate", s.estimate)
	mux.HandleFunc("GET /assignments/{assignment}/embeddings/{id}", s.embeddable)
	mux.HandleFunc("POST /assignments/{assignment}/embeddings", s.createEmbeddings)
	mux.HandleFunc("PUT /assignments/{assignment}/embeddings/tasks", s.upsertTasks)

	mux.HandleFunc("GET /assignments/{assignment}/evaluations", s.listEvaluations)
	mux.HandleFunc("GET /assignments/{assignment}/evaluations/statistics", s.statistics)
	mux.HandleFunc("GET /assignments/{assignment}/evaluations/{id}", s.getEvaluation)
	mux.HandleFunc("POST /assignments/{assignment}/solutions/{solution}/evaluations", s.createEvaluation)
	mux.HandleFunc("PATCH /assignments/{assignment}/evaluations/{id}", s.updateEvaluation)
	mux.HandleFunc("DELETE /assignments/{assignment}/evaluations/{id}", s.removeEvaluation)

	return hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(r).Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(mux),
	)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.DB.Ping(ctx); err != nil {
			writeError(w, r, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) find(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		http.Error(w, "missing query parameter q", http.StatusBadRequest)
		return
	}
	contextLines := s.ContextLines
	if v := r.URL.Query().Get("context"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < search.NoContext {
			http.Error(w, "invalid context", http.StatusBadRequest)
			return
		}
		contextLines = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	res, err := s.Search.Find(ctx, r.PathValue("assignment"), q, contextLines)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) files(w http.ResponseWriter, r *http.Request) {
	files, err := s.Search.FindAll(r.Context(), r.PathValue("assignment"))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, r, http.StatusOK, files)
}

func (s *Server) addFile(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFileSize))
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, err)
		return
	}
	file := models.SourceFile{
		Assignment: r.PathValue("assignment"),
		Solution:   r.PathValue("solution"),
		File:       r.PathValue("file"),
		Content:    string(b),
	}
	if err := s.Search.AddFile(r.Context(), file.Assignment, file.Solution, file.File, file.Content); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SolutionDeleted counts what was removed together with a solution.
type SolutionDeleted struct {
	Files       int64 `json:"files"`
	Embeddings  int64 `json:"embeddings"`
	Evaluations int64 `json:"evaluations"`
}

func (s *Server) deleteSolution(w http.ResponseWriter, r *http.Request) {
	assignment, solution := r.PathValue("assignment"), r.PathValue("solution")
	var out SolutionDeleted
	var err error
	if out.Files, err = s.Search.DeleteSolution(r.Context(), assignment, solution); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if out.Embeddings, err = s.Embeddings.DeleteBySolution(r.Context(), assignment, solution); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if out.Evaluations, err = s.Evaluations.RemoveBySolution(r.Context(), assignment, solution); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// nearest lists the embeddables of an assignment matching the query filters. With ?id= the
// results are ranked by similarity to that embeddable.
func (s *Server) nearest(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := models.NearestQuery{
		Assignment: r.PathValue("assignment"),
		Type:       models.EmbeddableType(query.Get("type")),
		Solution:   query.Get("solution"),
		Task:       query.Get("task"),
		File:       query.Get("file"),
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	if id := query.Get("id"); id != "" {
		e, ok, err := s.Embeddings.Find(ctx, id)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			http.Error(w, "embeddable not found", http.StatusNotFound)
			return
		}
		q.Embedding = e.Base().Embedding
	}

	res, err := s.Embeddings.GetNearest(ctx, q)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	for i := range res {
		if math.IsNaN(res[i].Score) || math.IsInf(res[i].Score, 0) {
			res[i].Score = 0
		}
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) embeddable(w http.ResponseWriter, r *http.Request) {
	e, ok, err := s.Embeddings.Find(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if !ok || e.Base().Assignment != r.PathValue("assignment") {
		http.Error(w, "embeddable not found", http.StatusNotFound)
		return
	}
	writeJSON(w, r, http.StatusOK, e)
}

func (s *Server) estimate(w http.ResponseWriter, r *http.Request) {
	est, err := s.Embeddings.EstimateEmbeddings(r.Context(), r.PathValue("assignment"))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, r, http.StatusOK, est)
}

func (s *Server) createEmbeddings(w http.ResponseWriter, r *http.Request) {
	est, err := s.Embeddings.CreateEmbeddings(r.Context(), r.PathValue("assignment"), r.Header.Get(APIKeyHeader))
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, r, http.StatusOK, est)
}

// TasksResult reports an upsert of task embeddings.
type TasksResult struct {
	Tokens  int   `json:"tokens"`
	Deleted int64 `json:"deleted"`
}

func (s *Server) upsertTasks(w http.ResponseWriter, r *http.Request) {
	var tasks []embedding.Task
	if !decode(w, r, &tasks) {
		return
	}
	tokens, deleted, err := s.Embeddings.UpsertTasks(r.Context(), r.PathValue("assignment"), tasks, r.Header.Get(APIKeyHeader))
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, r, http.StatusOK, TasksResult{Tokens: tokens, Deleted: deleted})
}

func (s *Server) listEvaluations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	res, err := s.Evaluations.FindAll(r.Context(), store.EvaluationFilter{
		Assignment: r.PathValue("assignment"),
		Solution:   query.Get("solution"),
		Task:       query.Get("task"),
		File:       query.Get("file"),
		Author:     query.Get("author"),
		Origin:     query.Get("origin"),
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) statistics(w http.ResponseWriter, r *http.Request) {
	st, err := s.Evaluations.Statistics(r.Context(), r.PathValue("assignment"))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

func (s *Server) getEvaluation(w http.ResponseWriter, r *http.Request) {
	e, ok, err := s.Evaluations.FindOne(r.Context(), r.PathValue("id"))
	s.writeEvaluation(w, r, http.StatusOK, e, ok, err)
}

func (s *Server) createEvaluation(w http.ResponseWriter, r *http.Request) {
	var req evaluation.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	e, err := s.Evaluations.Create(r.Context(), r.PathValue("assignment"), r.PathValue("solution"), r.Header.Get(UserHeader), req)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, r, http.StatusCreated, e)
}

func (s *Server) updateEvaluation(w http.ResponseWriter, r *http.Request) {
	var req evaluation.UpdateRequest
	if !decode(w, r, &req) {
		return
	}
	if !s.ownedBy(w, r) {
		return
	}
	e, ok, err := s.Evaluations.Update(r.Context(), r.PathValue("id"), req)
	s.writeEvaluation(w, r, http.StatusOK, e, ok, err)
}

func (s *Server) removeEvaluation(w http.ResponseWriter, r *http.Request) {
	if !s.ownedBy(w, r) {
		return
	}
	e, ok, err := s.Evaluations.Remove(r.Context(), r.PathValue("id"))
	s.writeEvaluation(w, r, http.StatusOK, e, ok, err)
}

// ownedBy checks that the evaluation in the path belongs to the assignment in the path.
func (s *Server) ownedBy(w http.ResponseWriter, r *http.Request) bool {
	e, ok, err := s.Evaluations.FindOne(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return false
	}
	if !ok || e.Assignment != r.PathValue("assignment") {
		http.Error(w, "evaluation not found", http.StatusNotFound)
		return false
	}
	return true
}

func (s *Server) writeEvaluation(w http.ResponseWriter, r *http.Request, status int, e models.Evaluation, ok bool, err error) {
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	if !ok || e.Assignment != r.PathValue("assignment") {
		http.Error(w, "evaluation not found", http.StatusNotFound)
		return
	}
	writeJSON(w, r, status, e)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, evaluation.ErrInvalidEvaluation),
		errors.Is(err, embedding.ErrInvalidEmbeddable),
		errors.Is(err, ai.ErrMissingAPIKey):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	hlog.FromRequest(r).Error().Err(err).Int("status", status).Msg("request failed")
	http.Error(w, err.Error(), status)
}
