// Package search indexes source files per solution and finds exact code phrases in them.
package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fulib/feedback/internal/lineindex"
	"github.com/fulib/feedback/internal/store"
	"github.com/fulib/feedback/pkg/models"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Alias is the stable name of the file index.
	Alias = "files"

	// NoContext disables the context window in Find.
	NoContext = -1

	maxHits = 10000
)

var findDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "feedback",
	Subsystem: "search",
	Name:      "find_duration_seconds",
	Help:      "Duration of phrase searches against the file index",
})

// Engine is the full-text search engine over submitted source files.
type Engine struct {
	Index    store.FileIndex
	Analyzer *Analyzer

	now func() time.Time
}

// NewEngine creates a search engine using the code analyzer.
func NewEngine(idx store.FileIndex) *Engine {
	return &Engine{
		Index:    idx,
		Analyzer: CodeAnalyzer(),
		now:      time.Now,
	}
}

func (e *Engine) target(ctx context.Context) (string, error) {
	info, ok, err := e.Index.IndexAlias(ctx, Alias)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("file index alias %q does not exist", Alias)
	}
	return info.Name, nil
}

// AddFile indexes one file. Re-submitting the same assignment/solution/file replaces it.
func (e *Engine) AddFile(ctx context.Context, assignment, solution, file, content string) error {
	idx, err := e.target(ctx)
	if err != nil {
		return err
	}
	f := models.SourceFile{Assignment: assignment, Solution: solution, File: file, Content: content}
	return e.Index.PutFile(ctx, idx, f, e.Analyzer.Terms(content))
}

// FindAll returns every indexed file of an assignment.
func (e *Engine) FindAll(ctx context.Context, assignment string) ([]models.SourceFile, error) {
	idx, err := e.target(ctx)
	if err != nil {
		return nil, err
	}
	return e.Index.ListFiles(ctx, idx, assignment)
}

// DeleteSolution removes every indexed file of one solution.
func (e *Engine) DeleteSolution(ctx context.Context, assignment, solution string) (int64, error) {
	idx, err := e.target(ctx)
	if err != nil {
		return 0, err
	}
	return e.Index.DeleteFiles(ctx, idx, assignment, solution)
}

// Find searches the files of an assignment for the exact token sequence of snippet.
// Every occurrence becomes a SearchSnippet; snippets of the same solution are grouped into
// one result, in the order the solutions were first seen. With contextLines >= 0 each
// snippet also carries that many surrounding lines.
func (e *Engine) Find(ctx context.Context, assignment, snippet string, contextLines int) ([]models.SearchResult, error) {
	timer := prometheus.NewTimer(findDuration)
	defer timer.ObserveDuration()

	phrase := e.Analyzer.Tokens(snippet)
	if len(phrase) == 0 {
		return []models.SearchResult{}, nil
	}

	idx, err := e.target(ctx)
	if err != nil {
		return nil, err
	}
	hits, err := e.Index.MatchPhrase(ctx, idx, assignment, frame(phrase), maxHits)
	if err != nil {
		return nil, err
	}

	tag := uuid.NewString()
	var order []string
	grouped := make(map[string]*models.SearchResult)
	for _, hit := range hits {
		spans := PhraseSpans(e.Analyzer.Tokens(hit.Content), phrase)
		if len(spans) == 0 {
			continue
		}
		r := convertHit(hit, Mark(hit.Content, spans, tag, tag), tag, contextLines)
		if existing, ok := grouped[r.Solution]; ok {
			existing.Snippets = append(existing.Snippets, r.Snippets...)
			continue
		}
		grouped[r.Solution] = &r
		order = append(order, r.Solution)
	}

	results := make([]models.SearchResult, 0, len(order))
	for _, solution := range order {
		results = append(results, *grouped[solution])
	}
	return results, nil
}

// convertHit locates every tagged region of highlighted, which is hit.Content with each
// match wrapped in tag on both sides.
func convertHit(hit models.SourceFile, highlighted, tag string, contextLines int) models.SearchResult {
	starts := lineindex.Build(hit.Content)
	parts := strings.Split(highlighted, tag)

	snippets := []models.SearchSnippet{}
	start := 0
	for i := 1; i < len(parts); i += 2 {
		start += len(parts[i-1])
		code := parts[i]
		end := start + len(code)

		s := models.SearchSnippet{
			Snippet: models.Snippet{
				File: hit.File,
				From: lineindex.Position(hit.Content, starts, start),
				To:   lineindex.Position(hit.Content, starts, end),
				Code: code,
			},
		}
		if contextLines >= 0 {
			s.Context = lineindex.Span(hit.Content, starts, s.From.Line, s.To.Line, contextLines)
		}
		snippets = append(snippets, s)
		start = end
	}

	return models.SearchResult{
		Assignment: hit.Assignment,
		Solution:   hit.Solution,
		Snippets:   snippets,
	}
}
