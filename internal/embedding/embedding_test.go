package embedding

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/fulib/feedback/internal/ai"
	"github.com/fulib/feedback/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

type memoryIndex struct {
	mu      sync.Mutex
	items   map[string]models.Embeddable
	puts    int
	ensured int
}

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{items: map[string]models.Embeddable{}}
}

func (m *memoryIndex) EnsureEmbeddingIndex(ctx context.Context, dim int) error {
	m.ensured = dim
	return nil
}

func (m *memoryIndex) GetEmbeddable(ctx context.Context, id string) (models.Embeddable, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[id]
	return e, ok, nil
}

func (m *memoryIndex) PutEmbeddable(ctx context.Context, e models.Embeddable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[e.Base().ID] = e
	m.puts++
	return nil
}

func (m *memoryIndex) NearestEmbeddables(ctx context.Context, q models.NearestQuery, k, candidates int) ([]models.ScoredEmbeddable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ScoredEmbeddable
	for _, e := range m.items {
		if e.Base().Assignment == q.Assignment {
			out = append(out, models.ScoredEmbeddable{Embeddable: e})
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *memoryIndex) DeleteTaskEmbeddablesNotIn(ctx context.Context, assignment string, keep []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.items {
		t, ok := e.(*models.TaskEmbeddable)
		if !ok || t.Assignment != assignment {
			continue
		}
		kept := false
		for _, k := range keep {
			kept = kept || k == t.Task
		}
		if !kept {
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

func (m *memoryIndex) DeleteSolutionEmbeddables(ctx context.Context, assignment, solution string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.items {
		if s, ok := e.(*models.SnippetEmbeddable); ok && s.Assignment == assignment && s.Solution == solution {
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

func (m *memoryIndex) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.items))
	for id := range m.items {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type countingClient struct {
	ai.Client
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingClient) Embed(ctx context.Context, text, apiKey string) (ai.Embedding, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.err != nil {
		return ai.Embedding{}, c.err
	}
	return c.Client.Embed(ctx, text, apiKey)
}

type staticFiles []models.SourceFile

func (f staticFiles) FindAll(ctx context.Context, assignment string) ([]models.SourceFile, error) {
	var out []models.SourceFile
	for _, file := range f {
		if file.Assignment == assignment {
			out = append(out, file)
		}
	}
	return out, nil
}

type wordTokenizer struct{}

func (wordTokenizer) Count(text string) int { return len(strings.Fields(text)) }

func newTestService(files staticFiles) (*Service, *memoryIndex, *countingClient) {
	idx := newMemoryIndex()
	client := &countingClient{Client: ai.NewStubClient(models.EmbeddingDim)}
	est := ai.NewEstimatorWithTokenizer(wordTokenizer{})
	return NewService(idx, files, client, est, validator.New(validator.WithRequiredStructEnabled())), idx, client
}

func TestEnsureIndex(t *testing.T) {
	svc, idx, _ := newTestService(nil)
	require.NoError(t, svc.EnsureIndex(context.Background()))
	require.Equal(t, 1536, idx.ensured)
}

func TestUpsertComputesEmbedding(t *testing.T) {
	svc, idx, client := newTestService(nil)
	ctx := context.Background()

	e := models.NewTaskEmbeddable("t1", "a1", "t1", "Implement the parser")
	stored, tokens, err := svc.Upsert(ctx, e, "key")
	require.NoError(t, err)
	require.Equal(t, 3, tokens)
	require.Len(t, stored.Base().Embedding, models.EmbeddingDim)
	require.Equal(t, 1, client.calls)
	require.Equal(t, 1, idx.puts)

	found, ok, err := svc.Find(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Implement the parser", found.Base().Text)
}

func TestUpsertUnchangedTextIsNoOp(t *testing.T) {
	svc, idx, client := newTestService(nil)
	ctx := context.Background()

	first, _, err := svc.Upsert(ctx, models.NewTaskEmbeddable("t1", "a1", "t1", "same text"), "key")
	require.NoError(t, err)
	vector := append([]float32(nil), first.Base().Embedding...)

	again, tokens, err := svc.Upsert(ctx, models.NewTaskEmbeddable("t1", "a1", "t1", "same text"), "key")
	require.NoError(t, err)
	require.Zero(t, tokens)
	require.Equal(t, vector, again.Base().Embedding)
	require.Equal(t, 1, client.calls)
	require.Equal(t, 1, idx.puts)

	_, tokens, err = svc.Upsert(ctx, models.NewTaskEmbeddable("t1", "a1", "t1", "changed text now"), "key")
	require.NoError(t, err)
	require.Equal(t, 3, tokens)
	require.Equal(t, 2, client.calls)
}

func TestUpsertValidation(t *testing.T) {
	svc, _, client := newTestService(nil)
	ctx := context.Background()

	tests := []struct {
		name string
		e    models.Embeddable
	}{
		{name: "missing id", e: models.NewTaskEmbeddable("", "a1", "t1", "x")},
		{name: "missing assignment", e: models.NewTaskEmbeddable("t1", "", "t1", "x")},
		{name: "snippet without file", e: models.NewSnippetEmbeddable("s", "a1", "s1", "", 0, "x")},
		{name: "negative line", e: models.NewSnippetEmbeddable("s", "a1", "s1", "f.c", -1, "x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.Upsert(ctx, tt.e, "key")
			require.ErrorIs(t, err, ErrInvalidEmbeddable)
		})
	}
	require.Zero(t, client.calls)
}

func TestUpsertRejectsWrongDimension(t *testing.T) {
	idx := newMemoryIndex()
	svc := NewService(idx, nil, ai.NewStubClient(8), nil, validator.New())

	_, _, err := svc.Upsert(context.Background(), models.NewTaskEmbeddable("t1", "a1", "t1", "x"), "key")
	require.ErrorIs(t, err, ErrInvalidEmbeddable)
	require.Empty(t, idx.ids())
}

func TestUpsertProviderError(t *testing.T) {
	svc, idx, client := newTestService(nil)
	client.err = errors.New("rate limited")

	_, _, err := svc.Upsert(context.Background(), models.NewTaskEmbeddable("t1", "a1", "t1", "x"), "key")
	require.ErrorContains(t, err, "rate limited")
	require.Empty(t, idx.ids())
}

const javaSource = "class A {\n  void foo() {\n    bar();\n  }\n  int baz(int x) {\n    return x;\n  }\n}\n"

const pythonSource = "def foo():\n    return 1\n\ndef baz():\n    pass\n"

func TestCreateEmbeddings(t *testing.T) {
	files := staticFiles{
		{Assignment: "a1", Solution: "s1", File: "A.java", Content: javaSource},
		{Assignment: "a1", Solution: "s2", File: "main.py", Content: pythonSource},
		{Assignment: "a1", Solution: "s2", File: "blob.bin", Content: "foo() { }"},
		{Assignment: "a2", Solution: "s9", File: "B.java", Content: javaSource},
	}
	svc, idx, _ := newTestService(files)
	ctx := context.Background()

	estimate, err := svc.CreateEmbeddings(ctx, "a1", "key")
	require.NoError(t, err)
	require.Equal(t, []string{
		"s1-A.java-1-foo",
		"s1-A.java-4-baz",
		"s2-main.py-0-foo",
		"s2-main.py-3-baz",
	}, idx.ids())
	require.Positive(t, estimate.Tokens)
	require.InDelta(t, ai.EstimateCost(estimate.Tokens), estimate.EstimatedCost, 1e-12)

	e, ok, err := svc.Find(ctx, "s1-A.java-1-foo")
	require.NoError(t, err)
	require.True(t, ok)
	snippet, isSnippet := e.(*models.SnippetEmbeddable)
	require.True(t, isSnippet)
	require.Equal(t, "A.java\n\n  void foo() {\n    bar();\n  }", snippet.Text)
	require.Equal(t, 1, snippet.Line)
	require.Equal(t, "s1", snippet.Solution)

	again, err := svc.CreateEmbeddings(ctx, "a1", "key")
	require.NoError(t, err)
	require.Zero(t, again.Tokens)
}

func TestEstimateEmbeddings(t *testing.T) {
	files := staticFiles{
		{Assignment: "a1", Solution: "s1", File: "A.java", Content: "int x = 1 ;"},
		{Assignment: "a1", Solution: "s1", File: "data.bin", Content: "a b c d e f"},
	}
	svc, _, client := newTestService(files)

	estimate, err := svc.EstimateEmbeddings(context.Background(), "a1")
	require.NoError(t, err)
	require.Equal(t, 5, estimate.Tokens)
	require.Zero(t, client.calls)
}

func TestUpsertTasks(t *testing.T) {
	svc, idx, _ := newTestService(nil)
	ctx := context.Background()

	tokens, deleted, err := svc.UpsertTasks(ctx, "a1", []Task{{ID: "t1", Text: "first task"}, {ID: "t2", Text: "second"}}, "key")
	require.NoError(t, err)
	require.Equal(t, 3, tokens)
	require.Zero(t, deleted)
	require.Equal(t, []string{"t1", "t2"}, idx.ids())

	tokens, deleted, err = svc.UpsertTasks(ctx, "a1", []Task{{ID: "t1", Text: "first task"}}, "key")
	require.NoError(t, err)
	require.Zero(t, tokens)
	require.EqualValues(t, 1, deleted)
	require.Equal(t, []string{"t1"}, idx.ids())

	_, _, err = svc.UpsertTasks(ctx, "a1", []Task{{Text: "no id"}}, "key")
	require.ErrorIs(t, err, ErrInvalidEmbeddable)
}

func TestDeleteBySolution(t *testing.T) {
	svc, idx, _ := newTestService(nil)
	ctx := context.Background()

	for _, e := range []models.Embeddable{
		models.NewSnippetEmbeddable("s1-a", "a1", "s1", "A.java", 0, "a"),
		models.NewSnippetEmbeddable("s1-b", "a1", "s1", "B.java", 0, "b"),
		models.NewSnippetEmbeddable("s2-a", "a1", "s2", "A.java", 0, "a"),
		models.NewTaskEmbeddable("t1", "a1", "t1", "task"),
	} {
		_, _, err := svc.Upsert(ctx, e, "key")
		require.NoError(t, err)
	}

	n, err := svc.DeleteBySolution(ctx, "a1", "s1")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.Equal(t, []string{"s2-a", "t1"}, idx.ids())
}

func TestGetNearestUsesFixedK(t *testing.T) {
	svc, _, _ := newTestService(nil)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		id := string(rune('a' + i))
		_, _, err := svc.Upsert(ctx, models.NewTaskEmbeddable(id, "a1", id, id), "key")
		require.NoError(t, err)
	}

	res, err := svc.GetNearest(ctx, models.NearestQuery{Assignment: "a1"})
	require.NoError(t, err)
	require.Len(t, res, NearestK)
}

func TestGetFunctionsPicksLanguage(t *testing.T) {
	py := GetFunctions("main.py", pythonSource)
	require.Len(t, py, 2)
	require.Equal(t, "foo", py[0].Name)

	java := GetFunctions("A.java", javaSource)
	require.Len(t, java, 2)
	require.Equal(t, "baz", java[1].Name)
	require.Equal(t, 4, java[1].Line)
}
