package models

// EmbeddingDim is the fixed dimensionality of every stored embedding.
const EmbeddingDim = 1536

type EmbeddableType string

const (
	EmbeddableTask    EmbeddableType = "task"
	EmbeddableSnippet EmbeddableType = "snippet"
)

// EmbeddableBase holds the fields shared by all embeddable variants.
// An empty Embedding means the vector has not been computed yet.
type EmbeddableBase struct {
	ID         string         `json:"id" validate:"required"`
	Type       EmbeddableType `json:"type" validate:"oneof=task snippet"`
	Assignment string         `json:"assignment" validate:"required"`
	Text       string         `json:"text"`
	Embedding  []float32      `json:"embedding,omitempty" validate:"len=1536"`
}

// Embeddable is either a *TaskEmbeddable or a *SnippetEmbeddable.
// Consumers switch on the concrete type (or Base().Type) to reach variant fields.
type Embeddable interface {
	Base() *EmbeddableBase
}

type TaskEmbeddable struct {
	EmbeddableBase
	Task string `json:"task" validate:"required"`
}

func (e *TaskEmbeddable) Base() *EmbeddableBase { return &e.EmbeddableBase }

type SnippetEmbeddable struct {
	EmbeddableBase
	Solution string `json:"solution" validate:"required"`
	File     string `json:"file" validate:"required"`
	Line     int    `json:"line" validate:"gte=0"`
}

func (e *SnippetEmbeddable) Base() *EmbeddableBase { return &e.EmbeddableBase }

// NewTaskEmbeddable builds a task variant with its discriminator set.
func NewTaskEmbeddable(id, assignment, task, text string) *TaskEmbeddable {
	return &TaskEmbeddable{
		EmbeddableBase: EmbeddableBase{ID: id, Type: EmbeddableTask, Assignment: assignment, Text: text},
		Task:           task,
	}
}

// NewSnippetEmbeddable builds a snippet variant with its discriminator set.
func NewSnippetEmbeddable(id, assignment, solution, file string, line int, text string) *SnippetEmbeddable {
	return &SnippetEmbeddable{
		EmbeddableBase: EmbeddableBase{ID: id, Type: EmbeddableSnippet, Assignment: assignment, Text: text},
		Solution:       solution,
		File:           file,
		Line:           line,
	}
}

// ScoredEmbeddable is a nearest-neighbour hit. The embedding vector is never populated.
type ScoredEmbeddable struct {
	Embeddable Embeddable `json:"embeddable"`
	Score      float64    `json:"score"`
}

// NearestQuery filters embeddables by exact field matches. Empty strings are ignored.
// When Embedding is set the results are ranked by cosine similarity.
type NearestQuery struct {
	Assignment string
	Type       EmbeddableType
	Solution   string
	Task       string
	File       string
	Embedding  []float32
}
