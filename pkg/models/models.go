package models

// SourceFile is one file of one solution, as stored in the search index.
type SourceFile struct {
	Assignment string `json:"assignment"`
	Solution   string `json:"solution"`
	File       string `json:"file"`
	Content    string `json:"content"`
}

// ID is the composite document key assignment/solution/file.
func (f SourceFile) ID() string {
	return f.Assignment + "/" + f.Solution + "/" + f.File
}

// Location is a zero-based line/character position.
type Location struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Snippet is a located piece of code with a comment, as attached to evaluations.
type Snippet struct {
	File    string   `json:"file" validate:"required"`
	From    Location `json:"from"`
	To      Location `json:"to"`
	Code    string   `json:"code"`
	Comment string   `json:"comment"`
}

// SearchSnippet is a snippet found by the search engine.
type SearchSnippet struct {
	Snippet
	Context string `json:"context,omitempty"`
}

type SearchResult struct {
	Assignment string          `json:"assignment"`
	Solution   string          `json:"solution"`
	Snippets   []SearchSnippet `json:"snippets"`
}

type EmbeddingEstimate struct {
	Tokens        int     `json:"tokens"`
	EstimatedCost float64 `json:"estimatedCost"`
}
