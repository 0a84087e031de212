package models

import "time"

// CodeSearchAuthor is the author of every evaluation created by code search.
const CodeSearchAuthor = "Code Search"

// CodeSearchInfo links a derived evaluation to its origin. On an origin evaluation
// returned from create/update/remove it carries the reconciliation counts instead.
type CodeSearchInfo struct {
	Origin  string `json:"origin,omitempty"`
	Created int    `json:"created,omitempty"`
	Updated int    `json:"updated,omitempty"`
	Deleted int    `json:"deleted,omitempty"`
}

type Evaluation struct {
	ID         string          `json:"id"`
	Assignment string          `json:"assignment"`
	Solution   string          `json:"solution"`
	Task       string          `json:"task"`
	Author     string          `json:"author"`
	Remark     string          `json:"remark"`
	Points     float64         `json:"points"`
	Snippets   []Snippet       `json:"snippets"`
	CreatedBy  string          `json:"createdBy,omitempty"`
	CodeSearch *CodeSearchInfo `json:"codeSearch,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// IsDerived reports whether the evaluation was produced by code search and never edited.
func (e Evaluation) IsDerived() bool {
	return e.CodeSearch != nil && e.CodeSearch.Origin != "" && e.Author == CodeSearchAuthor
}

// EvaluationStatistics counts evaluations of one assignment by provenance.
type EvaluationStatistics struct {
	CodeSearch       int `json:"codeSearch"`
	EditedCodeSearch int `json:"editedCodeSearch"`
	Manual           int `json:"manual"`
	Total            int `json:"total"`
}
