package search

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strings"
)

// CodePattern splits source code into number, string, char literal, identifier and
// symbol tokens. Whitespace and any other character is dropped.
var CodePattern = strings.Join([]string{
	`[+-]?[0-9]+(\.[0-9]+)?`,
	`["](\\\\|\\["]|[^"])*["]`,
	`'(\\\\|\\'|[^'])*'`,
	`[a-zA-Z$_][a-zA-Z0-9$_]*`,
	`[(){}<>\[\].,;+\-*/%|&=!?:@^]`,
}, "|")

// termSeparator joins analyzed terms in the stored term stream.
const termSeparator = "\x1f"

// Token is one analyzed term with its byte offsets in the source.
type Token struct {
	Term  string
	Start int
	End   int
}

// Analyzer tokenizes file contents and phrase queries the same way.
type Analyzer struct {
	pattern string
	re      *regexp.Regexp
}

// NewAnalyzer compiles pattern. Matching is leftmost-longest, like an automaton based
// pattern tokenizer.
func NewAnalyzer(pattern string) (*Analyzer, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	re.Longest()
	return &Analyzer{pattern: pattern, re: re}, nil
}

// CodeAnalyzer returns the analyzer for CodePattern.
func CodeAnalyzer() *Analyzer {
	a, err := NewAnalyzer(CodePattern)
	if err != nil {
		panic(err)
	}
	return a
}

func (a *Analyzer) Tokens(text string) []Token {
	locs := a.re.FindAllStringIndex(text, -1)
	tokens := make([]Token, 0, len(locs))
	for _, l := range locs {
		if l[0] == l[1] {
			continue
		}
		tokens = append(tokens, Token{Term: text[l[0]:l[1]], Start: l[0], End: l[1]})
	}
	return tokens
}

// Terms returns the framed term stream stored for text. A phrase matches a document
// exactly when the phrase's term stream is a substring of the document's.
func (a *Analyzer) Terms(text string) string {
	return frame(a.Tokens(text))
}

func frame(tokens []Token) string {
	var b strings.Builder
	b.WriteString(termSeparator)
	for _, t := range tokens {
		b.WriteString(t.Term)
		b.WriteString(termSeparator)
	}
	return b.String()
}

// IndexSettings is the configuration a file index was built with. An index whose stored
// settings differ from the analyzer's must be rebuilt.
type IndexSettings struct {
	Analysis AnalysisSettings `json:"analysis"`
	Content  ContentMapping   `json:"content"`
}

type AnalysisSettings struct {
	Tokenizer TokenizerSettings `json:"tokenizer"`
}

type TokenizerSettings struct {
	Type    string `json:"type"`
	Pattern string `json:"pattern"`
}

type ContentMapping struct {
	Type       string `json:"type"`
	Analyzer   string `json:"analyzer"`
	TermVector string `json:"term_vector"`
	Separator  string `json:"separator"`
}

// Settings returns the index settings this analyzer requires.
func (a *Analyzer) Settings() IndexSettings {
	return IndexSettings{
		Analysis: AnalysisSettings{
			Tokenizer: TokenizerSettings{Type: "simple_pattern", Pattern: a.pattern},
		},
		Content: ContentMapping{
			Type:       "text",
			Analyzer:   "code",
			TermVector: "with_positions_offsets",
			Separator:  termSeparator,
		},
	}
}

// SettingsMatch reports whether stored settings are deep-equal to the required ones.
// Unknown or missing keys count as a difference.
func SettingsMatch(stored []byte, required IndexSettings) bool {
	want, err := json.Marshal(required)
	if err != nil {
		return false
	}
	var a, b any
	if json.Unmarshal(stored, &a) != nil || json.Unmarshal(want, &b) != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}
