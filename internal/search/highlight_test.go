package search

import (
	"reflect"
	"testing"
)

func tok(term string, start int) Token {
	return Token{Term: term, Start: start, End: start + len(term)}
}

func TestPhraseSpans(t *testing.T) {
	// "a b a b a"
	doc := []Token{tok("a", 0), tok("b", 2), tok("a", 4), tok("b", 6), tok("a", 8)}

	tests := []struct {
		name   string
		phrase []Token
		want   []Span
	}{
		{"empty phrase", nil, nil},
		{"single term", []Token{tok("b", 0)}, []Span{{2, 3}, {6, 7}}},
		{"overlapping occurrences are merged", []Token{tok("a", 0), tok("b", 2), tok("a", 4)}, []Span{{0, 9}}},
		{"adjacent but not overlapping", []Token{tok("a", 0), tok("b", 2)}, []Span{{0, 3}, {4, 7}}},
		{"no match", []Token{tok("c", 0)}, nil},
		{"phrase longer than doc", append(doc, tok("b", 10)), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PhraseSpans(doc, tt.phrase); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("PhraseSpans() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPhraseSpans_AnalyzedText(t *testing.T) {
	a := CodeAnalyzer()
	tests := []struct {
		name   string
		doc    string
		phrase string
		want   []Span
	}{
		{"whitespace between tokens ignored", "x = f(y);", "f ( y )", []Span{{4, 8}}},
		{"overlapping occurrences merge", "a a a", "a a", []Span{{0, 5}}},
		{"separate lines", "a b\na b", "a b", []Span{{0, 3}, {4, 7}}},
		{"order matters", "a b", "b a", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PhraseSpans(a.Tokens(tt.doc), a.Tokens(tt.phrase)); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("PhraseSpans() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMark(t *testing.T) {
	text := "foo(bar);\nfoo(baz);"
	got := Mark(text, []Span{{0, 3}, {10, 13}}, "<em>", "</em>")
	want := "<em>foo</em>(bar);\n<em>foo</em>(baz);"
	if got != want {
		t.Errorf("Mark() = %q, want %q", got, want)
	}

	if got := Mark(text, nil, "<em>", "</em>"); got != text {
		t.Errorf("Mark() without spans = %q, want %q", got, text)
	}
}
