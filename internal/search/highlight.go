package search

import "strings"

// Span is a highlighted byte range [Start, End) of a document.
type Span struct {
	Start int
	End   int
}

// PhraseSpans returns the ranges of doc covered by occurrences of phrase, in order.
// Each occurrence spans from the start of its first token to the end of its last;
// overlapping occurrences are merged into one range.
func PhraseSpans(doc, phrase []Token) []Span {
	n := len(phrase)
	if n == 0 {
		return nil
	}

	var spans []Span
	for i := 0; i+n <= len(doc); i++ {
		if !termsEqual(doc[i:i+n], phrase) {
			continue
		}
		s := Span{Start: doc[i].Start, End: doc[i+n-1].End}
		if last := len(spans) - 1; last >= 0 && s.Start < spans[last].End {
			if s.End > spans[last].End {
				spans[last].End = s.End
			}
			continue
		}
		spans = append(spans, s)
	}
	return spans
}

func termsEqual(a, b []Token) bool {
	for i := range b {
		if a[i].Term != b[i].Term {
			return false
		}
	}
	return true
}

// Mark returns the whole of text with every span wrapped in pre and post.
func Mark(text string, spans []Span, pre, post string) string {
	var b strings.Builder
	b.Grow(len(text) + len(spans)*(len(pre)+len(post)))
	last := 0
	for _, s := range spans {
		b.WriteString(text[last:s.Start])
		b.WriteString(pre)
		b.WriteString(text[s.Start:s.End])
		b.WriteString(post)
		last = s.End
	}
	b.WriteString(text[last:])
	return b.String()
}
