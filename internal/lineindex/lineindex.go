// Package lineindex maps absolute offsets in a text buffer to line/character positions.
//
// Offsets and Locate characters are byte based, matching Go string indexing. Position
// reports characters in UTF-16 code units, the column unit editors use.
package lineindex

import (
	"sort"
	"strings"
	"unicode/utf16"

	"github.com/fulib/feedback/pkg/models"
)

// Build returns the offset of every line start in text. The first entry is always 0,
// every following entry is one past a '\n'.
func Build(text string) []int {
	starts := make([]int, 1, strings.Count(text, "\n")+1)
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// Locate converts offset p into a position. The line is the greatest index whose start is
// <= p; offsets before the first line clamp to line 0 and offsets past the last line start
// fall on the last line.
func Locate(starts []int, p int) models.Location {
	if len(starts) == 0 {
		return models.Location{Character: p}
	}
	line := sort.Search(len(starts), func(i int) bool { return starts[i] > p }) - 1
	if line < 0 {
		line = 0
	}
	return models.Location{Line: line, Character: p - starts[line]}
}

// Position is Locate with the character counted in UTF-16 code units of text instead of
// bytes. The line is unaffected.
func Position(text string, starts []int, p int) models.Location {
	loc := Locate(starts, p)
	if loc.Character <= 0 || p > len(text) {
		return loc
	}
	n := 0
	for _, r := range text[starts[loc.Line]:p] {
		n += utf16.RuneLen(r)
	}
	loc.Character = n
	return loc
}

// Span returns the text covering lines [from-context, to+context], clamped to the buffer.
func Span(text string, starts []int, from, to, context int) string {
	first := from - context
	if first < 0 {
		first = 0
	}
	start := starts[first]
	end := len(text)
	if next := to + context + 1; next < len(starts) {
		end = starts[next]
	}
	return text[start:end]
}
