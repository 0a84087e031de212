// Package snippets extracts function declarations from source files using a header
// pattern and a language specific body end finder.
package snippets

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fulib/feedback/internal/lineindex"
)

// EndFinder returns the offset of the last byte of a declaration body, given the offsets
// of the matched header. A negative result means the end could not be found.
type EndFinder func(code string, headStart, headEnd int) int

// Language describes how declarations are recognized in one language family.
// Header must capture the declaration name in its first group.
type Language struct {
	Name    string
	Header  *regexp.Regexp
	FindEnd EndFinder
}

var (
	// Python matches `def name(...):` with an optional `async` prefix.
	Python = Language{
		Name:    "python",
		Header:  regexp.MustCompile(`(?i)(?:async\s*)?def ([a-zA-Z0-9_]+)\([^)]*\)\s*:`),
		FindEnd: FindIndentEnd,
	}

	// CLike matches `name(...) {` as found in Java, C, C++, C#, JavaScript and friends.
	CLike = Language{
		Name:    "clike",
		Header:  regexp.MustCompile(`(?i)([a-zA-Z0-9_]+)\([^)]*\)\s*\{`),
		FindEnd: FindClosingBrace,
	}
)

// ForFile picks the language for a file name.
func ForFile(name string) Language {
	if strings.EqualFold(filepath.Ext(name), ".py") {
		return Python
	}
	return CLike
}

// Declaration is one extracted function.
type Declaration struct {
	Name string `json:"name"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Extract returns every declaration in code, in source order. Text starts at the beginning
// of the header's line so leading indentation is kept. Bodies whose end cannot be found run
// to the end of the buffer.
func Extract(code string, lang Language) []Declaration {
	matches := lang.Header.FindAllStringSubmatchIndex(code, -1)
	if len(matches) == 0 {
		return nil
	}

	starts := lineindex.Build(code)
	out := make([]Declaration, 0, len(matches))
	for _, m := range matches {
		start, headEnd := m[0], m[1]
		loc := lineindex.Locate(starts, start)

		end := lang.FindEnd(code, start, headEnd)
		if end < 0 || end >= len(code) {
			end = len(code) - 1
		}

		out = append(out, Declaration{
			Name: code[m[2]:m[3]],
			Line: loc.Line,
			Text: code[start-loc.Character : end+1],
		})
	}
	return out
}

// FindClosingBrace scans from headEnd, just past the opening brace, and returns the offset
// of the matching closing brace, or -1 if the buffer ends first.
func FindClosingBrace(code string, headStart, headEnd int) int {
	depth := 1
	for i := headEnd; i < len(code); i++ {
		switch code[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// FindIndentEnd returns the offset just before the first line after the header that does
// not start with the body's indentation. The indentation is taken from the line following
// the header. Blank lines belong to the body.
func FindIndentEnd(code string, headStart, headEnd int) int {
	nl := strings.IndexByte(code[headEnd:], '\n')
	if nl < 0 {
		return len(code) - 1
	}
	first := headEnd + nl + 1

	indentEnd := first
	for indentEnd < len(code) && (code[indentEnd] == ' ' || code[indentEnd] == '\t') {
		indentEnd++
	}
	indent := code[first:indentEnd]

	i := first
	for i < len(code) {
		if code[i] == '\n' {
			i++
			continue
		}
		end := strings.IndexByte(code[i:], '\n')
		if end < 0 {
			end = len(code)
		} else {
			end += i
		}
		if !strings.HasPrefix(code[i:end], indent) {
			return i - 1
		}
		i = end
	}
	return len(code) - 1
}
