package ai

import (
	"errors"
	"path"
	"strings"
	"sync"

	"github.com/fulib/feedback/pkg/models"
	tiktoken "github.com/pkoukk/tiktoken-go"
)

const (
	// TokenizerModel is the model whose encoding is used to count tokens.
	TokenizerModel = "text-embedding-ada-002"

	// CostPerToken is the embedding price in USD per token.
	CostPerToken = 0.0000004
)

// textExtensions lists the file extensions that are embedded and counted.
var textExtensions = map[string]struct{}{}

func init() {
	for _, ext := range strings.Fields(`
		c h cc cpp cxx hpp hh cs java kt kts scala groovy go rs swift m mm
		js jsx mjs cjs ts tsx vue svelte py pyw rb php pl pm lua r jl dart
		sh bash zsh ps1 bat sql html htm css scss sass less xml xsd json yaml yml toml ini
		properties gradle cmake make mk md markdown rst txt csv tex
		hs ml mli fs fsx clj cljs ex exs erl elm nim zig v sv vhd asm s
	`) {
		textExtensions[ext] = struct{}{}
	}
}

// IsSupportedExtension reports whether a file is embedded and counted, judging by the text
// after its last dot.
func IsSupportedExtension(name string) bool {
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	ext := base[strings.LastIndex(base, ".")+1:]
	_, ok := textExtensions[strings.ToLower(ext)]
	return ok
}

// EstimateCost converts a token count into USD.
func EstimateCost(tokens int) float64 {
	return float64(tokens) * CostPerToken
}

// Tokenizer counts the tokens of a text.
type Tokenizer interface {
	Count(text string) int
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

func (t tiktokenTokenizer) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Estimator counts tokens the way the embedding provider bills them. It holds the loaded
// encoding until Close is called; using it afterwards is an error.
type Estimator struct {
	mu  sync.RWMutex
	tok Tokenizer
}

// NewEstimator loads the encoding of TokenizerModel.
func NewEstimator() (*Estimator, error) {
	enc, err := tiktoken.EncodingForModel(TokenizerModel)
	if err != nil {
		return nil, err
	}
	return NewEstimatorWithTokenizer(tiktokenTokenizer{enc: enc}), nil
}

func NewEstimatorWithTokenizer(tok Tokenizer) *Estimator {
	return &Estimator{tok: tok}
}

var errEstimatorClosed = errors.New("ai: estimator closed")

// CountTokens sums the tokens of every file with a supported extension.
func (e *Estimator) CountTokens(files []models.SourceFile) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.tok == nil {
		return 0, errEstimatorClosed
	}

	total := 0
	for _, f := range files {
		if !IsSupportedExtension(f.File) {
			continue
		}
		total += e.tok.Count(f.Content)
	}
	return total, nil
}

// Estimate counts the tokens of files and prices them.
func (e *Estimator) Estimate(files []models.SourceFile) (models.EmbeddingEstimate, error) {
	tokens, err := e.CountTokens(files)
	if err != nil {
		return models.EmbeddingEstimate{}, err
	}
	return models.EmbeddingEstimate{Tokens: tokens, EstimatedCost: EstimateCost(tokens)}, nil
}

// Close releases the encoding. It is safe to call more than once.
func (e *Estimator) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tok = nil
}
