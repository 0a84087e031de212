package ai

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
)

// ErrMissingAPIKey is returned when neither the call nor the configuration carries an API key.
var ErrMissingAPIKey = errors.New("ai: provider api key unset")

// Embedding is a computed vector and the number of tokens the provider charged for it.
type Embedding struct {
	Vector []float32
	Tokens int
}

// Client computes embeddings. apiKey overrides the configured key when non-empty.
type Client interface {
	Embed(ctx context.Context, text, apiKey string) (Embedding, error)
	Dim() int
}

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderStub     Provider = "stub"
)

// ClientConfig holds configuration for AI clients
type ClientConfig struct {
	APIKey     string
	EmbedModel string
	Dim        int
	ProjectID  string
	Provider   Provider
	Location   string
}

// NewClient creates a new AI client based on configuration
func NewClient(ctx context.Context, config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		return NewVertexAIClient(ctx, config)
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

// StubClient returns deterministic pseudo embeddings without calling any provider.
// Equal texts get equal unit vectors; one token is charged per whitespace separated word.
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	if dim <= 0 {
		dim = 1536
	}
	return &StubClient{dim: dim}
}

func (s *StubClient) Embed(ctx context.Context, text, apiKey string) (Embedding, error) {
	if err := ctx.Err(); err != nil {
		return Embedding{}, err
	}

	words := strings.Fields(text)
	vec := make([]float32, s.dim)
	for _, w := range words {
		h := fnv.New64a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum64()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[int((sum>>1)%uint64(s.dim))] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return Embedding{Vector: vec, Tokens: len(words)}, nil
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}

func resolveKey(apiKey, configured string) (string, error) {
	if k := strings.TrimSpace(apiKey); k != "" {
		return k, nil
	}
	if k := strings.TrimSpace(configured); k != "" {
		return k, nil
	}
	return "", ErrMissingAPIKey
}
