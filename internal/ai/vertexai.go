package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/genai"
)

type VertexAIClient struct {
	config *ClientConfig
	client *genai.Client
}

// NewVertexAIClient creates a new client for the Google Gemini API.
// Credentials come from the configuration; the per-call key of Embed is not used.
func NewVertexAIClient(ctx context.Context, config *ClientConfig) (*VertexAIClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	if config.EmbedModel == "" {
		config.EmbedModel = "gemini-embedding-001"
	}
	if config.Dim == 0 {
		config.Dim = 1536
	}
	if config.Location == "" && strings.TrimSpace(config.APIKey) == "" {
		config.Location = "us-central1"
	}

	cc := genai.ClientConfig{
		Backend: genai.BackendVertexAI,
	}
	if strings.TrimSpace(config.APIKey) != "" {
		cc.APIKey = config.APIKey
	}
	if strings.TrimSpace(config.ProjectID) != "" {
		cc.Project = config.ProjectID
	}
	if strings.TrimSpace(config.Location) != "" {
		cc.Location = config.Location
	}

	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &VertexAIClient{
		config: config,
		client: client,
	}, nil
}

// Embed computes a document embedding of the configured dimensionality.
func (c *VertexAIClient) Embed(ctx context.Context, text, _ string) (Embedding, error) {
	if c.client == nil {
		return Embedding{}, errors.New("vertex ai client not initialized")
	}

	timer := prometheus.NewTimer(embedDuration.WithLabelValues(string(ProviderVertexAI)))
	defer timer.ObserveDuration()

	dim := int32(c.config.Dim)
	cfg := genai.EmbedContentConfig{
		TaskType:             "RETRIEVAL_DOCUMENT",
		OutputDimensionality: &dim,
	}

	res, err := c.client.Models.EmbedContent(ctx, c.config.EmbedModel, genai.Text(text), &cfg)
	if err != nil {
		return Embedding{}, fmt.Errorf("embedding failed: %w", err)
	}
	if res == nil || len(res.Embeddings) == 0 || res.Embeddings[0] == nil {
		return Embedding{}, errors.New("no embedding returned")
	}

	e := res.Embeddings[0]
	out := Embedding{Vector: e.Values}
	if e.Statistics != nil {
		out.Tokens = int(e.Statistics.TokenCount)
	}
	return out, nil
}

func (c *VertexAIClient) Dim() int {
	return c.config.Dim
}
