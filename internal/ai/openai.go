package ai

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	openai "github.com/sashabaranov/go-openai"
)

var embedDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "feedback",
	Subsystem: "ai",
	Name:      "embed_duration_seconds",
	Help:      "Duration of embedding requests to the provider",
}, []string{"provider"})

type OpenAIClient struct {
	config  *ClientConfig
	http    *http.Client
	baseURL string
}

func NewOpenAIClient(config *ClientConfig) *OpenAIClient {
	if config.EmbedModel == "" {
		config.EmbedModel = string(openai.AdaEmbeddingV2)
	}
	if config.Dim == 0 {
		config.Dim = 1536
	}

	// Create HTTP client with optional TLS skip verification
	transport := &http.Transport{}

	// Check for environment variable to skip TLS verification (for corporate proxies, etc.)
	if skipTLS, _ := strconv.ParseBool(os.Getenv("FEEDBACK_SKIP_TLS_VERIFY")); skipTLS {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	return &OpenAIClient{
		config: config,
		http: &http.Client{
			Timeout:   20 * time.Second,
			Transport: transport,
		},
	}
}

// Embed computes the embedding of text. The key passed in wins over the configured one.
func (c *OpenAIClient) Embed(ctx context.Context, text, apiKey string) (Embedding, error) {
	key, err := resolveKey(apiKey, c.config.APIKey)
	if err != nil {
		return Embedding{}, err
	}

	timer := prometheus.NewTimer(embedDuration.WithLabelValues(string(ProviderOpenAI)))
	defer timer.ObserveDuration()

	resp, err := c.client(key).CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.config.EmbedModel),
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return Embedding{}, fmt.Errorf("openai embedding: %s (status %d)", apiErr.Message, apiErr.HTTPStatusCode)
		}
		return Embedding{}, err
	}
	if len(resp.Data) == 0 {
		return Embedding{}, errors.New("no embedding")
	}
	return Embedding{Vector: resp.Data[0].Embedding, Tokens: resp.Usage.TotalTokens}, nil
}

func (c *OpenAIClient) Dim() int {
	return c.config.Dim
}

func (c *OpenAIClient) client(key string) *openai.Client {
	cfg := openai.DefaultConfig(key)
	if c.baseURL != "" {
		cfg.BaseURL = c.baseURL
	}
	cfg.HTTPClient = &http.Client{
		Timeout:   c.http.Timeout,
		Transport: &projectTransport{key: key, projectID: c.config.ProjectID, next: c.http.Transport},
	}
	return openai.NewClientWithConfig(cfg)
}

// projectTransport adds the OpenAI-Project header for project scoped keys.
type projectTransport struct {
	key       string
	projectID string
	next      http.RoundTripper
}

func (t *projectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if strings.HasPrefix(t.key, "sk-proj-") && t.projectID != "" {
		req = req.Clone(req.Context())
		req.Header.Set("OpenAI-Project", t.projectID)
	}
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(req)
}
