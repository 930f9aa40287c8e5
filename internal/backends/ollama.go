// Package backends implements the query core's external collaborators:
// Ollama embedding and generation, Qdrant vector search, the Redis cache
// tier and the web search client.
package backends

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"

	"github.com/simpleflo/tandem/internal/observability"
	"github.com/simpleflo/tandem/internal/query"
	"github.com/simpleflo/tandem/pkg/models"
)

const (
	// DefaultOllamaHost is the default Ollama API endpoint.
	DefaultOllamaHost = "http://localhost:11434"

	// DefaultChatModel is the default generation model.
	DefaultChatModel = "llama3.2:3b"

	// DefaultEmbedModel produces 768-dimensional vectors and is MIT
	// licensed.
	DefaultEmbedModel = "nomic-embed-text"

	// DefaultEmbedDimension is the vector dimension for nomic-embed-text.
	DefaultEmbedDimension = 768
)

// OllamaConfig configures the Ollama client.
type OllamaConfig struct {
	Host           string // Ollama API endpoint (default: http://localhost:11434)
	ChatModel      string // generation model (default: llama3.2:3b)
	EmbedModel     string // embedding model (default: nomic-embed-text)
	EmbedDimension int    // vector dimension (default: 768)
}

// OllamaClient implements query.Embedder and query.LLM over a local
// Ollama instance.
type OllamaClient struct {
	client     *api.Client
	chatModel  string
	embedModel string
	dimension  int
	logger     zerolog.Logger

	mu    sync.RWMutex
	ready map[string]bool // per-model availability
}

// NewOllamaClient creates an Ollama client.
func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = DefaultEmbedModel
	}
	if cfg.EmbedDimension <= 0 {
		cfg.EmbedDimension = DefaultEmbedDimension
	}

	host, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama host URL: %w", err)
	}

	return &OllamaClient{
		client:     api.NewClient(host, http.DefaultClient),
		chatModel:  cfg.ChatModel,
		embedModel: cfg.EmbedModel,
		dimension:  cfg.EmbedDimension,
		logger:     observability.Logger("backends.ollama"),
		ready:      map[string]bool{},
	}, nil
}

// EnsureModels verifies both models are available, pulling missing ones.
func (c *OllamaClient) EnsureModels(ctx context.Context) error {
	for _, model := range []string{c.embedModel, c.chatModel} {
		if err := c.ensureModel(ctx, model); err != nil {
			return err
		}
	}
	return nil
}

func (c *OllamaClient) ensureModel(ctx context.Context, model string) error {
	c.mu.RLock()
	ok := c.ready[model]
	c.mu.RUnlock()
	if ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready[model] {
		return nil
	}

	if _, err := c.client.Show(ctx, &api.ShowRequest{Model: model}); err == nil {
		c.ready[model] = true
		return nil
	}

	c.logger.Info().Str("model", model).Msg("pulling model (this may take a few minutes)")
	progressFn := func(resp api.ProgressResponse) error {
		if resp.Total > 0 {
			pct := float64(resp.Completed) / float64(resp.Total) * 100
			c.logger.Debug().Str("status", resp.Status).Float64("progress", pct).Msg("pulling model")
		}
		return nil
	}
	if err := c.client.Pull(ctx, &api.PullRequest{Model: model}, progressFn); err != nil {
		return models.WrapError(models.ErrLLMUnavailable, fmt.Sprintf("failed to pull model %s", model), err)
	}

	c.ready[model] = true
	c.logger.Info().Str("model", model).Msg("model pulled and ready")
	return nil
}

// Embed generates an embedding for a single text.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.Embed(ctx, &api.EmbedRequest{
		Model: c.embedModel,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings in response")
	}

	embedding := make([]float32, len(resp.Embeddings[0]))
	for i, v := range resp.Embeddings[0] {
		embedding[i] = float32(v)
	}
	return embedding, nil
}

// Dimension returns the embedding dimension.
func (c *OllamaClient) Dimension() int {
	return c.dimension
}

// Generate runs one non-streaming chat completion.
func (c *OllamaClient) Generate(ctx context.Context, req query.GenerateRequest) (string, error) {
	messages := make([]api.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, api.Message{Role: m.Role, Content: m.Content})
	}

	options := map[string]interface{}{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	stream := false
	var b strings.Builder
	err := c.client.Chat(ctx, &api.ChatRequest{
		Model:    c.chatModel,
		Messages: messages,
		Stream:   &stream,
		Options:  options,
	}, func(resp api.ChatResponse) error {
		b.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}

// HealthCheck verifies Ollama responds.
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	if _, err := c.client.Version(ctx); err != nil {
		return fmt.Errorf("ollama health check failed: %w", err)
	}
	return nil
}
