package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/simpleflo/tandem/internal/observability"
	"github.com/simpleflo/tandem/internal/query"
)

// WebSearchConfig configures the web search client.
type WebSearchConfig struct {
	// URL is the SearxNG-compatible search endpoint.
	URL     string
	Timeout time.Duration // per-request budget (default: 10s)
}

// WebSearchClient implements query.WebSearcher against a SearxNG-style
// JSON API.
type WebSearchClient struct {
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
}

// NewWebSearchClient creates a web search client.
func NewWebSearchClient(cfg WebSearchConfig) (*WebSearchClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("web search URL is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid web search URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebSearchClient{
		endpoint: cfg.URL,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   observability.Logger("backends.websearch"),
	}, nil
}

type searxResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type searxResponse struct {
	Results []searxResult `json:"results"`
}

// Search runs one query and maps results to sources. Result scores are
// rank-based so they compose with retrieval scores downstream.
func (w *WebSearchClient) Search(ctx context.Context, queryText string, n int) ([]query.Source, error) {
	if n <= 0 {
		n = 10
	}

	params := url.Values{}
	params.Set("q", queryText)
	params.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("web search error: status %d, body: %s", resp.StatusCode, string(body))
	}

	var parsed searxResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(parsed.Results) > n {
		parsed.Results = parsed.Results[:n]
	}

	sources := make([]query.Source, 0, len(parsed.Results))
	for i, r := range parsed.Results {
		sources = append(sources, query.Source{
			ChunkID:      "web:" + r.URL,
			DocumentID:   r.URL,
			DocumentName: r.Title,
			Text:         r.Content,
			Score:        1.0 / float64(i+1),
			Metadata: map[string]string{
				"url":  r.URL,
				"rank": strconv.Itoa(i + 1),
			},
		})
	}

	w.logger.Debug().Int("results", len(sources)).Msg("web search completed")
	return sources, nil
}
