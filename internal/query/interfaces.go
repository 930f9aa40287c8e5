package query

import (
	"context"
	"time"
)

// The query core consumes its collaborators through the narrow contracts
// below. Implementations live in internal/backends and internal/session.

// Embedder produces a fixed-dimension vector for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex performs nearest-neighbour search over stored chunks.
// Results are sorted by descending similarity score in [0,1].
type VectorIndex interface {
	Search(ctx context.Context, vector []float32, topK int) ([]Source, error)
}

// LexicalIndex performs keyword search over stored chunks. Results are
// sorted by descending BM25 score normalized to [0,1]. Optional; absence
// disables hybrid fusion.
type LexicalIndex interface {
	Search(ctx context.Context, text string, topK int) ([]Source, error)
}

// ChatMessage is one role+content pair in an LLM conversation.
type ChatMessage struct {
	Role    string `json:"role"` // system, user or assistant
	Content string `json:"content"`
}

// GenerateRequest configures one LLM completion.
type GenerateRequest struct {
	Messages    []ChatMessage
	Temperature float64
	MaxTokens   int
}

// LLM generates text from an ordered message list.
type LLM interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// SessionStore persists per-session conversation logs. Append is
// serialized per session; Recent returns most recent first.
type SessionStore interface {
	Append(ctx context.Context, sessionID, role, content string, metadata map[string]string) error
	Recent(ctx context.Context, sessionID string, n int) ([]Message, error)
}

// CacheBackend is an optional persistent key-value tier behind the
// in-process response cache. Errors are treated as misses.
type CacheBackend interface {
	Get(ctx context.Context, key string) (*SpeculativeResponse, error)
	Set(ctx context.Context, key string, resp *SpeculativeResponse, ttl time.Duration) error
}

// WebSearcher runs a web search and returns results as Sources.
// Used by the agentic path in deep and web_search modes only.
type WebSearcher interface {
	Search(ctx context.Context, query string, n int) ([]Source, error)
}
