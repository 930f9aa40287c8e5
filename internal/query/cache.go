package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/simpleflo/tandem/internal/observability"
)

// Cache match types reported on hits. Semantic matches carry two tiers:
// at or above SemanticThreshold the queries are treated as equivalent,
// between NearThreshold and SemanticThreshold the hit is a near match.
const (
	MatchExact    = "exact"
	MatchSemantic = "semantic"
	MatchNear     = "semantic_near"
)

// evictFraction is the share of least-recently-accessed entries dropped
// when the cache reaches capacity.
const evictFraction = 0.10

// failureMarkers blocklist: responses containing any of these are never
// cached or returned from cache.
var failureMarkers = []string{
	"no response generated",
	"unable to generate",
	"try again",
	"please wait",
	"no relevant documents found",
	"an error occurred",
}

// minCacheableConfidence is the floor below which responses are not cached.
const minCacheableConfidence = 0.3

// CacheOptions configures the response cache.
type CacheOptions struct {
	TTL               time.Duration // entry lifetime (default 1h)
	MaxEntries        int           // LRU capacity (default 1000)
	SemanticThreshold float64       // exact-semantic similarity (default 0.95)
	NearThreshold     float64       // near-match similarity (default 0.85)
}

// CacheHit is a successful cache lookup.
type CacheHit struct {
	Response   *SpeculativeResponse
	MatchType  string  // exact or semantic
	Similarity float64 // 1.0 for exact hits
}

// CacheStats tracks cache performance counters.
type CacheStats struct {
	Hits         int64 `json:"hits"`
	SemanticHits int64 `json:"semantic_hits"`
	Misses       int64 `json:"misses"`
	Evictions    int64 `json:"evictions"`
	Invalidated  int64 `json:"invalidated"`
	Size         int   `json:"size"`
}

type cacheEntry struct {
	query      string
	response   *SpeculativeResponse
	embedding  []float32
	insertedAt time.Time
}

// ResponseCache stores speculative responses keyed by query fingerprint,
// with optional embedding-based semantic lookup and an optional
// persistent backend tier. Safe for concurrent use. Backend and embedder
// failures are treated as misses; the cache is an optimization, never a
// source of correctness.
type ResponseCache struct {
	opts     CacheOptions
	embedder Embedder     // optional; nil disables semantic lookup
	backend  CacheBackend // optional persistent tier

	mu      sync.Mutex
	entries *lru.Cache[string, *cacheEntry]
	stats   CacheStats

	logger zerolog.Logger
}

// NewResponseCache creates a response cache. embedder and backend may be
// nil.
func NewResponseCache(opts CacheOptions, embedder Embedder, backend CacheBackend) *ResponseCache {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	if opts.SemanticThreshold <= 0 {
		opts.SemanticThreshold = 0.95
	}
	if opts.NearThreshold <= 0 {
		opts.NearThreshold = 0.85
	}

	entries, _ := lru.New[string, *cacheEntry](opts.MaxEntries)

	return &ResponseCache{
		opts:     opts,
		embedder: embedder,
		backend:  backend,
		entries:  entries,
		logger:   observability.Logger("query.cache"),
	}
}

// CacheKey derives the stable exact-lookup fingerprint for a query.
func CacheKey(queryText string, topK int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d", queryText, topK)))
	return hex.EncodeToString(h[:])
}

// Get looks up a prior response, first by exact fingerprint, then by
// embedding similarity against stored entries. Returns nil on miss.
func (c *ResponseCache) Get(ctx context.Context, queryText string, topK int) *CacheHit {
	key := CacheKey(queryText, topK)

	c.mu.Lock()
	if entry, ok := c.entries.Get(key); ok {
		if c.entryValid(entry) {
			resp := cloneResponse(entry.response)
			c.stats.Hits++
			c.mu.Unlock()
			resp.CacheHit = true
			resp.CacheMatchType = MatchExact
			return &CacheHit{Response: resp, MatchType: MatchExact, Similarity: 1.0}
		}
		c.entries.Remove(key)
		c.stats.Invalidated++
	}
	c.mu.Unlock()

	if hit := c.backendGet(ctx, key); hit != nil {
		return hit
	}

	return c.semanticGet(ctx, queryText)
}

// backendGet consults the persistent tier for an exact key.
func (c *ResponseCache) backendGet(ctx context.Context, key string) *CacheHit {
	if c.backend == nil {
		return nil
	}
	resp, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Msg("cache backend get failed, treating as miss")
		return nil
	}
	if resp == nil || !c.responseValid(resp) {
		return nil
	}
	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
	resp = cloneResponse(resp)
	resp.CacheHit = true
	resp.CacheMatchType = MatchExact
	return &CacheHit{Response: resp, MatchType: MatchExact, Similarity: 1.0}
}

// semanticGet scans stored entries for an embedding-similar query.
// Linear scan; acceptable while MaxEntries stays small.
func (c *ResponseCache) semanticGet(ctx context.Context, queryText string) *CacheHit {
	if c.embedder == nil {
		c.miss()
		return nil
	}

	vec, err := c.embedder.Embed(ctx, queryText)
	if err != nil {
		c.logger.Warn().Err(err).Msg("cache embedding failed, treating as miss")
		c.miss()
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var bestKey string
	var bestEntry *cacheEntry
	bestSim := 0.0
	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if !ok || len(entry.embedding) == 0 {
			continue
		}
		sim := CosineSimilarity(vec, entry.embedding)
		if sim > bestSim {
			bestSim = sim
			bestKey = key
			bestEntry = entry
		}
	}

	if bestEntry == nil || bestSim < c.opts.NearThreshold {
		c.stats.Misses++
		return nil
	}
	if !c.entryValid(bestEntry) {
		c.entries.Remove(bestKey)
		c.stats.Invalidated++
		c.stats.Misses++
		return nil
	}

	// Touch recency on the matched entry.
	c.entries.Get(bestKey)
	c.stats.Hits++
	c.stats.SemanticHits++

	matchType := MatchSemantic
	if bestSim < c.opts.SemanticThreshold {
		matchType = MatchNear
	}

	// Either tier returns the stored response at its original confidence;
	// the speculative path decides whether the hit earns a boost.
	resp := cloneResponse(bestEntry.response)
	resp.CacheHit = true
	resp.CacheMatchType = matchType
	return &CacheHit{Response: resp, MatchType: matchType, Similarity: bestSim}
}

// Set stores a response if it passes the validity predicates. Invalid
// responses are silently dropped.
func (c *ResponseCache) Set(ctx context.Context, queryText string, topK int, resp *SpeculativeResponse) {
	if resp == nil || !c.responseValid(resp) {
		return
	}

	var embedding []float32
	if c.embedder != nil {
		vec, err := c.embedder.Embed(ctx, queryText)
		if err != nil {
			c.logger.Warn().Err(err).Msg("cache embedding failed, storing without semantic index")
		} else {
			embedding = vec
		}
	}

	key := CacheKey(queryText, topK)
	stored := cloneResponse(resp)
	stored.CacheHit = false
	stored.CacheMatchType = ""

	c.mu.Lock()
	c.evictLocked()
	c.entries.Add(key, &cacheEntry{
		query:      queryText,
		response:   stored,
		embedding:  embedding,
		insertedAt: time.Now(),
	})
	c.mu.Unlock()

	if c.backend != nil {
		if err := c.backend.Set(ctx, key, stored, c.opts.TTL); err != nil {
			c.logger.Warn().Err(err).Msg("cache backend set failed, dropping")
		}
	}
}

// evictLocked drops the least-recently-accessed 10% when at capacity.
// Caller holds c.mu.
func (c *ResponseCache) evictLocked() {
	if c.entries.Len() < c.opts.MaxEntries {
		return
	}
	drop := int(float64(c.opts.MaxEntries) * evictFraction)
	if drop < 1 {
		drop = 1
	}
	for i := 0; i < drop; i++ {
		if _, _, ok := c.entries.RemoveOldest(); !ok {
			break
		}
		c.stats.Evictions++
	}
	c.logger.Debug().Int("dropped", drop).Msg("cache eviction")
}

// entryValid checks TTL and response validity. Caller holds c.mu.
func (c *ResponseCache) entryValid(entry *cacheEntry) bool {
	if time.Since(entry.insertedAt) > c.opts.TTL {
		return false
	}
	return c.responseValid(entry.response)
}

// responseValid applies the cacheable/returnable predicates.
func (c *ResponseCache) responseValid(resp *SpeculativeResponse) bool {
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, marker := range failureMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	if resp.Confidence < minCacheableConfidence {
		return false
	}
	return len(resp.Sources) > 0
}

func (c *ResponseCache) miss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
}

// Stats returns a snapshot of cache counters.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.entries.Len()
	return s
}

// Len returns the current entry count.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func cloneResponse(resp *SpeculativeResponse) *SpeculativeResponse {
	out := *resp
	out.Sources = append([]Source(nil), resp.Sources...)
	if resp.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(resp.Metadata))
		for k, v := range resp.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
