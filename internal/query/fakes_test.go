package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Shared in-memory fakes for the query package tests.

var errBackendDown = errors.New("backend unavailable")

// fakeEmbedder returns a deterministic vector per text. Identical texts
// embed identically; vectors for different texts are orthogonal unless
// registered as similar.
type fakeEmbedder struct {
	mu      sync.Mutex
	fail    bool
	latency time.Duration
	// vectors maps text to a fixed embedding; unknown texts hash to a
	// pseudo-random unit axis.
	vectors map[string][]float32
	calls   int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: map[string][]float32{}}
}

func (f *fakeEmbedder) register(text string, vec []float32) {
	f.mu.Lock()
	f.vectors[text] = vec
	f.mu.Unlock()
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, errBackendDown
	}
	if vec, ok := f.vectors[text]; ok {
		return vec, nil
	}
	// Unknown text: a unit axis derived from the text so distinct
	// queries are dissimilar.
	axis := 0
	for _, r := range text {
		axis = (axis + int(r)) % 8
	}
	vec := make([]float32, 8)
	vec[axis] = 1
	return vec, nil
}

type fakeVector struct {
	mu      sync.Mutex
	fail    bool
	latency time.Duration
	hits    []Source
	calls   int
}

func (f *fakeVector) Search(ctx context.Context, vector []float32, topK int) ([]Source, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, errBackendDown
	}
	if len(f.hits) > topK {
		return append([]Source(nil), f.hits[:topK]...), nil
	}
	return append([]Source(nil), f.hits...), nil
}

type fakeLexical struct {
	mu    sync.Mutex
	fail  bool
	hits  []Source
	calls int
}

func (f *fakeLexical) Search(ctx context.Context, text string, topK int) ([]Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, errBackendDown
	}
	if len(f.hits) > topK {
		return append([]Source(nil), f.hits[:topK]...), nil
	}
	return append([]Source(nil), f.hits...), nil
}

type fakeLLM struct {
	mu      sync.Mutex
	fail    bool
	latency time.Duration
	reply   string
	calls   int
}

func (f *fakeLLM) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return "", errBackendDown
	}
	if f.reply != "" {
		return f.reply, nil
	}
	return "generated answer", nil
}

type sessionRecord struct {
	Role    string
	Content string
	Meta    map[string]string
}

type fakeSessions struct {
	mu   sync.Mutex
	fail bool
	logs map[string][]sessionRecord
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{logs: map[string][]sessionRecord{}}
}

func (f *fakeSessions) Append(ctx context.Context, sessionID, role, content string, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errBackendDown
	}
	f.logs[sessionID] = append(f.logs[sessionID], sessionRecord{Role: role, Content: content, Meta: metadata})
	return nil
}

func (f *fakeSessions) Recent(ctx context.Context, sessionID string, n int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errBackendDown
	}
	records := f.logs[sessionID]
	var out []Message
	for i := len(records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, Message{
			Role:      records[i].Role,
			Content:   records[i].Content,
			CreatedAt: time.Now(),
		})
	}
	return out, nil
}

func (f *fakeSessions) count(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.logs[sessionID])
}

type fakeWeb struct {
	mu    sync.Mutex
	fail  bool
	hits  []Source
	calls int
}

func (f *fakeWeb) Search(ctx context.Context, query string, n int) ([]Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, errBackendDown
	}
	return append([]Source(nil), f.hits...), nil
}

type fakeBackend struct {
	mu      sync.Mutex
	fail    bool
	entries map[string]*SpeculativeResponse
	sets    int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{entries: map[string]*SpeculativeResponse{}}
}

func (f *fakeBackend) Get(ctx context.Context, key string) (*SpeculativeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errBackendDown
	}
	return f.entries[key], nil
}

func (f *fakeBackend) Set(ctx context.Context, key string, resp *SpeculativeResponse, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errBackendDown
	}
	f.entries[key] = resp
	f.sets++
	return nil
}

// mkSource builds a test source with the given id and score.
func mkSource(id string, score float64) Source {
	return Source{
		ChunkID:      id,
		DocumentID:   "doc-" + id,
		DocumentName: "Doc " + id,
		Text:         fmt.Sprintf("content of chunk %s", id),
		Score:        score,
	}
}

// mkSources builds n sources with descending scores starting at top.
func mkSources(n int, top float64) []Source {
	out := make([]Source, n)
	for i := 0; i < n; i++ {
		out[i] = mkSource(fmt.Sprintf("c%d", i+1), top-float64(i)*0.05)
	}
	return out
}

// drainChunks collects a whole chunk stream.
func drainChunks(ch <-chan ResponseChunk) []ResponseChunk {
	var out []ResponseChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

// newTestRouter wires a router over fakes with sensible defaults.
func newTestRouter(vec *fakeVector, lex *fakeLexical, llm *fakeLLM, sessions *fakeSessions, web *fakeWeb, cache *ResponseCache, opts RouterOptions) *Router {
	emb := newFakeEmbedder()
	var lexIdx LexicalIndex
	if lex != nil {
		lexIdx = lex
	}
	retriever := NewRetriever(emb, vec, lexIdx)
	var sess SessionStore
	if sessions != nil {
		sess = sessions
	}
	var webber WebSearcher
	if web != nil {
		webber = web
	}
	spec := NewSpeculativePath(retriever, llm, sess, cache)
	agentic := NewAgenticPath(retriever, llm, sess, webber)
	return NewRouter(spec, agentic, opts)
}
