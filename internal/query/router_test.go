package query

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

func finalsOf(chunks []ResponseChunk) []ResponseChunk {
	var out []ResponseChunk
	for _, c := range chunks {
		if c.Type == ChunkFinal {
			out = append(out, c)
		}
	}
	return out
}

func checkChunkIDs(t *testing.T, chunks []ResponseChunk) {
	t.Helper()
	for i, c := range chunks {
		parts := strings.Split(c.ChunkID, "_chunk_")
		if len(parts) != 2 {
			t.Fatalf("malformed chunk id %q", c.ChunkID)
		}
		want := fmt.Sprintf("%03d", i+1)
		if parts[1] != want {
			t.Errorf("chunk %d id suffix = %s, want %s", i, parts[1], want)
		}
		if i > 0 && parts[0] != strings.Split(chunks[0].ChunkID, "_chunk_")[0] {
			t.Errorf("chunk %d query id differs from first chunk", i)
		}
	}
}

func TestRouterFastModeSingleFinal(t *testing.T) {
	vec := &fakeVector{hits: mkSources(5, 0.9)}
	llm := &fakeLLM{reply: "fast answer"}
	r := newTestRouter(vec, nil, llm, nil, nil, nil, RouterOptions{})

	chunks := drainChunks(r.Process(context.Background(), Request{Query: "what is caching", Mode: ModeFast}))
	if len(chunks) != 1 {
		t.Fatalf("fast mode must emit exactly one chunk, got %d", len(chunks))
	}
	final := chunks[0]
	if final.Type != ChunkFinal || final.PathSource != PathSpeculative {
		t.Errorf("got %s/%s, want final/speculative", final.Type, final.PathSource)
	}
	if final.Content != "fast answer" {
		t.Errorf("content = %q", final.Content)
	}
	if final.Confidence <= 0 {
		t.Errorf("confidence = %f", final.Confidence)
	}
	if final.Metadata["mode_used"] != "fast" {
		t.Errorf("mode_used = %v", final.Metadata["mode_used"])
	}
	if _, ok := final.Metadata["processing_time"]; !ok {
		t.Error("final chunk must carry processing_time")
	}
	checkChunkIDs(t, chunks)
}

func TestRouterFastCacheMissThenHit(t *testing.T) {
	vec := &fakeVector{hits: mkSources(5, 0.9)}
	llm := &fakeLLM{reply: "answer"}
	cache := NewResponseCache(CacheOptions{}, nil, nil)
	r := newTestRouter(vec, nil, llm, nil, nil, cache, RouterOptions{})

	req := Request{Query: "what is caching", Mode: ModeFast, EnableCache: true}

	first := finalsOf(drainChunks(r.Process(context.Background(), req)))[0]
	if first.Metadata["cache_hit"] != false {
		t.Errorf("first call cache_hit = %v, want false", first.Metadata["cache_hit"])
	}

	second := finalsOf(drainChunks(r.Process(context.Background(), req)))[0]
	if second.Metadata["cache_hit"] != true {
		t.Fatalf("second call cache_hit = %v, want true", second.Metadata["cache_hit"])
	}
	if second.Metadata["cache_match_type"] != MatchExact {
		t.Errorf("cache_match_type = %v", second.Metadata["cache_match_type"])
	}
	if second.Content != first.Content {
		t.Errorf("cached content %q differs from original %q", second.Content, first.Content)
	}
	if second.Confidence < first.Confidence {
		t.Errorf("hit confidence %f below original %f", second.Confidence, first.Confidence)
	}
	if llm.calls != 1 {
		t.Errorf("llm called %d times, want 1", llm.calls)
	}
}

func TestRouterAutoResolvesSimpleToFast(t *testing.T) {
	vec := &fakeVector{hits: mkSources(3, 0.9)}
	llm := &fakeLLM{reply: "answer"}
	r := newTestRouter(vec, nil, llm, nil, nil, nil, RouterOptions{EnableIntelligentRouting: true})

	chunks := drainChunks(r.Process(context.Background(), Request{Query: "What is RRF?", Mode: ModeAuto}))
	final := finalsOf(chunks)[0]
	if final.Metadata["mode_used"] != "fast" {
		t.Errorf("mode_used = %v, want fast", final.Metadata["mode_used"])
	}
	if final.Metadata["complexity"] != "simple" {
		t.Errorf("complexity = %v, want simple", final.Metadata["complexity"])
	}
	if _, ok := final.Metadata["routing_confidence"]; !ok {
		t.Error("expected routing_confidence metadata")
	}
}

func TestRouterAutoWithRoutingDisabledUsesDefault(t *testing.T) {
	vec := &fakeVector{hits: mkSources(3, 0.9)}
	llm := &fakeLLM{reply: "answer"}
	r := newTestRouter(vec, nil, llm, nil, nil, nil, RouterOptions{DefaultMode: ModeFast})

	chunks := drainChunks(r.Process(context.Background(), Request{Query: "Compare A and B and analyze the trade-offs?"}))
	final := finalsOf(chunks)[0]
	if final.Metadata["mode_used"] != "fast" {
		t.Errorf("mode_used = %v, want configured default", final.Metadata["mode_used"])
	}
	if _, ok := final.Metadata["complexity"]; ok {
		t.Error("disabled routing must not run the analyzer")
	}
}

func TestRouterBalancedStreamOrdering(t *testing.T) {
	vec := &fakeVector{hits: mkSources(5, 0.9)}
	llm := &fakeLLM{reply: "detailed answer"}
	r := newTestRouter(vec, nil, llm, nil, nil, nil, RouterOptions{})

	chunks := drainChunks(r.Process(context.Background(), Request{Query: "how does caching work", Mode: ModeBalanced}))
	if len(chunks) < 3 {
		t.Fatalf("expected preliminary, refinements and final, got %d chunks", len(chunks))
	}
	checkChunkIDs(t, chunks)

	if chunks[0].Type != ChunkPreliminary {
		t.Fatalf("first chunk = %s, want preliminary", chunks[0].Type)
	}
	if chunks[0].PathSource != PathSpeculative {
		t.Errorf("preliminary path = %s", chunks[0].PathSource)
	}

	finals := finalsOf(chunks)
	if len(finals) != 1 {
		t.Fatalf("expected exactly one final, got %d", len(finals))
	}
	if chunks[len(chunks)-1].Type != ChunkFinal {
		t.Error("final must be the last chunk")
	}

	for _, c := range chunks[1 : len(chunks)-1] {
		if c.Type != ChunkRefinement {
			t.Errorf("middle chunk type = %s, want refinement", c.Type)
		}
		if c.Confidence != 0 {
			t.Errorf("refinement confidence = %f, want 0", c.Confidence)
		}
	}

	final := finals[0]
	if final.PathSource != PathHybrid {
		t.Errorf("final path = %s, want hybrid", final.PathSource)
	}
	if final.Content != "detailed answer" {
		t.Errorf("final content = %q", final.Content)
	}
	if final.Confidence < chunks[0].Confidence {
		t.Errorf("final confidence %f below preliminary %f", final.Confidence, chunks[0].Confidence)
	}
}

func TestRouterBalancedSpeculativeTimeoutDegrades(t *testing.T) {
	vec := &fakeVector{hits: mkSources(3, 0.9)}
	llm := &fakeLLM{reply: "deep answer", latency: 900 * time.Millisecond}
	r := newTestRouter(vec, nil, llm, nil, nil, nil, RouterOptions{})

	chunks := drainChunks(r.Process(context.Background(), Request{
		Query:              "how does caching work",
		Mode:               ModeBalanced,
		SpeculativeTimeout: 600 * time.Millisecond,
		AgenticTimeout:     10 * time.Second,
	}))

	finals := finalsOf(chunks)
	if len(finals) != 1 {
		t.Fatalf("expected one final, got %d", len(finals))
	}
	if finals[0].Content != "deep answer" {
		t.Errorf("final content = %q, want the agentic answer", finals[0].Content)
	}

	// The speculative leg timed out on generation; a preliminary may
	// still appear via the raw-document fallback but must carry the
	// timeout category.
	for _, c := range chunks {
		if c.Type == ChunkPreliminary {
			if c.Metadata["error"] != "timeout" {
				t.Errorf("degraded preliminary error = %v, want timeout", c.Metadata["error"])
			}
		}
	}
}

func TestRouterBalancedBothPathsFailed(t *testing.T) {
	vec := &fakeVector{fail: true}
	llm := &fakeLLM{fail: true}
	r := newTestRouter(vec, nil, llm, nil, nil, nil, RouterOptions{})

	chunks := drainChunks(r.Process(context.Background(), Request{Query: "anything", Mode: ModeBalanced}))
	finals := finalsOf(chunks)
	if len(finals) != 1 {
		t.Fatalf("expected exactly one final, got %d", len(finals))
	}
	final := finals[0]
	if final.Content != DiagnosticNoResponse {
		t.Errorf("content = %q, want the fixed diagnostic", final.Content)
	}
	if final.Confidence != 0 {
		t.Errorf("confidence = %f, want 0", final.Confidence)
	}
	if final.Metadata["error"] != "both_paths_failed" {
		t.Errorf("error = %v, want both_paths_failed", final.Metadata["error"])
	}
	for _, c := range chunks {
		if c.Type == ChunkPreliminary {
			t.Error("failed speculative leg must not emit a preliminary chunk")
		}
	}
}

func TestRouterDeepMode(t *testing.T) {
	vec := &fakeVector{hits: mkSources(5, 0.9)}
	llm := &fakeLLM{reply: "deep answer"}
	web := &fakeWeb{hits: []Source{{ChunkID: "w1", DocumentName: "example.com", Text: "a distinct web result", Score: 0.7}}}
	r := newTestRouter(vec, nil, llm, nil, web, nil, RouterOptions{})

	chunks := drainChunks(r.Process(context.Background(), Request{Query: "analyze everything", Mode: ModeDeep}))
	checkChunkIDs(t, chunks)

	finals := finalsOf(chunks)
	if len(finals) != 1 {
		t.Fatalf("expected one final, got %d", len(finals))
	}
	if finals[0].PathSource != PathAgentic {
		t.Errorf("final path = %s, want agentic", finals[0].PathSource)
	}
	if len(finals[0].Sources) == 0 {
		t.Error("deep final must carry sources")
	}
	// Deep mode enables web search.
	if web.calls != 1 {
		t.Errorf("web searcher called %d times, want 1", web.calls)
	}
	for _, c := range chunks[:len(chunks)-1] {
		if c.Type != ChunkRefinement {
			t.Errorf("non-terminal chunk type = %s", c.Type)
		}
	}
}

func TestRouterWebSearchModeTagsSources(t *testing.T) {
	vec := &fakeVector{hits: mkSources(2, 0.9)}
	llm := &fakeLLM{reply: "web answer"}
	web := &fakeWeb{hits: []Source{{ChunkID: "w1", DocumentName: "example.com", Text: "a distinct web result", Score: 0.95}}}
	r := newTestRouter(vec, nil, llm, nil, web, nil, RouterOptions{})

	chunks := drainChunks(r.Process(context.Background(), Request{Query: "latest release notes", Mode: ModeWebSearch}))
	final := finalsOf(chunks)[0]
	if final.PathSource != PathWebSearch {
		t.Errorf("final path = %s, want web_search", final.PathSource)
	}
	var tagged bool
	for _, s := range final.Sources {
		if s.Metadata["origin"] == "web_search" {
			tagged = true
		}
	}
	if !tagged {
		t.Error("web results must be tagged in final sources")
	}
}

func TestRouterRejectsInvalidRequests(t *testing.T) {
	vec := &fakeVector{hits: mkSources(2, 0.9)}
	llm := &fakeLLM{reply: "answer"}
	r := newTestRouter(vec, nil, llm, nil, nil, nil, RouterOptions{})

	cases := []struct {
		name string
		req  Request
	}{
		{"empty query", Request{Query: "   "}},
		{"bad mode", Request{Query: "q", Mode: Mode("turbo")}},
		{"top_k too large", Request{Query: "q", TopK: 51}},
		{"speculative timeout too small", Request{Query: "q", SpeculativeTimeout: 100 * time.Millisecond}},
		{"agentic timeout too large", Request{Query: "q", AgenticTimeout: 2 * time.Minute}},
	}
	for _, tc := range cases {
		chunks := drainChunks(r.Process(context.Background(), tc.req))
		if len(chunks) != 1 {
			t.Fatalf("%s: expected single chunk, got %d", tc.name, len(chunks))
		}
		if chunks[0].Type != ChunkFinal {
			t.Errorf("%s: type = %s", tc.name, chunks[0].Type)
		}
		if chunks[0].Metadata["error"] != "invalid_input" {
			t.Errorf("%s: error = %v", tc.name, chunks[0].Metadata["error"])
		}
		if chunks[0].Confidence != 0 {
			t.Errorf("%s: confidence = %f", tc.name, chunks[0].Confidence)
		}
	}
	if llm.calls != 0 {
		t.Errorf("rejected requests must not reach a path, llm calls = %d", llm.calls)
	}
}

func TestRouterRateLimitPerCaller(t *testing.T) {
	vec := &fakeVector{hits: mkSources(2, 0.9)}
	llm := &fakeLLM{reply: "answer"}
	r := newTestRouter(vec, nil, llm, nil, nil, nil, RouterOptions{RateLimitPerMinute: 2})

	req := Request{Query: "q", Mode: ModeFast, CallerID: "10.0.0.1"}
	for i := 0; i < 2; i++ {
		chunks := drainChunks(r.Process(context.Background(), req))
		if chunks[0].Metadata["error"] != nil {
			t.Fatalf("request %d unexpectedly rejected: %v", i+1, chunks[0].Metadata["error"])
		}
	}

	chunks := drainChunks(r.Process(context.Background(), req))
	if len(chunks) != 1 {
		t.Fatalf("expected single rejection chunk, got %d", len(chunks))
	}
	if chunks[0].Metadata["error"] != "rate_limited" {
		t.Errorf("error = %v, want rate_limited", chunks[0].Metadata["error"])
	}

	// A different caller still gets through.
	other := drainChunks(r.Process(context.Background(), Request{Query: "q", Mode: ModeFast, CallerID: "10.0.0.2"}))
	if other[0].Metadata["error"] != nil {
		t.Errorf("independent caller rejected: %v", other[0].Metadata["error"])
	}
}

func TestRouterCancellationClosesWithoutFinal(t *testing.T) {
	vec := &fakeVector{hits: mkSources(3, 0.9), latency: 40 * time.Millisecond}
	llm := &fakeLLM{reply: "answer", latency: 300 * time.Millisecond}
	r := newTestRouter(vec, nil, llm, nil, nil, nil, RouterOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	stream := r.Process(ctx, Request{Query: "a? b? c?", Mode: ModeBalanced})

	var received []ResponseChunk
	first, ok := <-stream
	if ok {
		received = append(received, first)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		for c := range stream {
			received = append(received, c)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancellation")
	}

	if finals := finalsOf(received); len(finals) != 0 {
		t.Errorf("cancelled stream emitted %d final chunks", len(finals))
	}
}

func TestRouterAllServicesDownStillEmitsFinal(t *testing.T) {
	vec := &fakeVector{fail: true}
	llm := &fakeLLM{fail: true}
	sessions := newFakeSessions()
	sessions.fail = true
	r := newTestRouter(vec, nil, llm, sessions, nil, nil, RouterOptions{})

	for _, mode := range []Mode{ModeFast, ModeBalanced, ModeDeep} {
		chunks := drainChunks(r.Process(context.Background(), Request{Query: "q", Mode: mode, SessionID: "s"}))
		finals := finalsOf(chunks)
		if len(finals) != 1 {
			t.Fatalf("mode %s: expected one final, got %d", mode, len(finals))
		}
		if finals[0].Confidence != 0 {
			t.Errorf("mode %s: confidence = %f, want 0", mode, finals[0].Confidence)
		}
	}
}
