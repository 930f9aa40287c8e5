package query

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"
)

func newTestSpeculative(vec *fakeVector, llm *fakeLLM, sessions *fakeSessions, cache *ResponseCache) *SpeculativePath {
	var sess SessionStore
	if sessions != nil {
		sess = sessions
	}
	return NewSpeculativePath(NewRetriever(newFakeEmbedder(), vec, nil), llm, sess, cache)
}

func TestSpeculativeHappyPath(t *testing.T) {
	vec := &fakeVector{hits: mkSources(5, 0.9)}
	llm := &fakeLLM{reply: "synthesized answer"}
	p := newTestSpeculative(vec, llm, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp := p.Process(ctx, PathRequest{QueryText: "how does caching work", TopK: 5})
	if resp.Text != "synthesized answer" {
		t.Errorf("text = %q", resp.Text)
	}
	if len(resp.Sources) != 5 {
		t.Errorf("expected 5 sources, got %d", len(resp.Sources))
	}
	if resp.CacheHit {
		t.Error("cold path must not report a cache hit")
	}
	// avg score of 0.9,0.85,0.8,0.75,0.7 = 0.8; count term = 1.
	want := 0.7*0.8 + 0.3*1.0
	if math.Abs(resp.Confidence-want) > 1e-9 {
		t.Errorf("confidence = %f, want %f", resp.Confidence, want)
	}
}

func TestSpeculativeConfidenceFewSources(t *testing.T) {
	sources := mkSources(2, 1.0) // scores 1.0, 0.95
	got := speculativeConfidence(sources)
	want := 0.7*0.975 + 0.3*(2.0/5.0)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("confidence = %f, want %f", got, want)
	}

	if speculativeConfidence(nil) != 0 {
		t.Error("no sources must give zero confidence")
	}
}

func TestSpeculativeLLMFailureFallsBackToRawDocuments(t *testing.T) {
	vec := &fakeVector{hits: mkSources(3, 0.9)}
	llm := &fakeLLM{fail: true}
	p := newTestSpeculative(vec, llm, nil, nil)

	resp := p.Process(context.Background(), PathRequest{QueryText: "q", TopK: 3})
	if !strings.Contains(resp.Text, "most relevant excerpts") {
		t.Errorf("expected raw-document fallback, got %q", resp.Text)
	}
	if resp.Metadata["llm_fallback"] != true {
		t.Error("expected llm_fallback marker")
	}
	if resp.Metadata["error"] != "llm_unavailable" {
		t.Errorf("error kind = %v", resp.Metadata["error"])
	}
	// Fallback halves the source-based confidence.
	full := speculativeConfidence(resp.Sources)
	if math.Abs(resp.Confidence-full/2) > 1e-9 {
		t.Errorf("confidence = %f, want %f", resp.Confidence, full/2)
	}
}

func TestSpeculativeTimeoutKind(t *testing.T) {
	vec := &fakeVector{hits: mkSources(3, 0.9)}
	llm := &fakeLLM{latency: 300 * time.Millisecond}
	p := newTestSpeculative(vec, llm, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	resp := p.Process(ctx, PathRequest{QueryText: "q", TopK: 3})
	if resp.Metadata["error"] != "timeout" {
		t.Errorf("error kind = %v, want timeout", resp.Metadata["error"])
	}
	if !strings.Contains(resp.Text, "most relevant excerpts") {
		t.Errorf("expected raw-document fallback, got %q", resp.Text)
	}
}

func TestSpeculativeTotalFailureNeverErrors(t *testing.T) {
	vec := &fakeVector{fail: true}
	llm := &fakeLLM{fail: true}
	p := newTestSpeculative(vec, llm, nil, nil)

	resp := p.Process(context.Background(), PathRequest{QueryText: "q", TopK: 3})
	if resp == nil {
		t.Fatal("process must never return nil")
	}
	if resp.Confidence > 0.1 {
		t.Errorf("failure confidence = %f, want <= 0.1", resp.Confidence)
	}
	if len(resp.Sources) != 0 {
		t.Errorf("failure must carry no sources, got %d", len(resp.Sources))
	}
	if resp.Metadata["error"] == nil {
		t.Error("failure must be categorized in metadata")
	}
}

func TestSpeculativeCacheMissThenHit(t *testing.T) {
	vec := &fakeVector{hits: mkSources(5, 0.9)}
	llm := &fakeLLM{reply: "cached answer"}
	cache := NewResponseCache(CacheOptions{}, nil, nil)
	p := newTestSpeculative(vec, llm, nil, cache)

	first := p.Process(context.Background(), PathRequest{QueryText: "q", TopK: 5, EnableCache: true})
	if first.CacheHit {
		t.Fatal("first call must be a miss")
	}

	second := p.Process(context.Background(), PathRequest{QueryText: "q", TopK: 5, EnableCache: true})
	if !second.CacheHit {
		t.Fatal("second call must hit the cache")
	}
	if second.CacheMatchType != MatchExact {
		t.Errorf("match type = %s", second.CacheMatchType)
	}
	if second.Text != first.Text {
		t.Errorf("cached text %q differs from original %q", second.Text, first.Text)
	}
	// Hit confidence gets the boost, capped at 1.
	want := clamp01(first.Confidence * 1.05)
	if math.Abs(second.Confidence-want) > 1e-9 {
		t.Errorf("hit confidence = %f, want %f", second.Confidence, want)
	}
	if llm.calls != 1 {
		t.Errorf("llm called %d times, want 1 (hit short-circuits)", llm.calls)
	}
}

func TestSpeculativeNearHitKeepsStoredConfidence(t *testing.T) {
	emb := newFakeEmbedder()
	emb.register("what is rrf", []float32{1, 0, 0})
	emb.register("how are ranked lists merged", []float32{0.9, 0.436, 0})

	vec := &fakeVector{hits: mkSources(5, 0.9)}
	llm := &fakeLLM{reply: "should not run"}
	cache := NewResponseCache(CacheOptions{}, emb, nil)
	p := newTestSpeculative(vec, llm, nil, cache)

	stored := validResponse("rrf answer")
	cache.Set(context.Background(), "what is rrf", 5, stored)

	resp := p.Process(context.Background(), PathRequest{
		QueryText:   "how are ranked lists merged",
		TopK:        5,
		EnableCache: true,
	})
	if !resp.CacheHit {
		t.Fatal("expected a near cache hit")
	}
	if resp.CacheMatchType != MatchNear {
		t.Errorf("match type = %s, want semantic_near", resp.CacheMatchType)
	}
	// Near hits skip the confidence boost.
	if resp.Confidence != stored.Confidence {
		t.Errorf("confidence = %f, want stored %f", resp.Confidence, stored.Confidence)
	}
	if llm.calls != 0 {
		t.Errorf("llm called %d times, want 0", llm.calls)
	}
}

func TestSpeculativeCacheDisabled(t *testing.T) {
	vec := &fakeVector{hits: mkSources(5, 0.9)}
	llm := &fakeLLM{reply: "answer"}
	cache := NewResponseCache(CacheOptions{}, nil, nil)
	p := newTestSpeculative(vec, llm, nil, cache)

	p.Process(context.Background(), PathRequest{QueryText: "q", TopK: 5, EnableCache: false})
	if cache.Len() != 0 {
		t.Error("disabled cache must not be written")
	}
}

func TestSpeculativePersistsSessionExchange(t *testing.T) {
	vec := &fakeVector{hits: mkSources(2, 0.9)}
	llm := &fakeLLM{reply: "answer"}
	sessions := newFakeSessions()
	p := newTestSpeculative(vec, llm, sessions, nil)

	p.Process(context.Background(), PathRequest{QueryText: "q", SessionID: "s1", TopK: 2})
	if sessions.count("s1") != 2 {
		t.Errorf("expected user+assistant records, got %d", sessions.count("s1"))
	}
}

func TestSpeculativeSessionFailureIgnored(t *testing.T) {
	vec := &fakeVector{hits: mkSources(2, 0.9)}
	llm := &fakeLLM{reply: "answer"}
	sessions := newFakeSessions()
	sessions.fail = true
	p := newTestSpeculative(vec, llm, sessions, nil)

	resp := p.Process(context.Background(), PathRequest{QueryText: "q", SessionID: "s1", TopK: 2})
	if resp.Text != "answer" {
		t.Errorf("session failure must not affect the answer, got %q", resp.Text)
	}
}

func TestBuildSpeculativePromptShape(t *testing.T) {
	history := []Message{
		{Role: "assistant", Content: "prior answer"}, // most recent first
		{Role: "user", Content: "prior question"},
	}
	sources := mkSources(5, 0.9)

	messages := buildSpeculativePrompt("current question", history, sources)
	if messages[0].Role != "system" {
		t.Fatalf("first message role = %s", messages[0].Role)
	}
	// Chronological replay: user question before assistant answer.
	if messages[1].Content != "prior question" || messages[2].Content != "prior answer" {
		t.Errorf("history not in chronological order: %q, %q", messages[1].Content, messages[2].Content)
	}
	last := messages[len(messages)-1]
	if !strings.Contains(last.Content, "current question") {
		t.Error("final message must carry the question")
	}
	// Only the top 3 sources are inlined.
	if strings.Contains(last.Content, "[4]") {
		t.Error("prompt must cap inlined sources at 3")
	}
}

func TestTruncateMultibyteSafe(t *testing.T) {
	s := "한국어 텍스트입니다"
	out := truncate(s, 7)
	if !strings.HasSuffix(out, "…") {
		t.Errorf("expected ellipsis suffix, got %q", out)
	}
	for _, r := range out {
		if r == '�' {
			t.Fatalf("truncation split a rune: %q", out)
		}
	}
}
