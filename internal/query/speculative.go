package query

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/simpleflo/tandem/internal/observability"
	"github.com/simpleflo/tandem/pkg/models"
)

// Confidence formula weights for the speculative path.
const (
	confWeightScore   = 0.7
	confWeightCount   = 0.3
	confSourceDivisor = 5.0
	cacheHitBoost     = 1.05
	failureConfidence = 0.1
)

// PathRequest carries the per-query inputs shared by both paths.
type PathRequest struct {
	QueryText   string
	SessionID   string
	TopK        int
	EnableCache bool
}

// SpeculativePath is the low-latency single-shot retrieval + generation
// leg. Process never returns an error: failures degrade to a
// low-confidence response with an error category in metadata.
type SpeculativePath struct {
	retriever *Retriever
	llm       LLM
	sessions  SessionStore  // optional
	cache     *ResponseCache // optional
	logger    zerolog.Logger
}

// NewSpeculativePath creates the speculative path. sessions and cache may
// be nil.
func NewSpeculativePath(retriever *Retriever, llm LLM, sessions SessionStore, cache *ResponseCache) *SpeculativePath {
	return &SpeculativePath{
		retriever: retriever,
		llm:       llm,
		sessions:  sessions,
		cache:     cache,
		logger:    observability.Logger("query.speculative"),
	}
}

// Process runs one speculative pass within the deadline carried by ctx.
func (p *SpeculativePath) Process(ctx context.Context, req PathRequest) *SpeculativeResponse {
	start := time.Now()

	// 1. Cache lookup. A hit short-circuits the LLM entirely.
	if req.EnableCache && p.cache != nil {
		if hit := p.cache.Get(ctx, req.QueryText, req.TopK); hit != nil {
			resp := hit.Response
			// Near matches keep the stored confidence; only exact and
			// exact-semantic hits earn the boost.
			if hit.MatchType != MatchNear {
				resp.Confidence = clamp01(resp.Confidence * cacheHitBoost)
			}
			resp.ProcessingTime = time.Since(start).Seconds()
			if resp.Metadata == nil {
				resp.Metadata = map[string]interface{}{}
			}
			resp.Metadata["cache_similarity"] = hit.Similarity
			p.logger.Debug().Str("match_type", hit.MatchType).Msg("speculative cache hit")
			return resp
		}
	}

	// 2. Retrieval, bounded to half of the remaining deadline.
	retrieval := p.retrieveBounded(ctx, req)

	// 3. Session context.
	var history []Message
	if p.sessions != nil && req.SessionID != "" {
		var err error
		history, err = p.sessions.Recent(ctx, req.SessionID, maxContextMessages)
		if err != nil {
			p.logger.Warn().Err(err).Msg("session history unavailable")
			history = nil
		}
	}

	// 4-5. Generate with raw-document fallback.
	text, llmFallback, errKind := p.generate(ctx, req.QueryText, history, retrieval.Sources)
	if errKind != "" && text == "" {
		return p.failureResponse(start, errKind)
	}

	// 6. Confidence.
	confidence := speculativeConfidence(retrieval.Sources)
	if llmFallback {
		// Raw excerpts carry less certainty than a synthesized answer.
		confidence = clamp01(confidence * 0.5)
	}

	resp := &SpeculativeResponse{
		Text:           text,
		Confidence:     confidence,
		Sources:        retrieval.Sources,
		ProcessingTime: time.Since(start).Seconds(),
		Metadata: map[string]interface{}{
			"retrieval_method": retrieval.Method,
		},
	}
	if llmFallback {
		resp.Metadata["llm_fallback"] = true
	}
	if errKind != "" {
		resp.Metadata["error"] = errKind
	}

	// 7. Session persistence.
	p.persist(ctx, req, resp)

	// 8. Cache write-back. Validity predicates apply inside Set.
	if req.EnableCache && p.cache != nil {
		p.cache.Set(ctx, req.QueryText, req.TopK, resp)
	}

	return resp
}

// retrieveBounded runs retrieval with a sub-deadline of at most half the
// remaining budget, leaving room for generation.
func (p *SpeculativePath) retrieveBounded(ctx context.Context, req PathRequest) *RetrievalResult {
	retrieveCtx := ctx
	if deadline, ok := ctx.Deadline(); ok {
		budget := time.Until(deadline) / 2
		if budget > 0 {
			var cancel context.CancelFunc
			retrieveCtx, cancel = context.WithTimeout(ctx, budget)
			defer cancel()
		}
	}
	return p.retriever.Retrieve(retrieveCtx, req.QueryText, req.TopK, false)
}

// generate calls the LLM; on timeout or backend failure it synthesizes
// the raw-document fallback. Returns the text, whether the fallback was
// used, and an error kind ("" when generation fully succeeded).
func (p *SpeculativePath) generate(ctx context.Context, queryText string, history []Message, sources []Source) (string, bool, string) {
	if p.llm == nil {
		return rawDocumentFallback(sources), true, models.ErrLLMUnavailable.Kind()
	}

	messages := buildSpeculativePrompt(queryText, history, sources)
	text, err := p.llm.Generate(ctx, GenerateRequest{
		Messages:    messages,
		Temperature: speculativeTemperature,
		MaxTokens:   maxOutputTokens,
	})
	if err == nil && text != "" {
		return text, false, ""
	}

	kind := models.ErrLLMUnavailable.Kind()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = models.ErrTimeout.Kind()
	}
	p.logger.Warn().Err(err).Str("kind", kind).Msg("generation failed, using raw-document fallback")

	if len(sources) == 0 {
		return "", false, kind
	}
	return rawDocumentFallback(sources), true, kind
}

// persist appends the exchange to the session log. Failures are logged
// and ignored.
func (p *SpeculativePath) persist(ctx context.Context, req PathRequest, resp *SpeculativeResponse) {
	if p.sessions == nil || req.SessionID == "" {
		return
	}
	marker := map[string]string{"path": "speculative"}
	if err := p.sessions.Append(ctx, req.SessionID, "user", req.QueryText, marker); err != nil {
		p.logger.Warn().Err(err).Msg("session append failed")
		return
	}
	if err := p.sessions.Append(ctx, req.SessionID, "assistant", resp.Text, marker); err != nil {
		p.logger.Warn().Err(err).Msg("session append failed")
	}
}

// failureResponse is the never-raise degradation: low confidence, no
// sources, categorized error.
func (p *SpeculativePath) failureResponse(start time.Time, errKind string) *SpeculativeResponse {
	return &SpeculativeResponse{
		Text:           "",
		Confidence:     failureConfidence,
		Sources:        nil,
		ProcessingTime: time.Since(start).Seconds(),
		Metadata:       map[string]interface{}{"error": errKind},
	}
}

// speculativeConfidence computes
// clamp(0.7*avg_score + 0.3*min(n/5, 1), 0, 1).
func speculativeConfidence(sources []Source) float64 {
	if len(sources) == 0 {
		return 0
	}
	var sum float64
	for _, s := range sources {
		sum += s.Score
	}
	avg := sum / float64(len(sources))
	countTerm := float64(len(sources)) / confSourceDivisor
	if countTerm > 1 {
		countTerm = 1
	}
	return clamp01(confWeightScore*avg + confWeightCount*countTerm)
}
