package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/simpleflo/tandem/internal/observability"
	"github.com/simpleflo/tandem/pkg/models"
)

// streamBuffer bounds the output stream; slow consumers apply
// backpressure to the producing paths.
const streamBuffer = 8

// Request timeout bounds accepted at the boundary.
const (
	minSpeculativeTimeout = 500 * time.Millisecond
	maxSpeculativeTimeout = 5 * time.Second
	minAgenticTimeout     = 5 * time.Second
	maxAgenticTimeout     = 60 * time.Second
)

// RouterOptions configures dispatch behavior.
type RouterOptions struct {
	// DefaultMode replaces AUTO when intelligent routing is disabled.
	DefaultMode Mode
	// EnableIntelligentRouting controls AUTO resolution via the
	// complexity analyzer.
	EnableIntelligentRouting bool
	// SpeculativeDeadline and AgenticDeadline are global per-path
	// defaults, overridable per request.
	SpeculativeDeadline time.Duration
	AgenticDeadline     time.Duration
	// TopKDefault applies when the request omits top_k.
	TopKDefault int
	// RateLimitPerMinute is the per-caller admission budget; 0 disables.
	RateLimitPerMinute int
}

// Router is the single entry point of the query core. It resolves the
// processing mode, dispatches to one or both paths, and drives the
// chunk stream: at most one preliminary chunk, refinements in trace
// order, and exactly one terminal final chunk per stream.
type Router struct {
	analyzer    *ComplexityAnalyzer
	speculative *SpeculativePath
	agentic     *AgenticPath
	limiter     *RateLimiter
	opts        RouterOptions
	logger      zerolog.Logger
}

// NewRouter creates a router over the two processing paths. All shared
// collaborators are explicit constructor parameters; there are no
// hidden globals.
func NewRouter(speculative *SpeculativePath, agentic *AgenticPath, opts RouterOptions) *Router {
	if opts.DefaultMode == "" {
		opts.DefaultMode = ModeBalanced
	}
	if opts.SpeculativeDeadline <= 0 {
		opts.SpeculativeDeadline = 2 * time.Second
	}
	if opts.AgenticDeadline <= 0 {
		opts.AgenticDeadline = 15 * time.Second
	}
	if opts.TopKDefault <= 0 {
		opts.TopKDefault = 10
	}
	return &Router{
		analyzer:    NewComplexityAnalyzer(),
		speculative: speculative,
		agentic:     agentic,
		limiter:     NewRateLimiter(opts.RateLimitPerMinute, time.Minute),
		opts:        opts,
		logger:      observability.Logger("query.router"),
	}
}

// Limiter exposes the admission gate for housekeeping.
func (r *Router) Limiter() *RateLimiter { return r.limiter }

// ValidateRequest checks boundary constraints before dispatch.
func ValidateRequest(req Request) error {
	if strings.TrimSpace(req.Query) == "" {
		return models.NewError(models.ErrInvalidInput, "query must not be empty")
	}
	if req.Mode != "" && !req.Mode.Valid() {
		return models.NewError(models.ErrInvalidInput, fmt.Sprintf("unknown mode %q", req.Mode))
	}
	if req.TopK != 0 && (req.TopK < 1 || req.TopK > 50) {
		return models.NewError(models.ErrInvalidInput, fmt.Sprintf("top_k %d out of range [1,50]", req.TopK))
	}
	if req.SpeculativeTimeout != 0 && (req.SpeculativeTimeout < minSpeculativeTimeout || req.SpeculativeTimeout > maxSpeculativeTimeout) {
		return models.NewError(models.ErrInvalidInput, "speculative_timeout out of range [0.5s,5s]")
	}
	if req.AgenticTimeout != 0 && (req.AgenticTimeout < minAgenticTimeout || req.AgenticTimeout > maxAgenticTimeout) {
		return models.NewError(models.ErrInvalidInput, "agentic_timeout out of range [5s,60s]")
	}
	return nil
}

// Process handles one query and returns its chunk stream. The stream
// always carries exactly one final chunk unless the caller cancels ctx,
// in which case the stream closes without one and in-flight path work is
// abandoned promptly.
func (r *Router) Process(ctx context.Context, req Request) <-chan ResponseChunk {
	out := make(chan ResponseChunk, streamBuffer)
	go func() {
		defer close(out)
		r.run(ctx, req, out)
	}()
	return out
}

// stream tracks per-query emission state.
type stream struct {
	queryID string
	seq     int
	mode    Mode
	base    map[string]interface{} // metadata carried on every chunk
	started time.Time
	out     chan<- ResponseChunk
	ctx     context.Context
}

// next builds the next chunk with a monotonically increasing id.
func (s *stream) next(chunkType ChunkType, pathSource PathSource) ResponseChunk {
	s.seq++
	meta := make(map[string]interface{}, len(s.base)+2)
	for k, v := range s.base {
		meta[k] = v
	}
	return ResponseChunk{
		ChunkID:    fmt.Sprintf("%s_chunk_%03d", s.queryID, s.seq),
		Type:       chunkType,
		PathSource: pathSource,
		Timestamp:  time.Now(),
		Metadata:   meta,
	}
}

// publish sends a chunk, blocking for backpressure. Returns false when
// the stream context is cancelled.
func (s *stream) publish(chunk ResponseChunk) bool {
	select {
	case s.out <- chunk:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (r *Router) run(ctx context.Context, req Request, out chan<- ResponseChunk) {
	s := &stream{
		queryID: uuid.NewString(),
		started: time.Now(),
		out:     out,
		ctx:     ctx,
		base:    map[string]interface{}{},
	}
	logger := observability.WithQueryID(r.logger, s.queryID)

	if err := ValidateRequest(req); err != nil {
		s.base["mode_used"] = string(r.opts.DefaultMode)
		r.refuse(s, models.ErrInvalidInput, "Invalid request: "+userMessage(err))
		return
	}
	if req.CallerID != "" && !r.limiter.Allow(req.CallerID) {
		s.base["mode_used"] = string(r.opts.DefaultMode)
		r.refuse(s, models.ErrRateLimited, "Too many requests. Please retry in a minute.")
		return
	}

	mode := r.resolveMode(req, s)
	s.mode = mode
	s.base["mode_used"] = string(mode)

	logger.Info().
		Str("event", observability.EventModeResolved).
		Str("mode", string(mode)).
		Int("top_k", req.TopK).
		Msg("")

	switch mode {
	case ModeFast:
		r.runFast(ctx, req, s)
	case ModeDeep:
		r.runAgenticOnly(ctx, req, s, PathAgentic, r.agenticOptions(req, ModeDeep))
	case ModeWebSearch:
		r.runAgenticOnly(ctx, req, s, PathWebSearch, r.agenticOptions(req, ModeWebSearch))
	default:
		r.runBalanced(ctx, req, s)
	}
}

// refuse emits the single final chunk for a rejected request.
func (r *Router) refuse(s *stream, code models.ErrorCode, message string) {
	chunk := s.next(ChunkFinal, PathHybrid)
	chunk.Content = message
	chunk.Confidence = 0
	chunk.Metadata["error"] = code.Kind()
	s.publish(chunk)
}

// resolveMode replaces AUTO with the analyzer's recommendation, or the
// configured default when intelligent routing is disabled. AUTO never
// reaches a path or an emitted chunk.
func (r *Router) resolveMode(req Request, s *stream) Mode {
	mode := req.Mode
	if mode == "" {
		mode = ModeAuto
	}
	if mode != ModeAuto {
		return mode
	}
	if !r.opts.EnableIntelligentRouting {
		return r.opts.DefaultMode
	}
	score := r.analyzer.Analyze(req.Query)
	s.base["complexity"] = string(score.Level)
	s.base["complexity_score"] = score.Composite
	s.base["routing_confidence"] = score.Confidence
	return score.RecommendedMode
}

// Mode parameter tables.

func (r *Router) speculativeDeadline(req Request, mode Mode) time.Duration {
	if req.SpeculativeTimeout > 0 {
		return req.SpeculativeTimeout
	}
	if mode == ModeFast {
		return time.Second
	}
	if r.opts.SpeculativeDeadline > 0 {
		return r.opts.SpeculativeDeadline
	}
	return 3 * time.Second
}

func (r *Router) agenticOptions(req Request, mode Mode) AgenticOptions {
	opts := AgenticOptions{Deadline: r.opts.AgenticDeadline}
	if req.AgenticTimeout > 0 {
		opts.Deadline = req.AgenticTimeout
	}
	switch mode {
	case ModeDeep:
		opts.TopK = 15
		opts.MaxSteps = 15
		opts.WebSearch = true
	case ModeWebSearch:
		opts.TopK = 10
		opts.MaxSteps = 10
		opts.WebSearch = true
		opts.SourceTag = "web_search"
	default: // balanced agentic leg
		opts.TopK = 10
		opts.MaxSteps = 10
	}
	if req.TopK > 0 {
		opts.TopK = req.TopK
	}
	return opts
}

func (r *Router) speculativeTopK(req Request, mode Mode) int {
	if req.TopK > 0 {
		return req.TopK
	}
	if mode == ModeFast {
		return 5
	}
	return r.opts.TopKDefault
}

// runFast drives the speculative path alone and emits one final chunk.
func (r *Router) runFast(ctx context.Context, req Request, s *stream) {
	deadline := r.speculativeDeadline(req, ModeFast)
	specCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	resp := r.speculative.Process(specCtx, PathRequest{
		QueryText:   req.Query,
		SessionID:   req.SessionID,
		TopK:        r.speculativeTopK(req, ModeFast),
		EnableCache: req.EnableCache,
	})
	if ctx.Err() != nil {
		return
	}

	chunk := s.next(ChunkFinal, PathSpeculative)
	chunk.Sources = DedupSources(resp.Sources)
	applyResponseMeta(chunk.Metadata, resp)
	chunk.Metadata["processing_time"] = time.Since(s.started).Seconds()

	if strings.TrimSpace(resp.Text) == "" {
		chunk.Content = DiagnosticNoResponse
		chunk.Confidence = 0
	} else {
		chunk.Content = resp.Text
		chunk.Confidence = resp.Confidence
	}
	s.publish(chunk)
}

// runAgenticOnly drives the agentic path alone (deep and web_search
// modes), emitting non-terminal steps as refinements and the terminal
// response step as the final chunk.
func (r *Router) runAgenticOnly(ctx context.Context, req Request, s *stream, pathSource PathSource, opts AgenticOptions) {
	steps := r.agentic.Process(ctx, PathRequest{
		QueryText: req.Query,
		SessionID: req.SessionID,
		TopK:      opts.TopK,
	}, opts)

	var final *ReasoningStep
	for step := range steps {
		if step.Type == StepResponse {
			st := step
			final = &st
			continue
		}
		chunk := s.next(ChunkRefinement, pathSource)
		chunk.Content = step.Content
		chunk.ReasoningSteps = []ReasoningStep{step}
		if !s.publish(chunk) {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	chunk := s.next(ChunkFinal, pathSource)
	if final == nil {
		chunk.Content = DiagnosticNoResponse
		chunk.Confidence = 0
		chunk.Metadata["error"] = models.ErrPathFailed.Kind()
	} else {
		chunk.Content = final.Content
		chunk.Confidence = stepConfidence(final)
		chunk.Sources = stepSources(final)
		chunk.ReasoningSteps = []ReasoningStep{*final}
		copyStepMeta(chunk.Metadata, final)
	}
	chunk.Metadata["processing_time"] = time.Since(s.started).Seconds()
	s.publish(chunk)
}

// runBalanced runs both paths concurrently: the speculative result is
// streamed as the preliminary chunk as soon as it is ready, agentic
// steps follow as refinements, and the merged answer closes the stream.
// Agentic steps arriving before the speculative leg settles are buffered
// so the preliminary chunk, when present, always precedes refinements.
func (r *Router) runBalanced(ctx context.Context, req Request, s *stream) {
	specCh := make(chan *SpeculativeResponse, 1)
	specDeadline := r.speculativeDeadline(req, ModeBalanced)
	go func() {
		specCtx, cancel := context.WithTimeout(ctx, specDeadline)
		defer cancel()
		specCh <- r.speculative.Process(specCtx, PathRequest{
			QueryText:   req.Query,
			SessionID:   req.SessionID,
			TopK:        r.speculativeTopK(req, ModeBalanced),
			EnableCache: req.EnableCache,
		})
	}()

	agOpts := r.agenticOptions(req, ModeBalanced)
	steps := r.agentic.Process(ctx, PathRequest{
		QueryText: req.Query,
		SessionID: req.SessionID,
		TopK:      agOpts.TopK,
	}, agOpts)

	var (
		specResp  *SpeculativeResponse
		pending   []ReasoningStep
		finalStep *ReasoningStep
		stepsOpen = true
	)

	// Phase 1: wait for the speculative leg, buffering agentic steps.
	stepCh := steps
	for specResp == nil {
		select {
		case resp := <-specCh:
			specResp = resp
		case step, ok := <-stepCh:
			if !ok {
				stepsOpen = false
				stepCh = nil
				continue
			}
			if step.Type == StepResponse {
				st := step
				finalStep = &st
			} else {
				pending = append(pending, step)
			}
		case <-ctx.Done():
			return
		}
	}

	versions := NewVersionStore()

	// Preliminary chunk from the speculative leg, when it produced text.
	var prelimConfidence float64
	prelimOK := false
	if strings.TrimSpace(specResp.Text) != "" {
		chunk := s.next(ChunkPreliminary, PathSpeculative)
		chunk.Content = specResp.Text
		chunk.Confidence = specResp.Confidence
		chunk.Sources = DedupSources(specResp.Sources)
		applyResponseMeta(chunk.Metadata, specResp)
		if !s.publish(chunk) {
			return
		}
		versions.Commit(specResp.Text, PathSpeculative, specResp.Confidence, chunk.Sources)
		if _, degraded := specResp.Metadata["error"]; !degraded {
			prelimOK = true
			prelimConfidence = specResp.Confidence
		}
	}

	// Phase 2: flush buffered refinements, then stream live ones.
	for _, step := range pending {
		chunk := s.next(ChunkRefinement, PathAgentic)
		chunk.Content = step.Content
		chunk.ReasoningSteps = []ReasoningStep{step}
		if !s.publish(chunk) {
			return
		}
	}
	if stepsOpen {
		for step := range steps {
			if step.Type == StepResponse {
				st := step
				finalStep = &st
				continue
			}
			chunk := s.next(ChunkRefinement, PathAgentic)
			chunk.Content = step.Content
			chunk.ReasoningSteps = []ReasoningStep{step}
			if !s.publish(chunk) {
				return
			}
		}
	}
	if ctx.Err() != nil {
		return
	}

	// Phase 3: merge and emit the final chunk.
	specInput := MergeInput{
		Text:       specResp.Text,
		Confidence: specResp.Confidence,
		Sources:    specResp.Sources,
		Present:    strings.TrimSpace(specResp.Text) != "",
	}
	var agInput MergeInput
	if finalStep != nil && finalStep.Content != DiagnosticNoResponse {
		agInput = MergeInput{
			Text:       finalStep.Content,
			Confidence: stepConfidence(finalStep),
			Sources:    stepSources(finalStep),
			Present:    strings.TrimSpace(finalStep.Content) != "",
		}
	}

	merged := MergeResponses(specInput, agInput)

	chunk := s.next(ChunkFinal, merged.PathSource)
	chunk.Content = merged.Text
	chunk.Confidence = merged.Confidence
	chunk.Sources = merged.Sources
	if finalStep != nil {
		chunk.ReasoningSteps = []ReasoningStep{*finalStep}
		copyStepMeta(chunk.Metadata, finalStep)
	}
	if merged.BothFailed {
		chunk.Metadata["error"] = models.ErrBothPathsFailed.Kind()
	} else if prelimOK && agInput.Present && chunk.Confidence < prelimConfidence {
		// Both paths succeeded: the final answer may not publish lower
		// confidence than the preliminary one.
		chunk.Confidence = prelimConfidence
	}
	chunk.Metadata["processing_time"] = time.Since(s.started).Seconds()

	if !merged.BothFailed {
		versions.Commit(merged.Text, merged.PathSource, chunk.Confidence, merged.Sources)
		if vs := versions.Versions(); len(vs) == 2 {
			delta := Diff(vs[0], vs[1])
			chunk.Metadata["content_changed"] = delta.ContentChanged
			chunk.Metadata["confidence_delta"] = delta.ConfidenceDelta
		}
	}

	s.publish(chunk)
}

// applyResponseMeta copies speculative response details into chunk
// metadata.
func applyResponseMeta(meta map[string]interface{}, resp *SpeculativeResponse) {
	meta["cache_hit"] = resp.CacheHit
	if resp.CacheMatchType != "" {
		meta["cache_match_type"] = resp.CacheMatchType
	}
	meta["speculative_time"] = resp.ProcessingTime
	for k, v := range resp.Metadata {
		meta[k] = v
	}
}

// copyStepMeta lifts selected response-step metadata onto the chunk.
func copyStepMeta(meta map[string]interface{}, step *ReasoningStep) {
	for _, key := range []string{"partial_results", "error", "cycles"} {
		if v, ok := step.Metadata[key]; ok {
			meta[key] = v
		}
	}
}

func stepConfidence(step *ReasoningStep) float64 {
	if v, ok := step.Metadata["confidence"].(float64); ok {
		return v
	}
	return 0
}

func stepSources(step *ReasoningStep) []Source {
	if v, ok := step.Metadata["sources"].([]Source); ok {
		return v
	}
	return nil
}

// userMessage strips internal detail from an error for user-facing
// surfaces.
func userMessage(err error) string {
	if te, ok := err.(*models.TandemError); ok {
		return te.Message
	}
	return "request could not be processed"
}
