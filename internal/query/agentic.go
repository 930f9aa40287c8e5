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

// Agentic generation parameters. The deep leg gets a larger output
// budget than the speculative one.
const (
	agenticMaxOutputTokens = 500
	agenticTemperature     = 0.5
	defaultMaxSteps        = 15

	// agenticResponsePlaceholder marks an in-flight answer; the
	// coordinator treats it as absent during merging.
	agenticResponsePlaceholder = "Analysis in progress"
)

// AgenticOptions configures one agentic pass.
type AgenticOptions struct {
	TopK      int
	MaxSteps  int           // cycle budget; default 15
	Deadline  time.Duration // overall path budget
	WebSearch bool          // enable the web search tool
	SourceTag string        // origin tag applied to web sources
}

// AgenticPath is the deep multi-step reasoning leg: plan, act, observe,
// reflect, respond. Process yields a lazy sequence of reasoning steps
// terminating with exactly one response step whose metadata carries the
// final sources and confidence.
type AgenticPath struct {
	retriever *Retriever
	llm       LLM
	sessions  SessionStore // optional
	web       WebSearcher  // optional
	logger    zerolog.Logger
}

// NewAgenticPath creates the agentic path. sessions and web may be nil.
func NewAgenticPath(retriever *Retriever, llm LLM, sessions SessionStore, web WebSearcher) *AgenticPath {
	return &AgenticPath{
		retriever: retriever,
		llm:       llm,
		sessions:  sessions,
		web:       web,
		logger:    observability.Logger("query.agentic"),
	}
}

// agenticRun holds one pass's mutable state.
type agenticRun struct {
	path     *AgenticPath
	req      PathRequest
	opts     AgenticOptions
	steps    chan<- ReasoningStep
	ctx      context.Context // stream context: cancellation only
	ioCtx    context.Context // deadline-bounded context for external calls
	start    time.Time
	sources  []Source
	evidence []string // observation summaries
	cycles   int
	partial  bool
}

// Process starts the state machine and returns its step stream. The
// stream is closed after the terminal response step. Cancelling ctx
// stops the pass promptly without a terminal step.
func (p *AgenticPath) Process(ctx context.Context, req PathRequest, opts AgenticOptions) <-chan ReasoningStep {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = defaultMaxSteps
	}
	if opts.TopK <= 0 {
		opts.TopK = 10
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 30 * time.Second
	}

	steps := make(chan ReasoningStep, 4)

	go func() {
		defer close(steps)

		ioCtx, cancel := context.WithTimeout(ctx, opts.Deadline)
		defer cancel()

		run := &agenticRun{
			path:  p,
			req:   req,
			opts:  opts,
			steps: steps,
			ctx:   ctx,
			ioCtx: ioCtx,
			start: time.Now(),
		}
		run.execute()
	}()

	return steps
}

// execute drives plan → (act → observe → decide → reflect)* → respond.
func (r *agenticRun) execute() {
	subtasks := decomposeQuery(r.req.QueryText)

	if !r.emit(StepPlanning, planContent(subtasks), map[string]interface{}{
		"subtasks": subtasks,
	}) {
		return
	}

	for _, subtask := range subtasks {
		if r.expired() || r.cycles >= r.opts.MaxSteps {
			r.partial = r.expired()
			break
		}
		if !r.retrieveCycle(subtask) {
			return
		}
	}

	if r.opts.WebSearch && r.path.web != nil && !r.expired() && r.cycles < r.opts.MaxSteps {
		if !r.webCycle() {
			return
		}
	}

	r.respond()
}

// retrieveCycle runs one act/observe pair against the local indexes.
// Returns false when the stream was cancelled.
func (r *agenticRun) retrieveCycle(subtask string) bool {
	r.cycles++
	if !r.emit(StepAction, fmt.Sprintf("Searching knowledge base for: %s", subtask), map[string]interface{}{
		"tool":    "retrieval",
		"subtask": subtask,
	}) {
		return false
	}

	result := r.path.retriever.Retrieve(r.ioCtx, subtask, r.opts.TopK, false)
	if len(result.Sources) == 0 {
		if !r.emit(StepObservation, "No documents matched this subtask.", map[string]interface{}{
			"result_count": 0,
		}) {
			return false
		}
		// Revise the plan: retry the subtask without quoting/punctuation.
		broadened := broadenQuery(subtask)
		if broadened != subtask && r.cycles < r.opts.MaxSteps && !r.expired() {
			if !r.emit(StepReflection, fmt.Sprintf("Broadening search to: %s", broadened), nil) {
				return false
			}
			r.cycles++
			result = r.path.retriever.Retrieve(r.ioCtx, broadened, r.opts.TopK, false)
		}
	}

	if len(result.Sources) > 0 {
		r.sources = append(r.sources, result.Sources...)
		summary := observationSummary(result)
		r.evidence = append(r.evidence, summary)
		return r.emit(StepObservation, summary, map[string]interface{}{
			"result_count": len(result.Sources),
			"method":       result.Method,
		})
	}
	return true
}

// webCycle runs one act/observe pair against the web search tool.
func (r *agenticRun) webCycle() bool {
	r.cycles++
	if !r.emit(StepAction, fmt.Sprintf("Searching the web for: %s", r.req.QueryText), map[string]interface{}{
		"tool": "web_search",
	}) {
		return false
	}

	hits, err := r.path.web.Search(r.ioCtx, r.req.QueryText, r.opts.TopK)
	if err != nil {
		r.path.logger.Warn().Err(err).Msg("web search failed")
		return r.emit(StepObservation, "Web search unavailable.", map[string]interface{}{
			"result_count": 0,
			"error":        models.ErrRetrievalUnavailable.Kind(),
		})
	}

	tag := r.opts.SourceTag
	if tag == "" {
		tag = "web_search"
	}
	for i := range hits {
		if hits[i].Metadata == nil {
			hits[i].Metadata = map[string]string{}
		}
		hits[i].Metadata["origin"] = tag
	}
	r.sources = append(r.sources, hits...)

	summary := fmt.Sprintf("Web search returned %d results.", len(hits))
	r.evidence = append(r.evidence, summary)
	return r.emit(StepObservation, summary, map[string]interface{}{
		"result_count": len(hits),
		"method":       "web_search",
	})
}

// respond emits the terminal response step, synthesizing an answer from
// the accumulated evidence. On deadline expiry or LLM failure a
// best-effort summary is produced instead.
func (r *agenticRun) respond() {
	sources := DedupSources(r.sources)
	if len(sources) > r.opts.TopK {
		sources = sources[:r.opts.TopK]
	}

	text, errKind := r.synthesize(sources)
	confidence := agenticConfidence(sources, r.partial, errKind != "")

	meta := map[string]interface{}{
		"sources":    sources,
		"confidence": confidence,
		"cycles":     r.cycles,
	}
	if r.partial {
		meta["partial_results"] = true
	}
	if errKind != "" {
		meta["error"] = errKind
	}

	r.persist(text)
	r.emitTerminal(ReasoningStep{
		StepID:    uuid.NewString(),
		Type:      StepResponse,
		Content:   text,
		Timestamp: time.Now(),
		Metadata:  meta,
	})
}

// synthesize produces the final answer text. Returns the text and an
// error kind ("" on clean generation).
func (r *agenticRun) synthesize(sources []Source) (string, string) {
	if r.expired() || r.partial {
		r.partial = true
		return partialSummary(r.req.QueryText, r.evidence, sources), models.ErrTimeout.Kind()
	}
	if r.path.llm == nil {
		return partialSummary(r.req.QueryText, r.evidence, sources), models.ErrLLMUnavailable.Kind()
	}

	var b strings.Builder
	b.WriteString("Evidence gathered:\n")
	for i, s := range sources {
		fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, s.DocumentName, truncate(s.Text, maxSourceChars))
	}
	fmt.Fprintf(&b, "\nUsing the evidence above, answer thoroughly: %s", r.req.QueryText)

	text, err := r.path.llm.Generate(r.ioCtx, GenerateRequest{
		Messages: []ChatMessage{
			{Role: "system", Content: "You are a careful research assistant. Cite the evidence you use."},
			{Role: "user", Content: b.String()},
		},
		Temperature: agenticTemperature,
		MaxTokens:   agenticMaxOutputTokens,
	})
	if err != nil || text == "" {
		r.path.logger.Warn().Err(err).Msg("agentic synthesis failed, summarizing observations")
		kind := models.ErrLLMUnavailable.Kind()
		if r.ioCtx.Err() == context.DeadlineExceeded {
			kind = models.ErrTimeout.Kind()
			r.partial = true
		}
		return partialSummary(r.req.QueryText, r.evidence, sources), kind
	}
	return text, ""
}

// persist appends the exchange to the session log. Failures are ignored.
func (r *agenticRun) persist(responseText string) {
	if r.path.sessions == nil || r.req.SessionID == "" {
		return
	}
	marker := map[string]string{"path": "agentic"}
	ctx, cancel := context.WithTimeout(r.ctx, time.Second)
	defer cancel()
	if err := r.path.sessions.Append(ctx, r.req.SessionID, "user", r.req.QueryText, marker); err != nil {
		r.path.logger.Warn().Err(err).Msg("session append failed")
		return
	}
	if err := r.path.sessions.Append(ctx, r.req.SessionID, "assistant", responseText, marker); err != nil {
		r.path.logger.Warn().Err(err).Msg("session append failed")
	}
}

// emit publishes a non-terminal step. Returns false when the stream was
// cancelled.
func (r *agenticRun) emit(stepType StepType, content string, meta map[string]interface{}) bool {
	step := ReasoningStep{
		StepID:    uuid.NewString(),
		Type:      stepType,
		Content:   content,
		Timestamp: time.Now(),
		Metadata:  meta,
	}
	select {
	case r.steps <- step:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// emitTerminal publishes the response step. A slow consumer only delays
// delivery; the send is abandoned solely on stream cancellation, which
// is the one case where no terminal step is owed.
func (r *agenticRun) emitTerminal(step ReasoningStep) {
	select {
	case r.steps <- step:
	case <-r.ctx.Done():
	}
}

// expired reports whether the path deadline has passed.
func (r *agenticRun) expired() bool {
	return r.ioCtx.Err() != nil
}

// decomposeQuery splits a question into subtasks on sentence boundaries
// and comparison conjunctions. A simple question is its own single
// subtask.
func decomposeQuery(queryText string) []string {
	parts := strings.FieldsFunc(queryText, func(ru rune) bool {
		return ru == '?' || ru == ';'
	})
	var subtasks []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			subtasks = append(subtasks, part)
		}
	}
	if len(subtasks) == 0 {
		subtasks = []string{strings.TrimSpace(queryText)}
	}
	if len(subtasks) > 4 {
		subtasks = subtasks[:4]
	}
	return subtasks
}

// broadenQuery strips quoting and punctuation to widen a failed search.
func broadenQuery(queryText string) string {
	out := strings.Map(func(ru rune) rune {
		switch ru {
		case '"', '\'', '(', ')', '[', ']', '{', '}':
			return -1
		}
		return ru
	}, queryText)
	return strings.Join(strings.Fields(out), " ")
}

func planContent(subtasks []string) string {
	var b strings.Builder
	b.WriteString("Plan:")
	for i, s := range subtasks {
		fmt.Fprintf(&b, " %d) %s.", i+1, s)
	}
	return b.String()
}

func observationSummary(result *RetrievalResult) string {
	names := make([]string, 0, 3)
	seen := map[string]bool{}
	for _, s := range result.Sources {
		if !seen[s.DocumentName] && s.DocumentName != "" {
			seen[s.DocumentName] = true
			names = append(names, s.DocumentName)
		}
		if len(names) == 3 {
			break
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("Retrieved %d chunks (%s).", len(result.Sources), result.Method)
	}
	return fmt.Sprintf("Retrieved %d chunks (%s), top documents: %s.",
		len(result.Sources), result.Method, strings.Join(names, ", "))
}

// partialSummary builds a best-effort answer from accumulated
// observations when synthesis cannot run.
func partialSummary(queryText string, evidence []string, sources []Source) string {
	if len(sources) == 0 && len(evidence) == 0 {
		return DiagnosticNoResponse
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Partial findings for %q:\n", queryText)
	for _, e := range evidence {
		fmt.Fprintf(&b, "- %s\n", e)
	}
	n := len(sources)
	if n > maxPromptSources {
		n = maxPromptSources
	}
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "- %s: %s\n", sources[i].DocumentName, truncate(sources[i].Text, maxSourceChars))
	}
	return b.String()
}

// agenticConfidence mirrors the speculative formula with penalties for
// partial or degraded runs.
func agenticConfidence(sources []Source, partial, degraded bool) float64 {
	conf := speculativeConfidence(sources)
	if partial {
		conf *= 0.5
	} else if degraded {
		conf *= 0.7
	}
	return clamp01(conf)
}
