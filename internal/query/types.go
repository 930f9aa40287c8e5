// Package query implements the hybrid retrieval-augmented query core:
// complexity routing, speculative and agentic processing paths, response
// coordination and the mode-aware semantic cache.
package query

import (
	"time"
)

// Mode is the caller-facing latency/quality trade-off selection.
type Mode string

const (
	// ModeAuto is resolved by the complexity analyzer before dispatch.
	// It never appears on an emitted chunk.
	ModeAuto Mode = "auto"
	// ModeFast runs only the speculative path.
	ModeFast Mode = "fast"
	// ModeBalanced runs both paths concurrently.
	ModeBalanced Mode = "balanced"
	// ModeDeep runs only the agentic path.
	ModeDeep Mode = "deep"
	// ModeWebSearch runs the agentic path with web search enabled.
	ModeWebSearch Mode = "web_search"
)

// Valid reports whether m is an accepted request mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAuto, ModeFast, ModeBalanced, ModeDeep, ModeWebSearch:
		return true
	}
	return false
}

// ChunkType classifies a streamed response chunk.
type ChunkType string

const (
	ChunkPreliminary ChunkType = "preliminary"
	ChunkRefinement  ChunkType = "refinement"
	ChunkFinal       ChunkType = "final"
)

// PathSource identifies which processing path produced a chunk.
type PathSource string

const (
	PathSpeculative PathSource = "speculative"
	PathAgentic     PathSource = "agentic"
	PathHybrid      PathSource = "hybrid"
	PathWebSearch   PathSource = "web_search"
)

// StepType classifies a reasoning step in the agentic trace.
type StepType string

const (
	StepThought     StepType = "thought"
	StepAction      StepType = "action"
	StepObservation StepType = "observation"
	StepPlanning    StepType = "planning"
	StepReflection  StepType = "reflection"
	StepResponse    StepType = "response"
	StepMemory      StepType = "memory"
	StepError       StepType = "error"
)

// Source represents a retrieved chunk of evidence.
type Source struct {
	ChunkID      string            `json:"chunk_id"`
	DocumentID   string            `json:"document_id"`
	DocumentName string            `json:"document_name"`
	Text         string            `json:"text"`
	Score        float64           `json:"score"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ReasoningStep is one entry in the agentic trace. Step order is
// significant; the trace terminates with exactly one response step.
type ReasoningStep struct {
	StepID    string                 `json:"step_id"`
	Type      StepType               `json:"type"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SpeculativeResponse is the speculative path's single-shot result.
type SpeculativeResponse struct {
	Text           string                 `json:"text"`
	Confidence     float64                `json:"confidence"`
	Sources        []Source               `json:"sources"`
	CacheHit       bool                   `json:"cache_hit"`
	CacheMatchType string                 `json:"cache_match_type,omitempty"`
	ProcessingTime float64                `json:"processing_time"` // seconds
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// ResponseChunk is the stream element emitted to the caller.
//
// Confidence is always populated on preliminary and final chunks;
// refinement chunks carry zero.
type ResponseChunk struct {
	ChunkID        string                 `json:"chunk_id"`
	Type           ChunkType              `json:"type"`
	PathSource     PathSource             `json:"path_source"`
	Content        string                 `json:"content"`
	Confidence     float64                `json:"confidence"`
	Sources        []Source               `json:"sources"`
	ReasoningSteps []ReasoningStep        `json:"reasoning_steps,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// ResponseVersion is one committed answer text within a query's lifetime.
// Versions are append-only and discarded when the query completes.
type ResponseVersion struct {
	VersionID  string     `json:"version_id"`
	Content    string     `json:"content"`
	PathSource PathSource `json:"path_source"`
	Confidence float64    `json:"confidence"`
	Sources    []Source   `json:"sources"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Request is the immutable input to the router.
type Request struct {
	Query     string
	Mode      Mode
	SessionID string
	TopK      int

	// EnableCache controls the speculative path's cache lookup and
	// write-back. Defaults to true at the transport boundary.
	EnableCache bool

	// SpeculativeTimeout and AgenticTimeout override the configured
	// per-path deadlines when non-zero.
	SpeculativeTimeout time.Duration
	AgenticTimeout     time.Duration

	// CallerID keys the admission rate limiter (e.g. client IP).
	CallerID string
}

// Message is one entry in a session's conversation log.
type Message struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// DiagnosticNoResponse is the fixed user-facing text emitted when both
// processing paths fail. Kept stable for determinism.
const DiagnosticNoResponse = "Unable to generate a response. Please try again or rephrase your question."

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
