package query

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// versionChangeThreshold is the content similarity below which a new
// version counts as a content change.
const versionChangeThreshold = 0.95

// agenticPlaceholders are known in-flight markers; an agentic answer
// matching one is treated as absent during merging.
var agenticPlaceholders = []string{
	"analysis in progress",
	"processing",
}

// DedupSources removes equivalent sources, keeping the highest-scoring
// representative of each cluster. Equivalence is chunk-id match or text
// similarity at the threshold. Idempotent.
func DedupSources(in []Source) []Source {
	if len(in) <= 1 {
		return append([]Source(nil), in...)
	}

	sorted := append([]Source(nil), in...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	kept := make([]Source, 0, len(sorted))
	for _, candidate := range sorted {
		duplicate := false
		for _, k := range kept {
			if SourcesEquivalent(candidate, k) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, candidate)
		}
	}
	return kept
}

// MergeInput is one path's contribution to the merged answer.
type MergeInput struct {
	Text       string
	Confidence float64
	Sources    []Source
	Present    bool
}

// MergeResult is the coordinator's committed answer.
type MergeResult struct {
	Text       string
	Confidence float64
	Sources    []Source
	PathSource PathSource
	BothFailed bool
}

// MergeResponses fuses the speculative and agentic results. The agentic
// text is preferred when available since it embodies more evidence; a
// placeholder agentic answer is treated as absent. When neither path
// produced a usable answer the fixed diagnostic is returned with zero
// confidence.
func MergeResponses(spec, agentic MergeInput) MergeResult {
	if agentic.Present && isPlaceholder(agentic.Text) {
		agentic.Present = false
	}
	if spec.Present && strings.TrimSpace(spec.Text) == "" {
		spec.Present = false
	}
	if agentic.Present && strings.TrimSpace(agentic.Text) == "" {
		agentic.Present = false
	}

	switch {
	case spec.Present && !agentic.Present:
		return MergeResult{
			Text:       spec.Text,
			Confidence: spec.Confidence,
			Sources:    DedupSources(spec.Sources),
			PathSource: PathSpeculative,
		}
	case agentic.Present && !spec.Present:
		return MergeResult{
			Text:       agentic.Text,
			Confidence: agentic.Confidence,
			Sources:    DedupSources(agentic.Sources),
			PathSource: PathAgentic,
		}
	case agentic.Present && spec.Present:
		merged := DedupSources(append(append([]Source(nil), spec.Sources...), agentic.Sources...))
		return MergeResult{
			Text:       agentic.Text,
			Confidence: agentic.Confidence,
			Sources:    merged,
			PathSource: PathHybrid,
		}
	default:
		return MergeResult{
			Text:       DiagnosticNoResponse,
			Confidence: 0,
			PathSource: PathHybrid,
			BothFailed: true,
		}
	}
}

func isPlaceholder(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	for _, p := range agenticPlaceholders {
		if t == p || strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

// VersionDelta describes the change between two response versions.
type VersionDelta struct {
	Similarity      float64  `json:"similarity"`
	ConfidenceDelta float64  `json:"confidence_delta"`
	SourcesAdded    []string `json:"sources_added"`
	SourcesRemoved  []string `json:"sources_removed"`
	ContentChanged  bool     `json:"content_changed"`
}

// VersionStore keeps the append-only response versions for one query's
// lifetime. Safe for concurrent use.
type VersionStore struct {
	mu       sync.Mutex
	versions []ResponseVersion
}

// NewVersionStore creates an empty version store.
func NewVersionStore() *VersionStore {
	return &VersionStore{}
}

// Commit appends a new version and returns it.
func (v *VersionStore) Commit(content string, pathSource PathSource, confidence float64, sources []Source) ResponseVersion {
	version := ResponseVersion{
		VersionID:  uuid.NewString(),
		Content:    content,
		PathSource: pathSource,
		Confidence: confidence,
		Sources:    append([]Source(nil), sources...),
		Timestamp:  time.Now(),
	}
	v.mu.Lock()
	v.versions = append(v.versions, version)
	v.mu.Unlock()
	return version
}

// Versions returns a snapshot of the committed versions in order.
func (v *VersionStore) Versions() []ResponseVersion {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]ResponseVersion(nil), v.versions...)
}

// Latest returns the most recent version and whether one exists.
func (v *VersionStore) Latest() (ResponseVersion, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.versions) == 0 {
		return ResponseVersion{}, false
	}
	return v.versions[len(v.versions)-1], true
}

// Diff computes the change delta from version a to version b.
func Diff(a, b ResponseVersion) VersionDelta {
	similarity := TextSimilarity(a.Content, b.Content)

	inA := make(map[string]bool, len(a.Sources))
	for _, s := range a.Sources {
		inA[s.ChunkID] = true
	}
	inB := make(map[string]bool, len(b.Sources))
	for _, s := range b.Sources {
		inB[s.ChunkID] = true
	}

	var added, removed []string
	for _, s := range b.Sources {
		if !inA[s.ChunkID] {
			added = append(added, s.ChunkID)
		}
	}
	for _, s := range a.Sources {
		if !inB[s.ChunkID] {
			removed = append(removed, s.ChunkID)
		}
	}

	return VersionDelta{
		Similarity:      similarity,
		ConfidenceDelta: b.Confidence - a.Confidence,
		SourcesAdded:    added,
		SourcesRemoved:  removed,
		ContentChanged:  similarity < versionChangeThreshold,
	}
}
