package query

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/simpleflo/tandem/internal/observability"
)

// Retrieval methods reported on results.
const (
	MethodVector  = "vector"
	MethodLexical = "lexical"
	MethodHybrid  = "hybrid"
	MethodNone    = "none"
)

// rrfConstant is the k in the reciprocal rank fusion formula 1/(k+rank).
const rrfConstant = 60

// RetrievalResult is the fused output of one retrieval pass.
type RetrievalResult struct {
	Sources []Source
	Method  string
}

// Retriever runs vector search and, for lexical-sensitive queries,
// lexical search in parallel, merging results by reciprocal rank fusion.
type Retriever struct {
	embedder Embedder
	vector   VectorIndex
	lexical  LexicalIndex // optional
	logger   zerolog.Logger
}

// NewRetriever creates a retriever. lexical may be nil, which disables
// hybrid fusion.
func NewRetriever(embedder Embedder, vector VectorIndex, lexical LexicalIndex) *Retriever {
	return &Retriever{
		embedder: embedder,
		vector:   vector,
		lexical:  lexical,
		logger:   observability.Logger("query.retriever"),
	}
}

// Patterns that suggest the query is lexical-sensitive: version numbers,
// error codes, code identifiers, CLI flags.
var (
	versionPattern   = regexp.MustCompile(`\bv?\d+\.\d+(\.\d+)?\b`)
	errorCodePattern = regexp.MustCompile(`\b[A-Z]{1,8}[-_]?\d{2,6}\b|\b0x[0-9a-fA-F]+\b`)
	acronymPattern   = regexp.MustCompile(`\b[A-Z]{2,6}\b`)
	codePattern      = regexp.MustCompile("`[^`]+`|\\b\\w+\\(\\)|\\b\\w+\\.\\w+\\(\\)")
	cliFlagPattern   = regexp.MustCompile(`(^|\s)--?[a-zA-Z][\w-]*`)
)

var comparisonTerms = []string{" vs ", " versus ", "difference between", "compared to"}

// lexicalSensitive reports whether a query benefits from exact keyword
// matching alongside vector search.
func lexicalSensitive(queryText string) bool {
	if versionPattern.MatchString(queryText) ||
		errorCodePattern.MatchString(queryText) ||
		acronymPattern.MatchString(queryText) ||
		codePattern.MatchString(queryText) ||
		cliFlagPattern.MatchString(queryText) {
		return true
	}
	lower := strings.ToLower(queryText)
	for _, term := range comparisonTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// Retrieve returns at most topK sources ordered by fused score
// descending. forceLexical requests hybrid fusion regardless of the
// classifier. If one backend fails the other's results are used; if both
// fail the result is empty with method "none". The caller-supplied
// context deadline bounds the whole pass.
func (r *Retriever) Retrieve(ctx context.Context, queryText string, topK int, forceLexical bool) *RetrievalResult {
	if topK <= 0 {
		topK = 10
	}
	hybrid := r.lexical != nil && (forceLexical || lexicalSensitive(queryText))
	candidateLimit := 2 * topK

	var vecHits, lexHits []Source
	var vecErr, lexErr error
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		vecHits, vecErr = r.vectorSearch(ctx, queryText, candidateLimit)
	}()

	if hybrid {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lexHits, lexErr = r.lexical.Search(ctx, queryText, candidateLimit)
		}()
	}

	wg.Wait()

	if vecErr != nil {
		r.logger.Warn().Err(vecErr).Msg("vector search failed")
	}
	if lexErr != nil {
		r.logger.Warn().Err(lexErr).Msg("lexical search failed")
	}

	switch {
	case len(vecHits) > 0 && len(lexHits) > 0:
		fused := applyRRF(vecHits, lexHits, rrfConstant)
		if len(fused) > topK {
			fused = fused[:topK]
		}
		normalizeScores(fused)
		return &RetrievalResult{Sources: fused, Method: MethodHybrid}
	case len(vecHits) > 0:
		if len(vecHits) > topK {
			vecHits = vecHits[:topK]
		}
		return &RetrievalResult{Sources: vecHits, Method: MethodVector}
	case len(lexHits) > 0:
		if len(lexHits) > topK {
			lexHits = lexHits[:topK]
		}
		return &RetrievalResult{Sources: lexHits, Method: MethodLexical}
	default:
		return &RetrievalResult{Method: MethodNone}
	}
}

// vectorSearch embeds the query and searches the vector index.
func (r *Retriever) vectorSearch(ctx context.Context, queryText string, limit int) ([]Source, error) {
	if r.embedder == nil || r.vector == nil {
		return nil, nil
	}
	vec, err := r.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, err
	}
	return r.vector.Search(ctx, vec, limit)
}

// applyRRF implements Reciprocal Rank Fusion to combine ranked lists.
// Formula: RRF(d) = Σ 1/(k + rank_i(d)) for each ranking list i.
func applyRRF(listA, listB []Source, k int) []Source {
	ranksA := make(map[string]int, len(listA))
	for i, hit := range listA {
		ranksA[hit.ChunkID] = i + 1 // 1-indexed rank
	}
	ranksB := make(map[string]int, len(listB))
	for i, hit := range listB {
		ranksB[hit.ChunkID] = i + 1
	}

	all := make(map[string]Source, len(listA)+len(listB))
	for _, hit := range listA {
		all[hit.ChunkID] = hit
	}
	for _, hit := range listB {
		if _, exists := all[hit.ChunkID]; !exists {
			all[hit.ChunkID] = hit
		}
	}

	type scoredHit struct {
		hit      Source
		rrfScore float64
	}

	scored := make([]scoredHit, 0, len(all))
	for chunkID, hit := range all {
		var rrfScore float64
		if rank, ok := ranksA[chunkID]; ok {
			rrfScore += 1.0 / float64(k+rank)
		}
		if rank, ok := ranksB[chunkID]; ok {
			rrfScore += 1.0 / float64(k+rank)
		}
		scored = append(scored, scoredHit{hit: hit, rrfScore: rrfScore})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].rrfScore != scored[j].rrfScore {
			return scored[i].rrfScore > scored[j].rrfScore
		}
		return scored[i].hit.ChunkID < scored[j].hit.ChunkID
	})

	result := make([]Source, len(scored))
	for i, s := range scored {
		hit := s.hit
		hit.Score = s.rrfScore
		result[i] = hit
	}
	return result
}

// normalizeScores rescales fused scores so the top hit is 1.0, keeping
// source scores in [0,1] for downstream confidence computation.
func normalizeScores(hits []Source) {
	if len(hits) == 0 || hits[0].Score <= 0 {
		return
	}
	top := hits[0].Score
	for i := range hits {
		hits[i].Score /= top
	}
}
