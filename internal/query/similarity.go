package query

import (
	"math"
	"strings"
)

// sourceEquivalenceThreshold is the text similarity at or above which two
// sources are considered the same evidence.
const sourceEquivalenceThreshold = 0.85

// lcsTokenCap bounds the token count fed to the quadratic LCS pass.
const lcsTokenCap = 256

// TextSimilarity computes a normalized longest-common-subsequence ratio
// between two texts: 2*LCS / (len(a)+len(b)) over lowercased word tokens.
// Returns 1 for two empty texts and a value in [0,1] otherwise.
func TextSimilarity(a, b string) float64 {
	ta := lcsTokens(a)
	tb := lcsTokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	l := lcsLength(ta, tb)
	return 2 * float64(l) / float64(len(ta)+len(tb))
}

// lcsTokens lowercases and tokenizes text for LCS comparison.
func lcsTokens(text string) []string {
	tokens := strings.Fields(strings.ToLower(text))
	for i, t := range tokens {
		tokens[i] = strings.Trim(t, `"'.,;:!?()[]{}`)
	}
	if len(tokens) > lcsTokenCap {
		tokens = tokens[:lcsTokenCap]
	}
	return tokens
}

// lcsLength computes the longest common subsequence length using the
// two-row dynamic programming form.
func lcsLength(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// SourcesEquivalent reports whether two sources represent the same
// evidence: matching chunk IDs or text similarity at the threshold.
func SourcesEquivalent(a, b Source) bool {
	if a.ChunkID != "" && a.ChunkID == b.ChunkID {
		return true
	}
	return TextSimilarity(a.Text, b.Text) >= sourceEquivalenceThreshold
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Returns 0 for mismatched or zero-magnitude inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
