package query

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ComplexityLevel classifies query difficulty.
type ComplexityLevel string

const (
	ComplexitySimple   ComplexityLevel = "simple"
	ComplexityModerate ComplexityLevel = "moderate"
	ComplexityComplex  ComplexityLevel = "complex"
)

// ComplexityScore is the analyzer's full output.
type ComplexityScore struct {
	LengthScore       float64         `json:"length_score"`
	KeywordScore      float64         `json:"keyword_score"`
	StructureScore    float64         `json:"structure_score"`
	QuestionTypeScore float64         `json:"question_type_score"`
	Composite         float64         `json:"composite"`
	Level             ComplexityLevel `json:"level"`
	RecommendedMode   Mode            `json:"recommended_mode"`
	Confidence        float64         `json:"confidence"`
	Factors           []string        `json:"factors"`
}

// Keyword lists cover English and Korean. Additions for other scripts are
// out of scope.
var (
	analyticalKeywords = []string{
		"compare", "contrast", "analyze", "analyse", "evaluate", "assess",
		"difference", "differences", "trade-off", "tradeoff", "pros and cons",
		"advantages", "disadvantages", "relationship", "impact", "implications",
		"비교", "분석", "평가", "차이", "장단점", "영향",
	}
	factualKeywords = []string{
		"what", "who", "when", "where", "which", "define", "definition",
		"무엇", "누구", "언제", "어디", "정의",
	}
	explanatoryKeywords = []string{
		"how", "why", "explain", "describe",
		"어떻게", "왜", "설명",
	}
	conjunctions = []string{
		"and", "or", "but", "also", "versus", "vs",
		"그리고", "또는", "하지만",
	}
)

// Composite weights: keyword signal dominates.
const (
	weightLength       = 0.2
	weightKeyword      = 0.4
	weightStructure    = 0.2
	weightQuestionType = 0.2
)

// Level thresholds on the composite score.
const (
	simpleCeiling   = 0.35
	moderateCeiling = 0.65
)

// ComplexityAnalyzer scores queries and recommends a processing mode.
// Pure and deterministic; safe for concurrent use.
type ComplexityAnalyzer struct{}

// NewComplexityAnalyzer creates a complexity analyzer.
func NewComplexityAnalyzer() *ComplexityAnalyzer {
	return &ComplexityAnalyzer{}
}

// Analyze scores a query on four axes and recommends a mode.
// An empty query yields a simple/fast result with zero confidence; the
// router rejects empty queries before dispatch.
func (a *ComplexityAnalyzer) Analyze(queryText string) ComplexityScore {
	queryText = norm.NFC.String(strings.TrimSpace(queryText))
	if queryText == "" {
		return ComplexityScore{
			Level:           ComplexitySimple,
			RecommendedMode: ModeFast,
			Confidence:      0,
			Factors:         []string{"empty query"},
		}
	}

	lower := strings.ToLower(queryText)
	words := strings.Fields(lower)

	score := ComplexityScore{
		LengthScore:       lengthScore(len(words)),
		KeywordScore:      keywordScore(lower),
		StructureScore:    structureScore(queryText, words),
		QuestionTypeScore: questionTypeScore(lower),
	}
	score.Composite = weightLength*score.LengthScore +
		weightKeyword*score.KeywordScore +
		weightStructure*score.StructureScore +
		weightQuestionType*score.QuestionTypeScore

	switch {
	case score.Composite < simpleCeiling:
		score.Level = ComplexitySimple
		score.RecommendedMode = ModeFast
		score.Confidence = 0.85
	case score.Composite < moderateCeiling:
		score.Level = ComplexityModerate
		score.RecommendedMode = ModeBalanced
		score.Confidence = 0.90
	default:
		score.Level = ComplexityComplex
		score.RecommendedMode = ModeDeep
		score.Confidence = 0.80
	}

	score.Factors = append(score.Factors,
		fmt.Sprintf("%d words", len(words)),
		fmt.Sprintf("keyword score %.1f", score.KeywordScore),
		fmt.Sprintf("structure score %.1f", score.StructureScore),
		fmt.Sprintf("question type score %.1f", score.QuestionTypeScore),
	)

	return score
}

func lengthScore(wordCount int) float64 {
	switch {
	case wordCount < 10:
		return 0.0
	case wordCount < 25:
		return 0.5
	default:
		return 1.0
	}
}

func keywordScore(lower string) float64 {
	analytical := 0
	for _, kw := range analyticalKeywords {
		if strings.Contains(lower, kw) {
			analytical++
		}
	}
	if analytical >= 2 {
		return 1.0
	}
	if analytical == 1 {
		return 0.7
	}
	for _, kw := range factualKeywords {
		if containsWordOrCJK(lower, kw) {
			return 0.2
		}
	}
	return 0.5
}

func structureScore(text string, words []string) float64 {
	sentences := countSentences(text)
	questions := strings.Count(text, "?")
	conj := 0
	for _, w := range words {
		for _, c := range conjunctions {
			if w == c {
				conj++
				break
			}
		}
	}

	switch {
	case sentences > 2 || questions > 1:
		return 1.0
	case conj >= 2:
		return 0.7
	case conj == 1:
		return 0.4
	default:
		return 0.2
	}
}

func questionTypeScore(lower string) float64 {
	for _, kw := range analyticalKeywords {
		if strings.Contains(lower, kw) {
			return 0.9
		}
	}
	for _, kw := range explanatoryKeywords {
		if containsWordOrCJK(lower, kw) {
			return 0.5
		}
	}
	for _, kw := range factualKeywords {
		if containsWordOrCJK(lower, kw) {
			return 0.2
		}
	}
	return 0.5
}

// containsWordOrCJK matches ASCII keywords on word boundaries and
// Korean keywords as substrings (Korean has no word-boundary spaces
// around particles).
func containsWordOrCJK(lower, kw string) bool {
	if kw[0] >= 'a' && kw[0] <= 'z' {
		for _, w := range strings.Fields(lower) {
			if strings.Trim(w, `"'.,;:!?()[]{}`) == kw {
				return true
			}
		}
		return false
	}
	return strings.Contains(lower, kw)
}

func countSentences(text string) int {
	n := 0
	for _, r := range text {
		if r == '.' || r == '!' || r == '?' {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}
