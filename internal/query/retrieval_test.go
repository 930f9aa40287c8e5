package query

import (
	"context"
	"testing"
)

func TestLexicalSensitive(t *testing.T) {
	cases := []struct {
		query string
		want  bool
	}{
		{"how do I configure logging", false},
		{"what changed in v2.3.1", true},
		{"error E_5042 on startup", true},
		{"what does HTTP mean", true},
		{"call the `Retrieve()` function", true},
		{"run with --verbose flag", true},
		{"postgres vs mysql performance", true},
		{"difference between maps and slices", true},
		{"tell me about caching", false},
	}
	for _, tc := range cases {
		if got := lexicalSensitive(tc.query); got != tc.want {
			t.Errorf("lexicalSensitive(%q) = %v, want %v", tc.query, got, tc.want)
		}
	}
}

func TestRetrieveVectorOnly(t *testing.T) {
	vec := &fakeVector{hits: mkSources(5, 0.9)}
	r := NewRetriever(newFakeEmbedder(), vec, nil)

	result := r.Retrieve(context.Background(), "how do I configure logging", 3, false)
	if result.Method != MethodVector {
		t.Errorf("method = %s, want vector", result.Method)
	}
	if len(result.Sources) != 3 {
		t.Errorf("expected 3 sources, got %d", len(result.Sources))
	}
}

func TestRetrieveHybridFusion(t *testing.T) {
	vec := &fakeVector{hits: []Source{mkSource("a", 0.9), mkSource("b", 0.8), mkSource("c", 0.7)}}
	lex := &fakeLexical{hits: []Source{mkSource("b", 0.95), mkSource("d", 0.85)}}
	r := NewRetriever(newFakeEmbedder(), vec, lex)

	result := r.Retrieve(context.Background(), "what changed in v2.3.1", 10, false)
	if result.Method != MethodHybrid {
		t.Fatalf("method = %s, want hybrid", result.Method)
	}
	// "b" appears in both lists so it must rank first.
	if result.Sources[0].ChunkID != "b" {
		t.Errorf("expected b first, got %s", result.Sources[0].ChunkID)
	}
	// Normalized: top score is exactly 1, the rest within (0,1].
	if result.Sources[0].Score != 1.0 {
		t.Errorf("top score = %f, want 1.0", result.Sources[0].Score)
	}
	for _, s := range result.Sources {
		if s.Score <= 0 || s.Score > 1 {
			t.Errorf("score %f for %s out of (0,1]", s.Score, s.ChunkID)
		}
	}
	if len(result.Sources) != 4 {
		t.Errorf("expected 4 fused sources, got %d", len(result.Sources))
	}
}

func TestRetrieveForceLexical(t *testing.T) {
	vec := &fakeVector{hits: []Source{mkSource("a", 0.9)}}
	lex := &fakeLexical{hits: []Source{mkSource("b", 0.8)}}
	r := NewRetriever(newFakeEmbedder(), vec, lex)

	// Not lexical-sensitive on its own; forced.
	result := r.Retrieve(context.Background(), "tell me about caching", 10, true)
	if result.Method != MethodHybrid {
		t.Errorf("method = %s, want hybrid when forced", result.Method)
	}
	if lex.calls != 1 {
		t.Errorf("lexical backend called %d times, want 1", lex.calls)
	}
}

func TestRetrieveDegradesToLexical(t *testing.T) {
	vec := &fakeVector{fail: true}
	lex := &fakeLexical{hits: []Source{mkSource("b", 0.8)}}
	r := NewRetriever(newFakeEmbedder(), vec, lex)

	result := r.Retrieve(context.Background(), "what changed in v2.3.1", 10, false)
	if result.Method != MethodLexical {
		t.Errorf("method = %s, want lexical after vector failure", result.Method)
	}
	if len(result.Sources) != 1 {
		t.Errorf("expected surviving backend's sources, got %d", len(result.Sources))
	}
}

func TestRetrieveDegradesToVector(t *testing.T) {
	vec := &fakeVector{hits: []Source{mkSource("a", 0.9)}}
	lex := &fakeLexical{fail: true}
	r := NewRetriever(newFakeEmbedder(), vec, lex)

	result := r.Retrieve(context.Background(), "what changed in v2.3.1", 10, false)
	if result.Method != MethodVector {
		t.Errorf("method = %s, want vector after lexical failure", result.Method)
	}
}

func TestRetrieveBothFail(t *testing.T) {
	vec := &fakeVector{fail: true}
	lex := &fakeLexical{fail: true}
	r := NewRetriever(newFakeEmbedder(), vec, lex)

	result := r.Retrieve(context.Background(), "what changed in v2.3.1", 10, false)
	if result.Method != MethodNone {
		t.Errorf("method = %s, want none", result.Method)
	}
	if len(result.Sources) != 0 {
		t.Errorf("expected no sources, got %d", len(result.Sources))
	}
}

func TestApplyRRFScoring(t *testing.T) {
	listA := []Source{mkSource("x", 0.9), mkSource("y", 0.8)}
	listB := []Source{mkSource("y", 0.95), mkSource("z", 0.85)}

	fused := applyRRF(listA, listB, 60)
	if len(fused) != 3 {
		t.Fatalf("expected 3 fused, got %d", len(fused))
	}
	// y: 1/62 + 1/61 beats x: 1/61 and z: 1/62.
	if fused[0].ChunkID != "y" {
		t.Errorf("expected y first, got %s", fused[0].ChunkID)
	}
	wantY := 1.0/62 + 1.0/61
	if diff := fused[0].Score - wantY; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("y score = %.12f, want %.12f", fused[0].Score, wantY)
	}
	// x (rank 1 in A) beats z (rank 2 in B).
	if fused[1].ChunkID != "x" || fused[2].ChunkID != "z" {
		t.Errorf("tail order = %s, %s; want x, z", fused[1].ChunkID, fused[2].ChunkID)
	}
}

func TestApplyRRFTieBreakDeterministic(t *testing.T) {
	listA := []Source{mkSource("m", 0.9)}
	listB := []Source{mkSource("n", 0.9)}
	for i := 0; i < 5; i++ {
		fused := applyRRF(listA, listB, 60)
		// Equal scores tie-break on chunk id.
		if fused[0].ChunkID != "m" || fused[1].ChunkID != "n" {
			t.Fatalf("tie-break unstable: %s, %s", fused[0].ChunkID, fused[1].ChunkID)
		}
	}
}
