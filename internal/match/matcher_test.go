package match

import (
	"errors"
	"testing"

	"github.com/your-org/proctor/internal/vision"
)

func TestCosineSimilaritySelfMatch(t *testing.T) {
	emb := vision.Embedding{0.5, -0.25, 0.75, 0.1}

	score, err := CosineSimilarity(emb, emb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if score != 1.0 {
		t.Errorf("self similarity = %v, want 1.0", score)
	}
}

func TestCosineSimilarityIncompatibleLength(t *testing.T) {
	a := vision.Embedding{1, 2, 3}
	b := vision.Embedding{1, 2}

	if _, err := CosineSimilarity(a, b); !errors.Is(err, vision.ErrIncompatibleEmbedding) {
		t.Errorf("got %v, want ErrIncompatibleEmbedding", err)
	}
	if _, err := CosineSimilarity(nil, nil); !errors.Is(err, vision.ErrIncompatibleEmbedding) {
		t.Errorf("empty vectors: got %v, want ErrIncompatibleEmbedding", err)
	}
}

func TestCosineSimilarityZeroVector(t *testing.T) {
	a := vision.Embedding{0, 0, 0}
	b := vision.Embedding{1, 2, 3}

	score, err := CosineSimilarity(a, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if score != 0 {
		t.Errorf("zero-norm similarity = %v, want 0", score)
	}
}

func TestMatchSingleWinner(t *testing.T) {
	m := New(0.02)
	live := vision.Embedding{1, 0, 0}
	candidates := []Candidate{
		{StudentID: "s1", Embedding: vision.Embedding{1, 0.01, 0}},
		{StudentID: "s2", Embedding: vision.Embedding{0, 1, 0}},
	}

	result, err := m.Match(live, candidates, 0.8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != KindMatched {
		t.Fatalf("kind = %s, want matched", result.Kind)
	}
	if result.StudentID != "s1" {
		t.Errorf("matched %s, want s1", result.StudentID)
	}
}

func TestMatchNoCandidateAboveThreshold(t *testing.T) {
	m := New(0.02)
	live := vision.Embedding{1, 0, 0}
	candidates := []Candidate{
		{StudentID: "s1", Embedding: vision.Embedding{0, 1, 0}},
		{StudentID: "s2", Embedding: vision.Embedding{0, 0, 1}},
	}

	result, err := m.Match(live, candidates, 0.8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != KindNoMatch {
		t.Errorf("kind = %s, want no_match", result.Kind)
	}
	if result.StudentID != "" {
		t.Errorf("no_match must not name a student, got %q", result.StudentID)
	}
}

// Two references nearly equidistant from the live embedding must yield
// ambiguous rather than an arbitrary winner.
func TestMatchAmbiguousNotArbitrary(t *testing.T) {
	m := New(0.02)
	live := vision.Embedding{1, 0, 0}
	candidates := []Candidate{
		{StudentID: "s1", Embedding: vision.Embedding{1, 0.05, 0}},
		{StudentID: "s2", Embedding: vision.Embedding{1, -0.05, 0}},
	}

	result, err := m.Match(live, candidates, 0.9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != KindAmbiguous {
		t.Fatalf("kind = %s, want ambiguous", result.Kind)
	}
	if len(result.TopCandidates) != 2 {
		t.Errorf("top candidates = %d, want 2", len(result.TopCandidates))
	}
	if result.StudentID != "" {
		t.Errorf("ambiguous must not name a winner, got %q", result.StudentID)
	}
}

func TestMatchClearGapNotAmbiguous(t *testing.T) {
	m := New(0.02)
	live := vision.Embedding{1, 0, 0}
	candidates := []Candidate{
		{StudentID: "close", Embedding: vision.Embedding{1, 0.01, 0}},
		{StudentID: "far", Embedding: vision.Embedding{1, 0.6, 0}},
	}

	result, err := m.Match(live, candidates, 0.7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != KindMatched {
		t.Fatalf("kind = %s, want matched", result.Kind)
	}
	if result.StudentID != "close" {
		t.Errorf("matched %s, want close", result.StudentID)
	}
}

func TestMatchIncompatibleCandidate(t *testing.T) {
	m := New(0.02)
	live := vision.Embedding{1, 0, 0}
	candidates := []Candidate{
		{StudentID: "bad", Embedding: vision.Embedding{1, 0}},
	}

	if _, err := m.Match(live, candidates, 0.8); !errors.Is(err, vision.ErrIncompatibleEmbedding) {
		t.Errorf("got %v, want ErrIncompatibleEmbedding", err)
	}
}

func TestMatchEmptyCandidateSet(t *testing.T) {
	m := New(0.02)

	result, err := m.Match(vision.Embedding{1, 0, 0}, nil, 0.8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != KindNoMatch {
		t.Errorf("kind = %s, want no_match", result.Kind)
	}
}
