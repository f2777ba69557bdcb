package match

import (
	"math"
	"sort"

	"github.com/your-org/proctor/internal/vision"
)

// Candidate pairs a student with their reference embedding.
type Candidate struct {
	StudentID string
	Embedding vision.Embedding
}

// Scored is one candidate's similarity against the live embedding.
type Scored struct {
	StudentID string  `json:"student_id"`
	Score     float32 `json:"score"`
}

type Kind string

const (
	// KindMatched: exactly one candidate passed the threshold cleanly.
	KindMatched Kind = "matched"
	// KindNoMatch: no candidate reached the threshold.
	KindNoMatch Kind = "no_match"
	// KindAmbiguous: two or more candidates passed the threshold within
	// epsilon of each other. Rejected rather than guessed: a false positive
	// admits the wrong student into an exam.
	KindAmbiguous Kind = "ambiguous"
)

// Result is the tagged outcome of one match pass. NoMatch and Ambiguous are
// normal outcomes, not errors.
type Result struct {
	Kind          Kind
	StudentID     string
	Score         float32
	BestScore     float32
	TopCandidates []Scored
}

// Matcher compares a live embedding against reference embeddings using cosine
// similarity (bounded [-1,1], symmetric) under a decision threshold.
type Matcher struct {
	epsilon float64
}

func New(ambiguityEpsilon float64) *Matcher {
	return &Matcher{epsilon: ambiguityEpsilon}
}

// Match scores every candidate in one linear pass. Eligible rosters are a few
// hundred students at most, so no index structure is needed.
func (m *Matcher) Match(live vision.Embedding, candidates []Candidate, threshold float64) (Result, error) {
	var best float64 = -1
	var passed []Scored

	for _, c := range candidates {
		score, err := CosineSimilarity(live, c.Embedding)
		if err != nil {
			return Result{}, err
		}
		if score > best {
			best = score
		}
		if score >= threshold {
			passed = append(passed, Scored{StudentID: c.StudentID, Score: float32(score)})
		}
	}

	if len(passed) == 0 {
		return Result{Kind: KindNoMatch, BestScore: float32(best)}, nil
	}

	sort.Slice(passed, func(i, j int) bool { return passed[i].Score > passed[j].Score })

	if len(passed) > 1 && float64(passed[0].Score-passed[1].Score) < m.epsilon {
		top := []Scored{passed[0]}
		for _, s := range passed[1:] {
			if float64(passed[0].Score-s.Score) < m.epsilon {
				top = append(top, s)
			}
		}
		return Result{Kind: KindAmbiguous, BestScore: passed[0].Score, TopCandidates: top}, nil
	}

	return Result{
		Kind:      KindMatched,
		StudentID: passed[0].StudentID,
		Score:     passed[0].Score,
		BestScore: passed[0].Score,
	}, nil
}

// CosineSimilarity computes cosine similarity between two equal-length
// vectors, accumulated in float64 and clamped to [-1, 1]. Mismatched lengths
// are an error, never a silent truncation.
func CosineSimilarity(a, b vision.Embedding) (float64, error) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, vision.ErrIncompatibleEmbedding
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Min(1.0, math.Max(-1.0, sim)), nil
}
