package vision

import (
	"fmt"
	"math"
)

// Embedding is a fixed-length numeric vector derived from one face.
// Reference and live embeddings must share identical length and field
// ordering; the Matcher rejects anything else.
type Embedding []float32

const (
	poseLen = 3
	bboxLen = 4
	confLen = 1
)

// FeatureExtractor converts a captured frame into an Embedding by flattening
// the model's descriptor: pose, bbox, confidence, emotion scores, and a
// bounded prefix of mesh points.
type FeatureExtractor struct {
	model      FaceModel
	meshPrefix int
	singleFace bool
}

func NewFeatureExtractor(model FaceModel, meshPrefix int, singleFace bool) *FeatureExtractor {
	return &FeatureExtractor{
		model:      model,
		meshPrefix: meshPrefix,
		singleFace: singleFace,
	}
}

// Dim returns the embedding length this extractor produces. It is a hard
// contract shared with every stored reference embedding.
func (e *FeatureExtractor) Dim() int {
	return poseLen + bboxLen + confLen + len(EmotionClasses) + 2*e.meshPrefix
}

// Extract derives an embedding from one frame. Returns ErrNoFaceDetected,
// ErrMultipleFaces, or ErrModelUnavailable as the case may be; these are
// operator-retryable and must not be recorded as verification attempts.
func (e *FeatureExtractor) Extract(frame []byte) (Embedding, error) {
	if e.model == nil {
		return nil, ErrModelUnavailable
	}

	descs, err := e.model.Detect(frame)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	if len(descs) == 0 {
		return nil, ErrNoFaceDetected
	}
	if len(descs) > 1 && e.singleFace {
		return nil, ErrMultipleFaces
	}

	best := descs[0]
	for _, d := range descs[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}

	return e.fromDescriptor(best), nil
}

func (e *FeatureExtractor) fromDescriptor(d Descriptor) Embedding {
	emb := make(Embedding, 0, e.Dim())

	for _, v := range d.Pose {
		emb = append(emb, round6(v))
	}
	for _, v := range d.BBox {
		emb = append(emb, round6(v))
	}
	emb = append(emb, round6(d.Confidence))
	for _, v := range d.Emotions {
		emb = append(emb, round6(v))
	}

	// Mesh prefix capped at meshPrefix points; shorter meshes are zero-padded
	// so the vector length stays fixed.
	for i := 0; i < e.meshPrefix; i++ {
		if i < len(d.Mesh) {
			emb = append(emb, round6(d.Mesh[i][0]), round6(d.Mesh[i][1]))
		} else {
			emb = append(emb, 0, 0)
		}
	}

	return emb
}

// round6 rounds to 6 decimal places so repeated extractions of the same
// descriptor compare bit-for-bit.
func round6(v float32) float32 {
	return float32(math.Round(float64(v)*1e6) / 1e6)
}
