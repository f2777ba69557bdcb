package vision

import "errors"

// EmotionClasses is the fixed ordering of emotion scores in a Descriptor.
// Embedding layout depends on this order never changing.
var EmotionClasses = [7]string{"angry", "disgusted", "fearful", "happy", "neutral", "sad", "surprised"}

// Descriptor is the raw output of the face-analysis model for one face.
// Coordinates (bbox and mesh) are normalized to the frame dimensions.
type Descriptor struct {
	Pose       [3]float32 // roll, pitch, yaw in degrees
	BBox       [4]float32 // x1, y1, x2, y2, normalized to [0,1]
	Confidence float32
	Emotions   [7]float32 // scores in EmotionClasses order
	Mesh       [][2]float32
}

// FaceModel is the black-box face-analysis runtime.
type FaceModel interface {
	// Detect returns one descriptor per face found in the frame (JPEG bytes).
	Detect(frame []byte) ([]Descriptor, error)
	Close()
}

var (
	ErrNoFaceDetected        = errors.New("no face detected")
	ErrMultipleFaces         = errors.New("multiple faces detected")
	ErrModelUnavailable      = errors.New("face model unavailable")
	ErrIncompatibleEmbedding = errors.New("incompatible embedding length")
)
