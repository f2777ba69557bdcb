package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"path/filepath"
	"sort"

	ort "github.com/yalue/onnxruntime_go"
)

// detection is an intermediate face hit in pixel coordinates.
type detection struct {
	bbox       [4]float32 // x1, y1, x2, y2
	confidence float32
}

// stride configuration for the RetinaFace det_10g detector.
var strides = []int{8, 16, 32}

const anchorsPerStride = 2

const (
	attrInputSize = 112
	meshPoints    = 68
	// pose(3) + emotion(7) + mesh(68 x,y pairs)
	attrOutputLen = 3 + 7 + 2*meshPoints
)

// ONNXModel is the FaceModel implementation backed by two ONNX sessions:
// a RetinaFace detector and a face-attribute head (pose, emotion, mesh).
type ONNXModel struct {
	detSession   *ort.AdvancedSession
	detInput     *ort.Tensor[float32]
	detOutputs   []*ort.Tensor[float32]
	attrSession  *ort.AdvancedSession
	attrInput    *ort.Tensor[float32]
	attrOutput   *ort.Tensor[float32]
	detThreshold float32
	detW, detH   int
}

// NewONNXModel loads det_10g.onnx and face_attrs.onnx from modelsDir.
func NewONNXModel(modelsDir string, detectionThreshold float32) (*ONNXModel, error) {
	m := &ONNXModel{
		detThreshold: detectionThreshold,
		detW:         640,
		detH:         640,
	}

	if err := m.initDetector(filepath.Join(modelsDir, "det_10g.onnx")); err != nil {
		return nil, err
	}
	if err := m.initAttributes(filepath.Join(modelsDir, "face_attrs.onnx")); err != nil {
		m.closeDetector()
		return nil, err
	}

	return m, nil
}

func (m *ONNXModel) initDetector(modelPath string) error {
	inputShape := ort.NewShape(1, 3, int64(m.detH), int64(m.detW))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return fmt.Errorf("create detector input tensor: %w", err)
	}

	// det_10g output shapes (no batch dimension):
	// scores: [12800,1] [3200,1] [800,1], bboxes: [...,4] per stride 8/16/32.
	type outputSpec struct {
		name  string
		shape ort.Shape
	}
	outputs := []outputSpec{
		{"448", ort.NewShape(12800, 1)},
		{"471", ort.NewShape(3200, 1)},
		{"494", ort.NewShape(800, 1)},
		{"451", ort.NewShape(12800, 4)},
		{"474", ort.NewShape(3200, 4)},
		{"497", ort.NewShape(800, 4)},
	}

	outputNames := make([]string, len(outputs))
	outputTensors := make([]*ort.Tensor[float32], len(outputs))
	outputValues := make([]ort.Value, len(outputs))

	for i, spec := range outputs {
		outputNames[i] = spec.name
		t, err := ort.NewEmptyTensor[float32](spec.shape)
		if err != nil {
			for j := 0; j < i; j++ {
				outputTensors[j].Destroy()
			}
			inputTensor.Destroy()
			return fmt.Errorf("create detector output tensor %s: %w", spec.name, err)
		}
		outputTensors[i] = t
		outputValues[i] = t
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input.1"},
		outputNames,
		[]ort.Value{inputTensor},
		outputValues,
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		for _, t := range outputTensors {
			t.Destroy()
		}
		return fmt.Errorf("create detector session: %w", err)
	}

	m.detSession = session
	m.detInput = inputTensor
	m.detOutputs = outputTensors
	return nil
}

func (m *ONNXModel) initAttributes(modelPath string) error {
	inputShape := ort.NewShape(1, 3, attrInputSize, attrInputSize)
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return fmt.Errorf("create attribute input tensor: %w", err)
	}

	outputShape := ort.NewShape(1, attrOutputLen)
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return fmt.Errorf("create attribute output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input.1"},
		[]string{"output"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return fmt.Errorf("create attribute session: %w", err)
	}

	m.attrSession = session
	m.attrInput = inputTensor
	m.attrOutput = outputTensor
	return nil
}

// Detect decodes the frame, finds faces, and runs the attribute head on each.
func (m *ONNXModel) Detect(frame []byte) ([]Descriptor, error) {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		img, _, err = image.Decode(bytes.NewReader(frame))
		if err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
	}

	bounds := img.Bounds()
	origW := bounds.Dx()
	origH := bounds.Dy()

	detInput := imageToFloat32CHW(img, m.detW, m.detH,
		[3]float32{127.5, 127.5, 127.5}, [3]float32{128.0, 128.0, 128.0})
	copy(m.detInput.GetData(), detInput)

	if err := m.detSession.Run(); err != nil {
		return nil, fmt.Errorf("run detection: %w", err)
	}

	dets := nms(m.parseDetections(origW, origH), 0.4)

	descs := make([]Descriptor, 0, len(dets))
	for _, det := range dets {
		crop := cropFace(img, det.bbox)
		if crop == nil {
			continue
		}

		attrs, err := m.predictAttributes(crop)
		if err != nil {
			return nil, fmt.Errorf("predict attributes: %w", err)
		}

		desc := Descriptor{
			Pose:       attrs.pose,
			Confidence: det.confidence,
			Emotions:   attrs.emotions,
			BBox: [4]float32{
				det.bbox[0] / float32(origW),
				det.bbox[1] / float32(origH),
				det.bbox[2] / float32(origW),
				det.bbox[3] / float32(origH),
			},
		}

		// Mesh points come out crop-relative; map into frame space, normalized.
		cw := det.bbox[2] - det.bbox[0]
		ch := det.bbox[3] - det.bbox[1]
		desc.Mesh = make([][2]float32, len(attrs.mesh))
		for i, p := range attrs.mesh {
			desc.Mesh[i] = [2]float32{
				(det.bbox[0] + p[0]*cw) / float32(origW),
				(det.bbox[1] + p[1]*ch) / float32(origH),
			}
		}

		descs = append(descs, desc)
	}

	return descs, nil
}

type faceAttrs struct {
	pose     [3]float32
	emotions [7]float32
	mesh     [][2]float32
}

func (m *ONNXModel) predictAttributes(crop image.Image) (*faceAttrs, error) {
	input := imageToFloat32CHW(crop, attrInputSize, attrInputSize,
		[3]float32{127.5, 127.5, 127.5}, [3]float32{127.5, 127.5, 127.5})
	copy(m.attrInput.GetData(), input)

	if err := m.attrSession.Run(); err != nil {
		return nil, fmt.Errorf("run attribute head: %w", err)
	}

	data := m.attrOutput.GetData()
	if len(data) < attrOutputLen {
		return nil, fmt.Errorf("unexpected attribute output size: %d", len(data))
	}

	attrs := &faceAttrs{}
	copy(attrs.pose[:], data[0:3])

	var emo [7]float32
	copy(emo[:], data[3:10])
	attrs.emotions = softmax7(emo)

	attrs.mesh = make([][2]float32, meshPoints)
	for i := 0; i < meshPoints; i++ {
		attrs.mesh[i] = [2]float32{data[10+i*2], data[10+i*2+1]}
	}

	return attrs, nil
}

// parseDetections decodes anchor-based RetinaFace outputs at strides 8, 16, 32.
func (m *ONNXModel) parseDetections(origW, origH int) []detection {
	var dets []detection

	scaleW := float32(origW) / float32(m.detW)
	scaleH := float32(origH) / float32(m.detH)

	for si, stride := range strides {
		scores := m.detOutputs[si].GetData()
		bboxes := m.detOutputs[si+3].GetData()

		fmW := m.detW / stride
		fmH := m.detH / stride

		idx := 0
		for cy := 0; cy < fmH; cy++ {
			for cx := 0; cx < fmW; cx++ {
				for a := 0; a < anchorsPerStride; a++ {
					score := scores[idx]

					if score >= m.detThreshold {
						anchorX := float32(cx) * float32(stride)
						anchorY := float32(cy) * float32(stride)
						st := float32(stride)

						x1 := (anchorX - bboxes[idx*4+0]*st) * scaleW
						y1 := (anchorY - bboxes[idx*4+1]*st) * scaleH
						x2 := (anchorX + bboxes[idx*4+2]*st) * scaleW
						y2 := (anchorY + bboxes[idx*4+3]*st) * scaleH

						dets = append(dets, detection{
							bbox: [4]float32{
								clampF(x1, 0, float32(origW)),
								clampF(y1, 0, float32(origH)),
								clampF(x2, 0, float32(origW)),
								clampF(y2, 0, float32(origH)),
							},
							confidence: score,
						})
					}
					idx++
				}
			}
		}
	}

	return dets
}

func (m *ONNXModel) closeDetector() {
	if m.detSession != nil {
		m.detSession.Destroy()
	}
	if m.detInput != nil {
		m.detInput.Destroy()
	}
	for _, t := range m.detOutputs {
		if t != nil {
			t.Destroy()
		}
	}
}

func (m *ONNXModel) Close() {
	m.closeDetector()
	if m.attrSession != nil {
		m.attrSession.Destroy()
	}
	if m.attrInput != nil {
		m.attrInput.Destroy()
	}
	if m.attrOutput != nil {
		m.attrOutput.Destroy()
	}
}

// --- helpers ---

func softmax7(logits [7]float32) [7]float32 {
	maxv := logits[0]
	for _, v := range logits[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	var exps [7]float64
	for i, v := range logits {
		exps[i] = math.Exp(float64(v - maxv))
		sum += exps[i]
	}
	var out [7]float32
	for i := range exps {
		out[i] = float32(exps[i] / sum)
	}
	return out
}

// nms performs Non-Maximum Suppression on detections.
func nms(dets []detection, iouThreshold float32) []detection {
	if len(dets) == 0 {
		return dets
	}

	sort.Slice(dets, func(i, j int) bool {
		return dets[i].confidence > dets[j].confidence
	})

	keep := make([]bool, len(dets))
	for i := range keep {
		keep[i] = true
	}

	for i := 0; i < len(dets); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(dets); j++ {
			if !keep[j] {
				continue
			}
			if iou(dets[i].bbox, dets[j].bbox) > iouThreshold {
				keep[j] = false
			}
		}
	}

	var result []detection
	for i, d := range dets {
		if keep[i] {
			result = append(result, d)
		}
	}
	return result
}

func iou(a, b [4]float32) float32 {
	x1 := float32(math.Max(float64(a[0]), float64(b[0])))
	y1 := float32(math.Max(float64(a[1]), float64(b[1])))
	x2 := float32(math.Min(float64(a[2]), float64(b[2])))
	y2 := float32(math.Min(float64(a[3]), float64(b[3])))

	intersection := float32(math.Max(0, float64(x2-x1))) * float32(math.Max(0, float64(y2-y1)))

	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - intersection

	if union <= 0 {
		return 0
	}
	return intersection / union
}

func clampF(v, min, max float32) float32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// imageToFloat32CHW converts an image to CHW float32 format with normalization:
//
//	pixel = (pixel - mean) / std
func imageToFloat32CHW(img image.Image, targetW, targetH int, mean, std [3]float32) []float32 {
	resized := resizeImage(img, targetW, targetH)
	bounds := resized.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	data := make([]float32, 3*h*w)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := resized.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()

			rf := float32(r >> 8)
			gf := float32(g >> 8)
			bf := float32(b >> 8)

			idx := y*w + x
			data[0*h*w+idx] = (rf - mean[0]) / std[0]
			data[1*h*w+idx] = (gf - mean[1]) / std[1]
			data[2*h*w+idx] = (bf - mean[2]) / std[2]
		}
	}

	return data
}

// resizeImage performs nearest-neighbour resize (fast, good enough for ML input).
func resizeImage(img image.Image, targetW, targetH int) image.Image {
	bounds := img.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()

	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))

	for y := 0; y < targetH; y++ {
		for x := 0; x < targetW; x++ {
			srcX := bounds.Min.X + x*srcW/targetW
			srcY := bounds.Min.Y + y*srcH/targetH
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}

	return dst
}

// cropFace extracts a face region from the image with 10% padding.
func cropFace(img image.Image, bbox [4]float32) image.Image {
	bounds := img.Bounds()

	x1 := int(bbox[0])
	y1 := int(bbox[1])
	x2 := int(bbox[2])
	y2 := int(bbox[3])

	w := x2 - x1
	h := y2 - y1
	if w <= 0 || h <= 0 {
		return nil
	}

	padW := int(float32(w) * 0.1)
	padH := int(float32(h) * 0.1)
	x1 -= padW
	y1 -= padH
	x2 += padW
	y2 += padH

	if x1 < bounds.Min.X {
		x1 = bounds.Min.X
	}
	if y1 < bounds.Min.Y {
		y1 = bounds.Min.Y
	}
	if x2 > bounds.Max.X {
		x2 = bounds.Max.X
	}
	if y2 > bounds.Max.Y {
		y2 = bounds.Max.Y
	}

	crop := image.NewRGBA(image.Rect(0, 0, x2-x1, y2-y1))
	for cy := y1; cy < y2; cy++ {
		for cx := x1; cx < x2; cx++ {
			crop.Set(cx-x1, cy-y1, img.At(cx, cy))
		}
	}

	return crop
}
