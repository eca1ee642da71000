package inference

import (
	"math"
	"sort"
)

// ModelVariant identifies which output-tensor shape family a loaded
// model uses, auto-detected per SPEC_FULL.md §4.7.
type ModelVariant int

const (
	VariantGridAnchored ModelVariant = iota
	VariantSingleTensorFlat
	VariantNMSFree
)

func (v ModelVariant) String() string {
	switch v {
	case VariantGridAnchored:
		return "grid-anchored"
	case VariantSingleTensorFlat:
		return "single-tensor-flat"
	case VariantNMSFree:
		return "nms-free"
	default:
		return "unknown"
	}
}

// RawOutput is one ONNX output tensor, flattened to a single float32 slice.
type RawOutput struct {
	Shape []int64
	Data  []float32
}

// DetectVariant inspects output tensor rank and shape. Three or four
// output tensors (one per stride) imply the grid-anchored family; a
// single rank-3 tensor whose last dimension is exactly 6 (x1,y1,x2,y2,
// score,class_id) implies an already-NMS'd export; anything else is
// treated as the single-tensor flat family.
func DetectVariant(outputs []RawOutput) ModelVariant {
	if len(outputs) >= 3 {
		return VariantGridAnchored
	}
	if len(outputs) == 1 && len(outputs[0].Shape) == 3 && outputs[0].Shape[2] == 6 {
		return VariantNMSFree
	}
	return VariantSingleTensorFlat
}

// Candidate is a decoded detection prior to NMS, expressed in the
// letterboxed canvas's pixel space.
type Candidate struct {
	ClassID uint32
	Score   float32
	Box     BBox
}

func sigmoid(x float32) float32 { return float32(1 / (1 + math.Exp(-float64(x)))) }

// DecodeGridAnchored decodes one or more per-stride tensors shaped
// [batch, anchors, gridH, gridW, 5+numClasses], combining candidates
// across strides. anchorsPerStride supplies the (w,h) anchor box for
// each stride's tensor, indexed positionally.
func DecodeGridAnchored(outputs []RawOutput, anchorsPerStride [][2]float32, numClasses, inputW, inputH int) []Candidate {
	var all []Candidate
	for i, out := range outputs {
		if len(out.Shape) != 5 {
			continue
		}
		numAnchors := int(out.Shape[1])
		gridH := int(out.Shape[2])
		gridW := int(out.Shape[3])
		channels := int(out.Shape[4])
		if channels < 5+numClasses {
			continue
		}
		anchor := [2]float32{1, 1}
		if i < len(anchorsPerStride) {
			anchor = anchorsPerStride[i]
		}
		strideX := float32(inputW) / float32(gridW)
		strideY := float32(inputH) / float32(gridH)

		idx := 0
		for a := 0; a < numAnchors; a++ {
			for gy := 0; gy < gridH; gy++ {
				for gx := 0; gx < gridW; gx++ {
					base := idx * channels
					idx++

					tx, ty := out.Data[base], out.Data[base+1]
					tw, th := out.Data[base+2], out.Data[base+3]
					objectness := sigmoid(out.Data[base+4])

					bestClass := 0
					bestScore := float32(0)
					for c := 0; c < numClasses; c++ {
						s := sigmoid(out.Data[base+5+c])
						if s > bestScore {
							bestScore = s
							bestClass = c
						}
					}

					cx := (sigmoid(tx)*2 - 0.5 + float32(gx)) * strideX
					cy := (sigmoid(ty)*2 - 0.5 + float32(gy)) * strideY
					bw := sigmoid(tw) * 2
					bh := sigmoid(th) * 2
					w := bw * bw * anchor[0]
					h := bh * bh * anchor[1]

					all = append(all, Candidate{
						ClassID: uint32(bestClass),
						Score:   objectness * bestScore,
						Box:     BBox{X: cx - w/2, Y: cy - h/2, W: w, H: h},
					})
				}
			}
		}
	}
	return all
}

// DecodeSingleTensorFlat decodes a rank-3 [1, N, 4+C or 5+C] tensor.
// hasObjectness distinguishes the 5+C variant (objectness fused with
// class score) from the 4+C variant (max class score used directly).
func DecodeSingleTensorFlat(out RawOutput, numClasses int, hasObjectness bool) []Candidate {
	if len(out.Shape) != 3 {
		return nil
	}
	n := int(out.Shape[1])
	channels := int(out.Shape[2])

	classOffset := 4
	if hasObjectness {
		classOffset = 5
	}

	var cands []Candidate
	for i := 0; i < n; i++ {
		base := i * channels
		if base+classOffset+numClasses > len(out.Data) {
			break
		}
		cx, cy := out.Data[base], out.Data[base+1]
		w, h := out.Data[base+2], out.Data[base+3]

		objectness := float32(1)
		if hasObjectness {
			objectness = out.Data[base+4]
		}

		bestClass := 0
		bestScore := float32(0)
		for c := 0; c < numClasses; c++ {
			s := out.Data[base+classOffset+c]
			if s > bestScore {
				bestScore = s
				bestClass = c
			}
		}

		cands = append(cands, Candidate{
			ClassID: uint32(bestClass),
			Score:   objectness * bestScore,
			Box:     BBox{X: cx - w/2, Y: cy - h/2, W: w, H: h},
		})
	}
	return cands
}

// DecodeNMSFree decodes a rank-3 [1, N, 6] tensor of (x1,y1,x2,y2,score,
// class_id) rows already post-NMS; NMS is skipped downstream for this
// variant.
func DecodeNMSFree(out RawOutput) []Candidate {
	if len(out.Shape) != 3 || out.Shape[2] != 6 {
		return nil
	}
	n := int(out.Shape[1])
	var cands []Candidate
	for i := 0; i < n; i++ {
		base := i * 6
		if base+6 > len(out.Data) {
			break
		}
		x1, y1 := out.Data[base], out.Data[base+1]
		x2, y2 := out.Data[base+2], out.Data[base+3]
		score := out.Data[base+4]
		classID := out.Data[base+5]

		cands = append(cands, Candidate{
			ClassID: uint32(classID),
			Score:   score,
			Box:     BBox{X: x1, Y: y1, W: x2 - x1, H: y2 - y1},
		})
	}
	return cands
}

// NMS applies class-aware greedy non-max suppression: candidates are
// grouped by class, sorted by descending score, and a candidate is
// dropped if its IoU with any higher-scoring kept candidate of the same
// class exceeds iouThreshold.
func NMS(cands []Candidate, iouThreshold float32) []Candidate {
	byClass := make(map[uint32][]Candidate)
	for _, c := range cands {
		byClass[c.ClassID] = append(byClass[c.ClassID], c)
	}

	var kept []Candidate
	for _, group := range byClass {
		sort.Slice(group, func(i, j int) bool { return group[i].Score > group[j].Score })
		active := make([]bool, len(group))
		for i := range active {
			active[i] = true
		}
		for i := range group {
			if !active[i] {
				continue
			}
			kept = append(kept, group[i])
			for j := i + 1; j < len(group); j++ {
				if active[j] && iou(group[i].Box, group[j].Box) > iouThreshold {
					active[j] = false
				}
			}
		}
	}
	return kept
}

func iou(a, b BBox) float32 {
	ax2, ay2 := a.X+a.W, a.Y+a.H
	bx2, by2 := b.X+b.W, b.Y+b.H

	ix1, iy1 := max32(a.X, b.X), max32(a.Y, b.Y)
	ix2, iy2 := min32(ax2, bx2), min32(ay2, by2)
	iw, ih := max32(0, ix2-ix1), max32(0, iy2-iy1)

	inter := iw * ih
	union := a.W*a.H + b.W*b.H - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

// IsMalformed reports whether a decoded box should be rejected as
// malformed per SPEC_FULL.md §4.7: non-finite coordinates, zero-or-
// negative width/height, or confidence outside [0,1].
func IsMalformed(c Candidate) bool {
	if math.IsNaN(float64(c.Box.X)) || math.IsNaN(float64(c.Box.Y)) ||
		math.IsNaN(float64(c.Box.W)) || math.IsNaN(float64(c.Box.H)) {
		return true
	}
	if math.IsInf(float64(c.Box.X), 0) || math.IsInf(float64(c.Box.Y), 0) ||
		math.IsInf(float64(c.Box.W), 0) || math.IsInf(float64(c.Box.H), 0) {
		return true
	}
	if c.Box.W <= 0 || c.Box.H <= 0 {
		return true
	}
	if c.Score < 0 || c.Score > 1 {
		return true
	}
	return false
}
