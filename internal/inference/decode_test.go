package inference

import "testing"

func TestDetectVariantGridAnchoredFromMultipleOutputs(t *testing.T) {
	outputs := []RawOutput{{Shape: []int64{1, 3, 20, 20, 85}}, {Shape: []int64{1, 3, 40, 40, 85}}, {Shape: []int64{1, 3, 80, 80, 85}}}
	if got := DetectVariant(outputs); got != VariantGridAnchored {
		t.Fatalf("DetectVariant = %v, want grid-anchored", got)
	}
}

func TestDetectVariantNMSFreeFromSixColumnTensor(t *testing.T) {
	outputs := []RawOutput{{Shape: []int64{1, 10, 6}}}
	if got := DetectVariant(outputs); got != VariantNMSFree {
		t.Fatalf("DetectVariant = %v, want nms-free", got)
	}
}

func TestDetectVariantSingleTensorFlatFallback(t *testing.T) {
	outputs := []RawOutput{{Shape: []int64{1, 25200, 85}}}
	if got := DetectVariant(outputs); got != VariantSingleTensorFlat {
		t.Fatalf("DetectVariant = %v, want single-tensor-flat", got)
	}
}

func TestDecodeSingleTensorFlatWithObjectnessPicksBestClass(t *testing.T) {
	// one row: cx=10 cy=10 w=4 h=4 obj=0.9 class0=0.1 class1=0.8
	out := RawOutput{
		Shape: []int64{1, 1, 7},
		Data:  []float32{10, 10, 4, 4, 0.9, 0.1, 0.8},
	}
	cands := DecodeSingleTensorFlat(out, 2, true)
	if len(cands) != 1 {
		t.Fatalf("len(cands) = %d, want 1", len(cands))
	}
	c := cands[0]
	if c.ClassID != 1 {
		t.Fatalf("ClassID = %d, want 1", c.ClassID)
	}
	wantScore := float32(0.9 * 0.8)
	if diff := c.Score - wantScore; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("Score = %v, want %v", c.Score, wantScore)
	}
	if c.Box.X != 8 || c.Box.Y != 8 || c.Box.W != 4 || c.Box.H != 4 {
		t.Fatalf("Box = %+v, want centered-to-corner box at (8,8,4,4)", c.Box)
	}
}

func TestDecodeNMSFreeConvertsCornersToWidthHeight(t *testing.T) {
	out := RawOutput{
		Shape: []int64{1, 1, 6},
		Data:  []float32{10, 20, 30, 50, 0.75, 3},
	}
	cands := DecodeNMSFree(out)
	if len(cands) != 1 {
		t.Fatalf("len(cands) = %d, want 1", len(cands))
	}
	c := cands[0]
	if c.ClassID != 3 || c.Score != 0.75 {
		t.Fatalf("ClassID/Score = %d/%v, want 3/0.75", c.ClassID, c.Score)
	}
	if c.Box.X != 10 || c.Box.Y != 20 || c.Box.W != 20 || c.Box.H != 30 {
		t.Fatalf("Box = %+v, want (10,20,20,30)", c.Box)
	}
}

func TestNMSSuppressesOverlappingSameClassKeepsHighestScore(t *testing.T) {
	cands := []Candidate{
		{ClassID: 0, Score: 0.9, Box: BBox{X: 0, Y: 0, W: 10, H: 10}},
		{ClassID: 0, Score: 0.8, Box: BBox{X: 1, Y: 1, W: 10, H: 10}}, // heavily overlaps first
		{ClassID: 0, Score: 0.7, Box: BBox{X: 100, Y: 100, W: 10, H: 10}}, // distinct
	}
	kept := NMS(cands, 0.5)
	if len(kept) != 2 {
		t.Fatalf("len(kept) = %d, want 2", len(kept))
	}
	for _, k := range kept {
		if k.Score == 0.8 {
			t.Fatalf("lower-scoring overlapping candidate should have been suppressed: %+v", kept)
		}
	}
}

func TestNMSKeepsOverlappingCandidatesFromDifferentClasses(t *testing.T) {
	cands := []Candidate{
		{ClassID: 0, Score: 0.9, Box: BBox{X: 0, Y: 0, W: 10, H: 10}},
		{ClassID: 1, Score: 0.8, Box: BBox{X: 0, Y: 0, W: 10, H: 10}},
	}
	kept := NMS(cands, 0.5)
	if len(kept) != 2 {
		t.Fatalf("len(kept) = %d, want 2 (different classes never suppress each other)", len(kept))
	}
}

func TestIsMalformedRejectsNonFiniteZeroSizeAndOutOfRangeScore(t *testing.T) {
	cases := []struct {
		name string
		c    Candidate
		want bool
	}{
		{"valid", Candidate{Score: 0.5, Box: BBox{W: 10, H: 10}}, false},
		{"zero width", Candidate{Score: 0.5, Box: BBox{W: 0, H: 10}}, true},
		{"negative height", Candidate{Score: 0.5, Box: BBox{W: 10, H: -1}}, true},
		{"score too high", Candidate{Score: 1.5, Box: BBox{W: 10, H: 10}}, true},
		{"score negative", Candidate{Score: -0.1, Box: BBox{W: 10, H: 10}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsMalformed(tc.c); got != tc.want {
				t.Fatalf("IsMalformed(%+v) = %v, want %v", tc.c, got, tc.want)
			}
		})
	}
}
