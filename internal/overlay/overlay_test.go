package overlay

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/kestrel-video/corevision/internal/inference"
)

func blankFrame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{A: 255})
		}
	}
	return img
}

func TestRenderIsNoOpWithoutDetections(t *testing.T) {
	r := NewRenderer(context.Background(), "cpu-overlay")
	img := blankFrame(100, 100)
	before := bytes.Clone(img.Pix)

	r.Render(img, inference.FrameMeta{SourceID: "cam-1", FrameIndex: 1})

	if !bytes.Equal(before, img.Pix) {
		t.Fatal("Render with no detections must leave the buffer bit-exact")
	}
}

func TestRenderIsIdentityOnBackendWithoutRasterizer(t *testing.T) {
	r := NewRenderer(context.Background(), "null-overlay")
	img := blankFrame(50, 50)
	before := bytes.Clone(img.Pix)

	r.Render(img, inference.FrameMeta{
		Detections: []inference.Detection{{ClassID: 1, ClassLabel: "car", Confidence: 0.9, BBox: inference.BBox{X: 5, Y: 5, W: 10, H: 10}}},
	})

	if !bytes.Equal(before, img.Pix) {
		t.Fatal("identity renderer must never modify the buffer")
	}
}

func TestRenderDrawsBoxPixelsWithinFrameBounds(t *testing.T) {
	r := NewRenderer(context.Background(), "cpu-overlay")
	img := blankFrame(100, 100)

	r.Render(img, inference.FrameMeta{
		Detections: []inference.Detection{{ClassID: 2, ClassLabel: "person", Confidence: 0.8, BBox: inference.BBox{X: 10, Y: 10, W: 30, H: 30}}},
	})

	changed := false
	for i := 0; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0 || img.Pix[i+1] != 0 || img.Pix[i+2] != 0 {
			changed = true
			break
		}
	}
	if !changed {
		t.Fatal("expected Render to draw non-black pixels for a detection box")
	}
}

func TestRenderClipsBoxToFrameBounds(t *testing.T) {
	r := NewRenderer(context.Background(), "cpu-overlay")
	img := blankFrame(20, 20)

	// Box extends far past the frame; must not panic and must clip.
	r.Render(img, inference.FrameMeta{
		Detections: []inference.Detection{{ClassID: 0, ClassLabel: "x", Confidence: 0.5, BBox: inference.BBox{X: -50, Y: -50, W: 500, H: 500}}},
	})
}

func TestClassColorIsStablePerClassID(t *testing.T) {
	c1 := classColor(7)
	c2 := classColor(7)
	if c1 != c2 {
		t.Fatalf("classColor(7) not stable: %+v vs %+v", c1, c2)
	}
}
