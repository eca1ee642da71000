package inference

import (
	"image"
	"image/color"

	"github.com/nfnt/resize"
)

// LetterboxTransform records the scale and offset used to fit a source
// frame into a model-input canvas, so detections can later be mapped back
// into the original frame's pixel coordinates (SPEC_FULL.md §4.7 step 9).
type LetterboxTransform struct {
	Scale      float32
	OffsetX    float32
	OffsetY    float32
	SrcWidth   int
	SrcHeight  int
	DestWidth  int
	DestHeight int
}

// Letterbox resizes src to fit within (dstW, dstH) preserving aspect
// ratio, padding the remainder with mid-gray, and returns the resulting
// canvas plus the transform needed to invert box coordinates later.
func Letterbox(src image.Image, dstW, dstH int) (*image.RGBA, LetterboxTransform) {
	sb := src.Bounds()
	srcW, srcH := sb.Dx(), sb.Dy()

	scale := float32(dstW) / float32(srcW)
	if hs := float32(dstH) / float32(srcH); hs < scale {
		scale = hs
	}

	scaledW := int(float32(srcW) * scale)
	scaledH := int(float32(srcH) * scale)

	resized := resize.Resize(uint(scaledW), uint(scaledH), src, resize.Bilinear)

	offsetX := (dstW - scaledW) / 2
	offsetY := (dstH - scaledH) / 2

	canvas := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	gray := color.RGBA{R: 114, G: 114, B: 114, A: 255}
	for y := 0; y < dstH; y++ {
		for x := 0; x < dstW; x++ {
			canvas.Set(x, y, gray)
		}
	}
	drawInto(canvas, resized, offsetX, offsetY)

	return canvas, LetterboxTransform{
		Scale:      scale,
		OffsetX:    float32(offsetX),
		OffsetY:    float32(offsetY),
		SrcWidth:   srcW,
		SrcHeight:  srcH,
		DestWidth:  dstW,
		DestHeight: dstH,
	}
}

func drawInto(dst *image.RGBA, src image.Image, offsetX, offsetY int) {
	sb := src.Bounds()
	for y := 0; y < sb.Dy(); y++ {
		for x := 0; x < sb.Dx(); x++ {
			dst.Set(offsetX+x, offsetY+y, src.At(sb.Min.X+x, sb.Min.Y+y))
		}
	}
}

// InvertBBox maps a box computed in the letterboxed canvas's pixel space
// back to the original frame's pixel space.
func (t LetterboxTransform) InvertBBox(b BBox) BBox {
	if t.Scale == 0 {
		return b
	}
	return BBox{
		X: (b.X - t.OffsetX) / t.Scale,
		Y: (b.Y - t.OffsetY) / t.Scale,
		W: b.W / t.Scale,
		H: b.H / t.Scale,
	}
}

// ClampToSource clips b to [0, SrcWidth) x [0, SrcHeight). A grid-anchored
// box whose center falls inside the letterbox's gray padding inverts to
// coordinates outside the source frame (negative X/Y, or X+W/Y+H beyond
// the source edge); spec.md §3/§8 requires every emitted Detection's bbox
// to sit fully inside the frame it was detected on, so this is the last
// step before a box is allowed into a Detection.
func (t LetterboxTransform) ClampToSource(b BBox) BBox {
	maxW, maxH := float32(t.SrcWidth), float32(t.SrcHeight)

	x1, y1 := b.X, b.Y
	x2, y2 := b.X+b.W, b.Y+b.H

	if x1 < 0 {
		x1 = 0
	}
	if y1 < 0 {
		y1 = 0
	}
	if x2 > maxW {
		x2 = maxW
	}
	if y2 > maxH {
		y2 = maxH
	}
	if x2 < x1 {
		x2 = x1
	}
	if y2 < y1 {
		y2 = y1
	}

	return BBox{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

// NormalizeCHW converts an RGBA canvas into a planar (channel, height,
// width) float32 tensor, pixel/255 normalized, RGB channel order.
func NormalizeCHW(img *image.RGBA) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]float32, 3*w*h)
	plane := w * h

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			idx := y*w + x
			out[idx] = float32(r>>8) / 255.0
			out[plane+idx] = float32(g>>8) / 255.0
			out[2*plane+idx] = float32(bl>>8) / 255.0
		}
	}
	return out
}
