// Package overlay implements the metadata bridge and rendering element
// from spec.md §4.8: it reads the FrameMeta a buffer carries and draws
// bounding boxes, labels, and confidence annotations in place.
package overlay

import (
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/kestrel-video/corevision/internal/inference"
	"github.com/kestrel-video/corevision/internal/log"
)

// StrokeFraction is the default box stroke width as a fraction of
// frame height (spec.md §4.8: "default 0.4%, min 1 pixel").
const StrokeFraction = 0.004

// Renderer draws FrameMeta detections onto frame buffers in place. A
// Renderer with rasterize=false is an identity element: Render leaves
// the buffer untouched and bit-exact.
type Renderer struct {
	strokeFraction float32
	rasterize      bool
}

// NewRenderer builds a Renderer for the named concrete backend
// element. Backends whose descriptor indicates no rasterizer (the
// mock backend's "null-overlay") fall back to an identity element and
// log a warning, per spec.md §4.8's "backends without a rasterizer"
// clause.
func NewRenderer(ctx context.Context, concrete string) *Renderer {
	r := &Renderer{strokeFraction: StrokeFraction, rasterize: true}
	if concrete == "null-overlay" {
		r.rasterize = false
		log.WithComponentFromContext(ctx, "overlay-element").
			Warn().Str("concrete", concrete).
			Msg("backend has no rasterizer, overlay running as identity element")
	}
	return r
}

// Render draws fm's detections onto img in place, clipped to the
// frame's bounds. If fm carries no detections, Render is a no-op —
// this applies whether or not a model is configured upstream, since
// an empty FrameMeta and a missing one are indistinguishable once
// attached to the buffer.
func (r *Renderer) Render(img *image.RGBA, fm inference.FrameMeta) {
	if !r.rasterize || len(fm.Detections) == 0 {
		return
	}

	bounds := img.Bounds()
	stroke := int(float32(bounds.Dy()) * r.strokeFraction)
	if stroke < 1 {
		stroke = 1
	}

	for _, d := range fm.Detections {
		box := clipBox(d.BBox, bounds)
		if box.Dx() <= 0 || box.Dy() <= 0 {
			continue
		}
		c := classColor(d.ClassID)
		drawBoxOutline(img, box, stroke, c)
		drawLabel(img, box.Min, fmt.Sprintf("%s %.2f", d.ClassLabel, d.Confidence), c)
	}
}

func clipBox(b inference.BBox, bounds image.Rectangle) image.Rectangle {
	r := image.Rect(int(b.X), int(b.Y), int(b.X+b.W), int(b.Y+b.H))
	return r.Intersect(bounds)
}

func drawBoxOutline(img *image.RGBA, r image.Rectangle, stroke int, c color.RGBA) {
	top := image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+stroke)
	bottom := image.Rect(r.Min.X, r.Max.Y-stroke, r.Max.X, r.Max.Y)
	left := image.Rect(r.Min.X, r.Min.Y, r.Min.X+stroke, r.Max.Y)
	right := image.Rect(r.Max.X-stroke, r.Min.Y, r.Max.X, r.Max.Y)

	for _, edge := range []image.Rectangle{top, bottom, left, right} {
		edge = edge.Intersect(img.Bounds())
		if edge.Dx() <= 0 || edge.Dy() <= 0 {
			continue
		}
		draw.Draw(img, edge, &image.Uniform{C: c}, image.Point{}, draw.Over)
	}
}

func drawLabel(img *image.RGBA, at image.Point, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{C: c},
		Face: basicfont.Face7x13,
		Dot:  fixed.P(at.X, at.Y-2),
	}
	if d.Dot.Y < fixed.I(basicfont.Face7x13.Height) {
		d.Dot = fixed.P(at.X, at.Y+basicfont.Face7x13.Height)
	}
	d.DrawString(text)
}

// classColor derives a stable, visually distinct color for a class_id
// via FNV-1a hashed into a fixed hue wheel.
func classColor(classID uint32) color.RGBA {
	h := fnv.New32a()
	_, _ = h.Write([]byte{byte(classID), byte(classID >> 8), byte(classID >> 16), byte(classID >> 24)})
	hue := float64(h.Sum32()%360) / 360.0
	return hsvToRGBA(hue, 0.65, 0.95)
}

func hsvToRGBA(h, s, v float64) color.RGBA {
	i := math.Floor(h * 6)
	f := h*6 - i
	p := v * (1 - s)
	q := v * (1 - f*s)
	t := v * (1 - (1-f)*s)

	var r, g, b float64
	switch int(i) % 6 {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	case 5:
		r, g, b = v, p, q
	}
	return color.RGBA{R: uint8(r * 255), G: uint8(g * 255), B: uint8(b * 255), A: 255}
}
