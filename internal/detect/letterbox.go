// Package detect turns raw detection-model outputs into labeled boxes in
// original-image space. It understands the YOLO output layouts the workers
// serve and applies confidence filtering, per-class NMS and label mapping.
package detect

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/intellioptics/platform/internal/vision"
)

// Gray value used to pad the square canvas.
const padValue = 114

// Letterbox records the geometry of an aspect-preserving resize onto a
// square canvas so boxes can be mapped back to the original image.
type Letterbox struct {
	Ratio   float64
	PadLeft int
	PadTop  int
	OrigW   int
	OrigH   int
	Size    int
}

// LetterboxImage resizes img to fit a size x size canvas without changing
// its aspect ratio, centering it and padding the borders with gray.
func LetterboxImage(img *image.RGBA, size int) (*image.RGBA, Letterbox) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	ratio := math.Min(float64(size)/float64(h), float64(size)/float64(w))
	newW := int(math.Round(float64(w) * ratio))
	newH := int(math.Round(float64(h) * ratio))
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}
	if newW > size {
		newW = size
	}
	if newH > size {
		newH = size
	}

	resized := vision.ResizeRGBA(img, newW, newH)
	padLeft := (size - newW) / 2
	padTop := (size - newH) / 2

	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.RGBA{padValue, padValue, padValue, 255}), image.Point{}, draw.Src)
	draw.Draw(canvas, image.Rect(padLeft, padTop, padLeft+newW, padTop+newH), resized, resized.Bounds().Min, draw.Src)

	return canvas, Letterbox{
		Ratio:   ratio,
		PadLeft: padLeft,
		PadTop:  padTop,
		OrigW:   w,
		OrigH:   h,
		Size:    size,
	}
}

// ToOriginal maps a box from canvas space back to original-image space,
// clipping to the image bounds.
func (lb Letterbox) ToOriginal(x1, y1, x2, y2 float64) (float64, float64, float64, float64) {
	x1 = (x1 - float64(lb.PadLeft)) / lb.Ratio
	y1 = (y1 - float64(lb.PadTop)) / lb.Ratio
	x2 = (x2 - float64(lb.PadLeft)) / lb.Ratio
	y2 = (y2 - float64(lb.PadTop)) / lb.Ratio

	x1 = clamp(x1, 0, float64(lb.OrigW))
	y1 = clamp(y1, 0, float64(lb.OrigH))
	x2 = clamp(x2, 0, float64(lb.OrigW))
	y2 = clamp(y2, 0, float64(lb.OrigH))
	return x1, y1, x2, y2
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CHWTensor flattens an RGBA canvas into a CHW float32 tensor scaled to
// [0,1], the input layout every model in the fleet expects.
func CHWTensor(img *image.RGBA) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			idx := y*w + x
			out[idx] = float32(img.Pix[off]) / 255
			out[plane+idx] = float32(img.Pix[off+1]) / 255
			out[2*plane+idx] = float32(img.Pix[off+2]) / 255
		}
	}
	return out
}
