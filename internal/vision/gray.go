package vision

import (
	"image"
	"math"
)

// Gray is an 8-bit grayscale frame with dense row-major pixels. All health
// metrics operate on it.
type Gray struct {
	W, H int
	Pix  []uint8
}

func NewGray(w, h int) *Gray {
	return &Gray{W: w, H: h, Pix: make([]uint8, w*h)}
}

// Grayscale converts img using the Rec.601 luma weights.
func Grayscale(img image.Image) *Gray {
	rgba := ToRGBA(img)
	w, h := rgba.Rect.Dx(), rgba.Rect.Dy()
	g := NewGray(w, h)
	for y := 0; y < h; y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+w*4]
		for x := 0; x < w; x++ {
			r := float64(row[x*4])
			gr := float64(row[x*4+1])
			b := float64(row[x*4+2])
			g.Pix[y*w+x] = uint8(0.299*r + 0.587*gr + 0.114*b + 0.5)
		}
	}
	return g
}

func (g *Gray) At(x, y int) uint8 { return g.Pix[y*g.W+x] }

// Clone returns a deep copy, used when a frame becomes the tampering
// reference.
func (g *Gray) Clone() *Gray {
	out := NewGray(g.W, g.H)
	copy(out.Pix, g.Pix)
	return out
}

// Resize scales with bilinear sampling.
func (g *Gray) Resize(w, h int) *Gray {
	if w == g.W && h == g.H {
		return g
	}
	out := NewGray(w, h)
	xRatio := float64(g.W-1) / float64(max(w-1, 1))
	yRatio := float64(g.H-1) / float64(max(h-1, 1))
	for y := 0; y < h; y++ {
		sy := float64(y) * yRatio
		y0 := int(sy)
		y1 := min(y0+1, g.H-1)
		fy := sy - float64(y0)
		for x := 0; x < w; x++ {
			sx := float64(x) * xRatio
			x0 := int(sx)
			x1 := min(x0+1, g.W-1)
			fx := sx - float64(x0)

			top := float64(g.At(x0, y0))*(1-fx) + float64(g.At(x1, y0))*fx
			bot := float64(g.At(x0, y1))*(1-fx) + float64(g.At(x1, y1))*fx
			out.Pix[y*w+x] = uint8(top*(1-fy) + bot*fy + 0.5)
		}
	}
	return out
}

// Mean is the average intensity, the brightness metric.
func (g *Gray) Mean() float64 {
	if len(g.Pix) == 0 {
		return 0
	}
	var sum float64
	for _, p := range g.Pix {
		sum += float64(p)
	}
	return sum / float64(len(g.Pix))
}

// StdDev is the intensity spread, the contrast metric.
func (g *Gray) StdDev() float64 {
	n := len(g.Pix)
	if n == 0 {
		return 0
	}
	mean := g.Mean()
	var sq float64
	for _, p := range g.Pix {
		d := float64(p) - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(n))
}

// LaplacianVariance measures sharpness: the variance of the 3x3 Laplacian
// response. Low values mean a blurred frame.
func (g *Gray) LaplacianVariance() float64 {
	if g.W < 3 || g.H < 3 {
		return 0
	}
	n := (g.W - 2) * (g.H - 2)
	resp := make([]float64, 0, n)
	var sum float64
	for y := 1; y < g.H-1; y++ {
		for x := 1; x < g.W-1; x++ {
			v := float64(g.At(x, y-1)) + float64(g.At(x-1, y)) +
				float64(g.At(x+1, y)) + float64(g.At(x, y+1)) -
				4*float64(g.At(x, y))
			resp = append(resp, v)
			sum += v
		}
	}
	mean := sum / float64(n)
	var sq float64
	for _, v := range resp {
		d := v - mean
		sq += d * d
	}
	return sq / float64(n)
}

// RatioAbove is the fraction of pixels strictly brighter than thresh.
func (g *Gray) RatioAbove(thresh uint8) float64 {
	if len(g.Pix) == 0 {
		return 0
	}
	count := 0
	for _, p := range g.Pix {
		if p > thresh {
			count++
		}
	}
	return float64(count) / float64(len(g.Pix))
}

// RatioBelow is the fraction of pixels strictly darker than thresh.
func (g *Gray) RatioBelow(thresh uint8) float64 {
	if len(g.Pix) == 0 {
		return 0
	}
	count := 0
	for _, p := range g.Pix {
		if p < thresh {
			count++
		}
	}
	return float64(count) / float64(len(g.Pix))
}

// AbsDiffMean is mean(|a-b|) after resizing b to a's geometry when needed.
func AbsDiffMean(a, b *Gray) float64 {
	if a.W != b.W || a.H != b.H {
		b = b.Resize(a.W, a.H)
	}
	if len(a.Pix) == 0 {
		return 0
	}
	var sum float64
	for i := range a.Pix {
		d := int(a.Pix[i]) - int(b.Pix[i])
		if d < 0 {
			d = -d
		}
		sum += float64(d)
	}
	return sum / float64(len(a.Pix))
}
