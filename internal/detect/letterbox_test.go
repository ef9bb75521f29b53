package detect

import (
	"image"
	"image/color"
	"math"
	"testing"
)

func solidRGBA(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestLetterboxGeometry(t *testing.T) {
	img := solidRGBA(400, 200, color.RGBA{0, 0, 0, 255})
	canvas, lb := LetterboxImage(img, 640)

	if got := canvas.Bounds(); got.Dx() != 640 || got.Dy() != 640 {
		t.Fatalf("canvas = %dx%d, want 640x640", got.Dx(), got.Dy())
	}
	if lb.Ratio != 1.6 {
		t.Errorf("ratio = %v, want 1.6", lb.Ratio)
	}
	if lb.PadLeft != 0 || lb.PadTop != 160 {
		t.Errorf("pad = (%d,%d), want (0,160)", lb.PadLeft, lb.PadTop)
	}

	// Borders are gray padding, the centered region is the image.
	if r, g, b, _ := canvas.At(320, 10).RGBA(); r>>8 != 114 || g>>8 != 114 || b>>8 != 114 {
		t.Errorf("padding pixel = (%d,%d,%d), want (114,114,114)", r>>8, g>>8, b>>8)
	}
	if r, _, _, _ := canvas.At(320, 320).RGBA(); r>>8 != 0 {
		t.Errorf("image pixel = %d, want 0", r>>8)
	}
}

func TestLetterboxRoundTrip(t *testing.T) {
	img := solidRGBA(400, 200, color.RGBA{10, 10, 10, 255})
	_, lb := LetterboxImage(img, 640)

	// A box in original space, pushed through the forward map and back.
	ox1, oy1, ox2, oy2 := 50.0, 60.0, 150.0, 120.0
	cx1 := ox1*lb.Ratio + float64(lb.PadLeft)
	cy1 := oy1*lb.Ratio + float64(lb.PadTop)
	cx2 := ox2*lb.Ratio + float64(lb.PadLeft)
	cy2 := oy2*lb.Ratio + float64(lb.PadTop)

	rx1, ry1, rx2, ry2 := lb.ToOriginal(cx1, cy1, cx2, cy2)
	for _, d := range []float64{rx1 - ox1, ry1 - oy1, rx2 - ox2, ry2 - oy2} {
		if math.Abs(d) > 1 {
			t.Fatalf("round trip drifted by %v: got (%v,%v,%v,%v)", d, rx1, ry1, rx2, ry2)
		}
	}
}

func TestToOriginalClips(t *testing.T) {
	lb := Letterbox{Ratio: 1, OrigW: 100, OrigH: 80, Size: 100}
	x1, y1, x2, y2 := lb.ToOriginal(-10, -5, 150, 90)
	if x1 != 0 || y1 != 0 || x2 != 100 || y2 != 80 {
		t.Errorf("clipped box = (%v,%v,%v,%v), want (0,0,100,80)", x1, y1, x2, y2)
	}
}

func TestCHWTensorLayout(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.SetRGBA(0, 0, color.RGBA{255, 0, 0, 255})
	img.SetRGBA(1, 0, color.RGBA{0, 255, 0, 255})

	out := CHWTensor(img)
	want := []float32{1, 0, 0, 1, 0, 0}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}
