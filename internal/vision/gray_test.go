package vision

import (
	"image"
	"image/color"
	"math"
	"testing"
)

func uniformImage(w, h int, v uint8) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func checkerboard(w, h, cell int) *Gray {
	g := NewGray(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if ((x/cell)+(y/cell))%2 == 0 {
				g.Pix[y*w+x] = 255
			}
		}
	}
	return g
}

func TestGrayscaleUniform(t *testing.T) {
	g := Grayscale(uniformImage(32, 24, 128))
	if g.W != 32 || g.H != 24 {
		t.Fatalf("unexpected geometry %dx%d", g.W, g.H)
	}
	if m := g.Mean(); math.Abs(m-128) > 1 {
		t.Errorf("mean = %f, want ~128", m)
	}
	if sd := g.StdDev(); sd > 1 {
		t.Errorf("stddev = %f, want ~0 on uniform image", sd)
	}
}

func TestLaplacianVariance(t *testing.T) {
	flat := Grayscale(uniformImage(64, 64, 100))
	if v := flat.LaplacianVariance(); v > 1 {
		t.Errorf("flat frame variance = %f, want ~0", v)
	}

	sharp := checkerboard(64, 64, 2)
	if v := sharp.LaplacianVariance(); v < 100 {
		t.Errorf("checkerboard variance = %f, want large", v)
	}
}

func TestExposureRatios(t *testing.T) {
	g := NewGray(10, 10)
	for i := 0; i < 50; i++ {
		g.Pix[i] = 255
	}
	// Other 50 stay 0.
	if r := g.RatioAbove(250); math.Abs(r-0.5) > 1e-9 {
		t.Errorf("RatioAbove = %f, want 0.5", r)
	}
	if r := g.RatioBelow(20); math.Abs(r-0.5) > 1e-9 {
		t.Errorf("RatioBelow = %f, want 0.5", r)
	}
}

func TestAbsDiffMean(t *testing.T) {
	a := checkerboard(32, 32, 4)
	if d := AbsDiffMean(a, a.Clone()); d != 0 {
		t.Errorf("identical frames diff = %f, want 0", d)
	}

	b := NewGray(32, 32)
	d := AbsDiffMean(a, b)
	if math.Abs(d-127.5) > 1 {
		t.Errorf("checkerboard vs black diff = %f, want ~127.5", d)
	}
}

func TestResizePreservesIntensity(t *testing.T) {
	g := Grayscale(uniformImage(100, 80, 200))
	r := g.Resize(50, 40)
	if r.W != 50 || r.H != 40 {
		t.Fatalf("unexpected geometry %dx%d", r.W, r.H)
	}
	if m := r.Mean(); math.Abs(m-200) > 2 {
		t.Errorf("resized mean = %f, want ~200", m)
	}
}

func TestSSIM(t *testing.T) {
	a := checkerboard(64, 64, 4)
	if s := SSIM(a, a.Clone()); math.Abs(s-1.0) > 1e-6 {
		t.Errorf("self SSIM = %f, want 1.0", s)
	}

	inverted := NewGray(64, 64)
	for i, p := range a.Pix {
		inverted.Pix[i] = 255 - p
	}
	if s := SSIM(a, inverted); s > 0 {
		t.Errorf("inverted SSIM = %f, want negative", s)
	}
}

func TestFeatureMatchingSelf(t *testing.T) {
	g := checkerboard(128, 128, 16)
	f := ExtractFeatures(g)
	if len(f.Keypoints) == 0 {
		t.Fatal("no corners on checkerboard")
	}

	matches := MatchFeatures(f, ExtractFeatures(g.Clone()))
	if len(matches) == 0 {
		t.Fatal("no self matches")
	}
	if d := MeanMatchDistance(matches); d != 0 {
		t.Errorf("self match distance = %f, want 0", d)
	}
}

func TestFeatureMatchingEmpty(t *testing.T) {
	flat := NewGray(64, 64)
	f := ExtractFeatures(flat)
	if len(f.Keypoints) != 0 {
		t.Errorf("flat frame produced %d corners", len(f.Keypoints))
	}
	if m := MatchFeatures(f, f); m != nil {
		t.Errorf("expected nil matches, got %d", len(m))
	}
}
