package vision

// SSIM computes the mean structural similarity between two frames over 8x8
// windows. Result is in [-1, 1]; identical frames score 1. Frames with
// different geometry are compared after resizing b to a.
func SSIM(a, b *Gray) float64 {
	if a.W != b.W || a.H != b.H {
		b = b.Resize(a.W, a.H)
	}
	const win = 8
	const (
		c1 = 6.5025  // (0.01*255)^2
		c2 = 58.5225 // (0.03*255)^2
	)
	if a.W < win || a.H < win {
		return ssimWindow(a, b, 0, 0, a.W, a.H, c1, c2)
	}

	var total float64
	count := 0
	for y := 0; y+win <= a.H; y += win {
		for x := 0; x+win <= a.W; x += win {
			total += ssimWindow(a, b, x, y, win, win, c1, c2)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

func ssimWindow(a, b *Gray, ox, oy, w, h int, c1, c2 float64) float64 {
	n := float64(w * h)
	if n == 0 {
		return 0
	}
	var sumA, sumB float64
	for y := oy; y < oy+h; y++ {
		for x := ox; x < ox+w; x++ {
			sumA += float64(a.At(x, y))
			sumB += float64(b.At(x, y))
		}
	}
	muA := sumA / n
	muB := sumB / n

	var varA, varB, cov float64
	for y := oy; y < oy+h; y++ {
		for x := ox; x < ox+w; x++ {
			da := float64(a.At(x, y)) - muA
			db := float64(b.At(x, y)) - muB
			varA += da * da
			varB += db * db
			cov += da * db
		}
	}
	varA /= n
	varB /= n
	cov /= n

	num := (2*muA*muB + c1) * (2*cov + c2)
	den := (muA*muA + muB*muB + c1) * (varA + varB + c2)
	if den == 0 {
		return 0
	}
	return num / den
}
