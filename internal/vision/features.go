package vision

import (
	"math/bits"
	"math/rand"
	"sort"
)

// Keypoint is a detected corner with its detection score.
type Keypoint struct {
	X, Y  int
	Score int
}

// Descriptor is a 256-bit binary patch signature compared by Hamming
// distance.
type Descriptor [32]byte

// Features bundles the keypoints of a frame with their descriptors, the
// reference signature used for camera-movement checks.
type Features struct {
	Keypoints   []Keypoint
	Descriptors []Descriptor
}

const (
	fastRadius    = 3
	fastArc       = 9
	fastThreshold = 20
	patchRadius   = 15
	maxFeatures   = 500
)

// ring16 is the Bresenham circle of radius 3 around a candidate corner.
var ring16 = [16][2]int{
	{0, -3}, {1, -3}, {2, -2}, {3, -1}, {3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1}, {-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

// briefPattern is the fixed sampling pattern for descriptors: 256 point
// pairs inside the 31x31 patch. The seed is constant so descriptors are
// comparable across frames and processes.
var briefPattern = func() [256][4]int {
	rng := rand.New(rand.NewSource(0x1005))
	var pat [256][4]int
	for i := range pat {
		for j := 0; j < 4; j++ {
			pat[i][j] = rng.Intn(2*patchRadius+1) - patchRadius
		}
	}
	return pat
}()

// ExtractFeatures finds FAST corners and computes binary descriptors for the
// strongest ones, capped at 500.
func ExtractFeatures(g *Gray) *Features {
	kps := detectCorners(g)
	if len(kps) > maxFeatures {
		sort.Slice(kps, func(i, j int) bool { return kps[i].Score > kps[j].Score })
		kps = kps[:maxFeatures]
	}

	out := &Features{}
	for _, kp := range kps {
		if kp.X < patchRadius || kp.Y < patchRadius || kp.X >= g.W-patchRadius || kp.Y >= g.H-patchRadius {
			continue
		}
		out.Keypoints = append(out.Keypoints, kp)
		out.Descriptors = append(out.Descriptors, describe(g, kp.X, kp.Y))
	}
	return out
}

// detectCorners runs segment-test corner detection: a corner has an arc of
// at least 9 contiguous ring pixels all brighter or all darker than the
// center by the threshold.
func detectCorners(g *Gray) []Keypoint {
	var kps []Keypoint
	for y := fastRadius; y < g.H-fastRadius; y++ {
		for x := fastRadius; x < g.W-fastRadius; x++ {
			c := int(g.At(x, y))
			hi := c + fastThreshold
			lo := c - fastThreshold

			// Quick reject using the four compass points. A 9-long arc
			// always covers at least two of them.
			n, s := int(g.At(x, y-3)), int(g.At(x, y+3))
			e, w := int(g.At(x+3, y)), int(g.At(x-3, y))
			brighter := b2i(n > hi) + b2i(s > hi) + b2i(e > hi) + b2i(w > hi)
			darker := b2i(n < lo) + b2i(s < lo) + b2i(e < lo) + b2i(w < lo)
			if brighter < 2 && darker < 2 {
				continue
			}

			if score, ok := segmentTest(g, x, y, hi, lo); ok {
				kps = append(kps, Keypoint{X: x, Y: y, Score: score})
			}
		}
	}
	return kps
}

func segmentTest(g *Gray, x, y, hi, lo int) (int, bool) {
	var vals [16]int
	for i, off := range ring16 {
		vals[i] = int(g.At(x+off[0], y+off[1]))
	}

	score := 0
	for _, mode := range [2]bool{true, false} {
		run := 0
		// Walk the ring twice so wrap-around arcs count.
		for i := 0; i < 32; i++ {
			v := vals[i%16]
			match := (mode && v > hi) || (!mode && v < lo)
			if match {
				run++
				if run >= fastArc {
					for _, vv := range vals {
						d := vv - (hi - fastThreshold)
						if d < 0 {
							d = -d
						}
						score += d
					}
					return score, true
				}
			} else {
				run = 0
			}
		}
	}
	return 0, false
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// describe builds the 256-bit signature by comparing smoothed intensity
// pairs around the keypoint.
func describe(g *Gray, cx, cy int) Descriptor {
	var d Descriptor
	for i, p := range briefPattern {
		a := smoothed(g, cx+p[0], cy+p[1])
		b := smoothed(g, cx+p[2], cy+p[3])
		if a < b {
			d[i/8] |= 1 << uint(i%8)
		}
	}
	return d
}

// smoothed averages a 5x5 box to make descriptor bits noise-tolerant.
func smoothed(g *Gray, x, y int) int {
	sum := 0
	for dy := -2; dy <= 2; dy++ {
		for dx := -2; dx <= 2; dx++ {
			px := min(max(x+dx, 0), g.W-1)
			py := min(max(y+dy, 0), g.H-1)
			sum += int(g.At(px, py))
		}
	}
	return sum / 25
}

// Match pairs one descriptor from each set.
type Match struct {
	I, J     int
	Distance int
}

// HammingDistance counts differing bits between two descriptors.
func HammingDistance(a, b Descriptor) int {
	dist := 0
	for i := range a {
		dist += bits.OnesCount8(a[i] ^ b[i])
	}
	return dist
}

// MatchFeatures brute-force matches with cross-checking: a pair survives
// only when each descriptor is the other's nearest neighbour.
func MatchFeatures(a, b *Features) []Match {
	if len(a.Descriptors) == 0 || len(b.Descriptors) == 0 {
		return nil
	}
	fwd := nearest(a.Descriptors, b.Descriptors)
	rev := nearest(b.Descriptors, a.Descriptors)

	var out []Match
	for i, m := range fwd {
		if m.J >= 0 && rev[m.J].J == i {
			out = append(out, Match{I: i, J: m.J, Distance: m.Distance})
		}
	}
	return out
}

func nearest(from, to []Descriptor) []Match {
	out := make([]Match, len(from))
	for i := range from {
		best, bestDist := -1, 1<<31-1
		for j := range to {
			if d := HammingDistance(from[i], to[j]); d < bestDist {
				best, bestDist = j, d
			}
		}
		out[i] = Match{I: i, J: best, Distance: bestDist}
	}
	return out
}

// MeanMatchDistance averages Hamming distances over the matches.
func MeanMatchDistance(matches []Match) float64 {
	if len(matches) == 0 {
		return 0
	}
	sum := 0
	for _, m := range matches {
		sum += m.Distance
	}
	return float64(sum) / float64(len(matches))
}
