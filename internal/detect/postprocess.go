package detect

import (
	"fmt"
	"math"
	"sort"

	"github.com/intellioptics/platform/internal/errs"
)

// Detection is one detected object with its box in original-image pixels.
type Detection struct {
	Label        string     `json:"label"`
	Confidence   float64    `json:"confidence"`
	BBox         [4]float64 `json:"bbox"`
	OODDAdjusted bool       `json:"oodd_adjusted"`

	ClassID int `json:"-"`
}

// Params controls post-processing. Zero thresholds fall back to the worker
// defaults.
type Params struct {
	ConfThreshold float64
	IoUThreshold  float64
	MaxDetections int

	// ClassNames overrides the COCO-80 label table and, unless
	// OpenVocabulary is set, also acts as a keep-list filter.
	ClassNames         []string
	PerClassThresholds map[string]float64
	// DefaultThreshold backs PerClassThresholds for labels without an entry.
	DefaultThreshold float64
	OpenVocabulary   bool
}

const (
	DefaultConfThreshold = 0.25
	DefaultIoUThreshold  = 0.45
	DefaultMaxDetections = 100
)

func (p Params) withDefaults() Params {
	if p.ConfThreshold <= 0 {
		p.ConfThreshold = DefaultConfThreshold
	}
	if p.IoUThreshold <= 0 {
		p.IoUThreshold = DefaultIoUThreshold
	}
	if p.MaxDetections <= 0 {
		p.MaxDetections = DefaultMaxDetections
	}
	return p
}

// Postprocess converts one raw model output tensor into detections. Three
// layouts are accepted:
//
//	(1, N, 4+C)  rows of [cx, cy, w, h, class scores...]
//	(1, 4+C, N)  the same, channels first
//	(1, N, 6)    rows of [x1, y1, x2, y2, conf, class_id]
//
// Anything else is a bad model output.
func Postprocess(data []float32, shape []int64, lb Letterbox, p Params) ([]Detection, error) {
	p = p.withDefaults()

	if len(shape) != 3 || shape[0] != 1 {
		return nil, errs.Newf(errs.KindBadModelOutput, "unsupported model output shape %v", shape)
	}
	d1, d2 := int(shape[1]), int(shape[2])
	if int64(d1)*int64(d2) != int64(len(data)) {
		return nil, errs.Newf(errs.KindBadModelOutput, "model output shape %v does not match %d values", shape, len(data))
	}

	rows, cols := d1, d2
	at := func(row, col int) float64 { return float64(data[row*cols+col]) }
	switch {
	case d2 == 6:
		// Rows of [x1, y1, x2, y2, conf, class_id].
	case d1 < d2:
		// Channels first. Read transposed instead of copying.
		rows, cols = d2, d1
		at = func(row, col int) float64 { return float64(data[col*rows+row]) }
	}
	if cols < 5 {
		return nil, errs.Newf(errs.KindBadModelOutput, "unsupported model output shape %v", shape)
	}

	var kept []Detection
	for i := 0; i < rows; i++ {
		var x1, y1, x2, y2, conf float64
		var classID int

		if cols == 6 {
			x1, y1, x2, y2 = at(i, 0), at(i, 1), at(i, 2), at(i, 3)
			conf = at(i, 4)
			classID = int(at(i, 5))
		} else {
			cx, cy, w, h := at(i, 0), at(i, 1), at(i, 2), at(i, 3)
			conf = at(i, 4)
			classID = 0
			for c := 5; c < cols; c++ {
				if s := at(i, c); s > conf {
					conf = s
					classID = c - 4
				}
			}
			x1, y1 = cx-w/2, cy-h/2
			x2, y2 = cx+w/2, cy+h/2
		}
		if conf < p.ConfThreshold {
			continue
		}

		ox1, oy1, ox2, oy2 := lb.ToOriginal(x1, y1, x2, y2)
		kept = append(kept, Detection{
			Confidence: conf,
			BBox:       [4]float64{ox1, oy1, ox2, oy2},
			ClassID:    classID,
		})
	}

	kept = nonMaxSuppress(kept, p.IoUThreshold)
	if len(kept) > p.MaxDetections {
		kept = kept[:p.MaxDetections]
	}

	table := cocoClasses
	if len(p.ClassNames) > 0 {
		table = p.ClassNames
	}
	for i := range kept {
		kept[i].Label = labelFor(kept[i].ClassID, table)
	}

	if len(p.ClassNames) > 0 && !p.OpenVocabulary {
		allowed := make(map[string]bool, len(p.ClassNames))
		for _, n := range p.ClassNames {
			allowed[n] = true
		}
		filtered := kept[:0]
		for _, d := range kept {
			if allowed[d.Label] {
				filtered = append(filtered, d)
			}
		}
		kept = filtered
	}

	if len(p.PerClassThresholds) > 0 {
		filtered := kept[:0]
		for _, d := range kept {
			threshold, ok := p.PerClassThresholds[d.Label]
			if !ok {
				threshold = p.DefaultThreshold
			}
			if d.Confidence >= threshold {
				filtered = append(filtered, d)
			}
		}
		kept = filtered
	}

	return kept, nil
}

func labelFor(classID int, table []string) string {
	if classID >= 0 && classID < len(table) {
		return table[classID]
	}
	return fmt.Sprintf("class_%d", classID)
}

// nonMaxSuppress runs greedy per-class suppression: within each class, the
// highest-confidence box wins and every box overlapping it at or above the
// IoU threshold is dropped. The result stays sorted by confidence.
func nonMaxSuppress(dets []Detection, iouThreshold float64) []Detection {
	if len(dets) == 0 {
		return dets
	}
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].Confidence > dets[j].Confidence })

	suppressed := make([]bool, len(dets))
	keep := dets[:0:0]
	for i := range dets {
		if suppressed[i] {
			continue
		}
		keep = append(keep, dets[i])
		for j := i + 1; j < len(dets); j++ {
			if suppressed[j] || dets[j].ClassID != dets[i].ClassID {
				continue
			}
			if iou(dets[i].BBox, dets[j].BBox) >= iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}

func iou(a, b [4]float64) float64 {
	ix1 := math.Max(a[0], b[0])
	iy1 := math.Max(a[1], b[1])
	ix2 := math.Min(a[2], b[2])
	iy2 := math.Min(a[3], b[3])
	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}
	inter := (ix2 - ix1) * (iy2 - iy1)
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// cocoClasses is the standard 80-class COCO label table, used when a
// detector does not supply its own class names.
var cocoClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse", "remote",
	"keyboard", "cell phone", "microwave", "oven", "toaster", "sink", "refrigerator", "book",
	"clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}
