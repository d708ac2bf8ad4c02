package boxes

import (
	"sort"

	"github.com/chewxy/math32"
)

// Area returns the area of an (x1, y1, x2, y2) box, or 0 for inverted boxes.
func Area(b [4]float32) float32 {
	w := b[2] - b[0]
	h := b[3] - b[1]
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU returns the intersection over union of two boxes.
func IoU(a, b [4]float32) float32 {
	iw := math32.Min(a[2], b[2]) - math32.Max(a[0], b[0])
	ih := math32.Min(a[3], b[3]) - math32.Max(a[1], b[1])
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := Area(a) + Area(b) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// NMS performs greedy non-maximum suppression.
//
// Candidates are visited in descending score order (ties keep index order). A
// candidate is dropped when its IoU with an already kept box exceeds
// iouThreshold. At most maxOutput indices are returned, highest score first;
// maxOutput <= 0 means no limit.
func NMS(boxes [][4]float32, scores []float32, iouThreshold float32, maxOutput int) []int {
	if len(boxes) != len(scores) {
		panic("nms: boxes and scores differ in length")
	}

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})

	keep := make([]int, 0, len(order))
	for _, idx := range order {
		if maxOutput > 0 && len(keep) >= maxOutput {
			break
		}
		suppressed := false
		for _, k := range keep {
			if IoU(boxes[idx], boxes[k]) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			keep = append(keep, idx)
		}
	}
	return keep
}

// TopK returns the indices of the k largest scores, highest first, breaking
// ties by lower index. k is clamped to len(scores).
func TopK(scores []float32, k int) []int {
	if k > len(scores) {
		k = len(scores)
	}
	if k <= 0 {
		return nil
	}
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})
	return order[:k]
}
