package boxes

// DefaultMean and DefaultStd are the delta normalisation constants used when
// the regression targets were computed.
var (
	DefaultMean = [4]float32{0, 0, 0, 0}
	DefaultStd  = [4]float32{0.2, 0.2, 0.2, 0.2}
)

// Extent returns the per-coordinate scale of a box: (w, h, w, h).
func Extent(box [4]float32) [4]float32 {
	w := box[2] - box[0]
	h := box[3] - box[1]
	return [4]float32{w, h, w, h}
}

// BBoxTransformInv decodes normalised deltas against their anchors.
//
// Both slices hold consecutive (x1, y1, x2, y2) quadruples and must have the
// same length. Each coordinate is anchor + (delta*std + mean) * extent.
func BBoxTransformInv(anchors, deltas []float32, mean, std [4]float32) []float32 {
	if len(anchors) != len(deltas) {
		panic("bbox transform inv: anchors and deltas differ in length")
	}
	out := make([]float32, len(anchors))
	for i := 0; i+4 <= len(anchors); i += 4 {
		ext := Extent([4]float32{anchors[i], anchors[i+1], anchors[i+2], anchors[i+3]})
		for j := 0; j < 4; j++ {
			out[i+j] = anchors[i+j] + (deltas[i+j]*std[j]+mean[j])*ext[j]
		}
	}
	return out
}

// BBoxTransform computes the normalised deltas that map anchors onto the
// target boxes. It is the inverse of BBoxTransformInv for the same mean/std.
func BBoxTransform(anchors, targets []float32, mean, std [4]float32) []float32 {
	if len(anchors) != len(targets) {
		panic("bbox transform: anchors and targets differ in length")
	}
	out := make([]float32, len(anchors))
	for i := 0; i+4 <= len(anchors); i += 4 {
		ext := Extent([4]float32{anchors[i], anchors[i+1], anchors[i+2], anchors[i+3]})
		for j := 0; j < 4; j++ {
			out[i+j] = ((targets[i+j]-anchors[i+j])/ext[j] - mean[j]) / std[j]
		}
	}
	return out
}
