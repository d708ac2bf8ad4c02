// Package boxes implements the host-side geometry behind the detection layers:
// anchor templates, anchor tiling, box delta encoding and decoding, IoU and
// non-maximum suppression.
package boxes

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// AnchorParameters groups the per-level anchor configuration of a RetinaNet
// style detector. Sizes and Strides are indexed by pyramid level.
type AnchorParameters struct {
	Sizes   []int     `json:"sizes"`
	Strides []int     `json:"strides"`
	Ratios  []float32 `json:"ratios"`
	Scales  []float32 `json:"scales"`
}

// DefaultAnchorParameters returns the standard RetinaNet configuration for
// pyramid levels P3..P7. Every call returns a fresh value.
func DefaultAnchorParameters() AnchorParameters {
	return AnchorParameters{
		Sizes:   []int{32, 64, 128, 256, 512},
		Strides: []int{8, 16, 32, 64, 128},
		Ratios:  []float32{0.5, 1, 2},
		Scales: []float32{
			1,
			float32(math.Pow(2, 1.0/3.0)),
			float32(math.Pow(2, 2.0/3.0)),
		},
	}
}

// NumAnchors returns the number of anchors per feature map location.
func (p AnchorParameters) NumAnchors() int {
	return len(p.Ratios) * len(p.Scales)
}

// GenerateAnchors builds the canonical anchors for one base size, centred on
// the origin, as rows of (x1, y1, x2, y2).
//
// Row i uses ratios[i/len(scales)] and scales[i%len(scales)]. Each anchor
// keeps the area (baseSize*scale)^2 and has height/width equal to the ratio.
// Empty ratios or scales yield no anchors.
func GenerateAnchors(baseSize float32, ratios, scales []float32) [][4]float32 {
	numScales := len(scales)
	n := len(ratios) * numScales
	if n == 0 {
		return nil
	}

	// widths and heights, one anchor per row
	wh := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		side := float64(baseSize) * float64(scales[i%numScales])
		ratio := float64(ratios[i/numScales])
		w := math.Sqrt(side * side / ratio)
		wh.Set(i, 0, w)
		wh.Set(i, 1, w*ratio)
	}

	// (w, h) -> (-w/2, -h/2, w/2, h/2)
	center := mat.NewDense(2, 4, []float64{
		-0.5, 0, 0.5, 0,
		0, -0.5, 0, 0.5,
	})

	var corners mat.Dense
	corners.Mul(wh, center)

	anchors := make([][4]float32, n)
	for i := range anchors {
		for j := 0; j < 4; j++ {
			anchors[i][j] = float32(corners.At(i, j))
		}
	}
	return anchors
}

// Shift tiles anchors over a rows x cols feature map with the given stride.
//
// Cell (r, c) is centred at ((c+0.5)*stride, (r+0.5)*stride). The result is a
// flat (rows*cols*len(anchors), 4) buffer ordered by cell in row-major order,
// with the anchors of one cell contiguous.
func Shift(rows, cols int, stride float32, anchors [][4]float32) []float32 {
	numAnchors := len(anchors)
	out := make([]float32, 0, rows*cols*numAnchors*4)
	for r := 0; r < rows; r++ {
		sy := (float32(r) + 0.5) * stride
		for c := 0; c < cols; c++ {
			sx := (float32(c) + 0.5) * stride
			for _, a := range anchors {
				out = append(out, a[0]+sx, a[1]+sy, a[2]+sx, a[3]+sy)
			}
		}
	}
	return out
}
