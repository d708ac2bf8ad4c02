// Package interp builds the dense sampling matrices used to express image
// resizing and crop-and-resize as matrix products.
//
// Every builder returns an (out x in) matrix M such that y = M·x resamples a
// length-in signal x to length out along one axis. A 2D resize applies one
// matrix per spatial axis.
package interp

import (
	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/mat"
)

// Nearest returns the nearest-neighbour resize matrix. Output index i reads
// input floor(i*in/out), clamped to the last input index.
func Nearest(in, out int) *mat.Dense {
	m := mat.NewDense(out, in, nil)
	scale := float32(in) / float32(out)
	for i := 0; i < out; i++ {
		src := int(math32.Floor(float32(i) * scale))
		if src > in-1 {
			src = in - 1
		}
		m.Set(i, src, 1)
	}
	return m
}

// Bilinear returns the bilinear resize matrix with corners not aligned.
func Bilinear(in, out int) *mat.Dense {
	m := mat.NewDense(out, in, nil)
	scale := float32(in) / float32(out)
	for i := 0; i < out; i++ {
		setLerp(m, i, float32(i)*scale, in)
	}
	return m
}

// Crop returns the sampling matrix of one crop-and-resize axis. start and end
// are normalised coordinates where 0 maps to the first input sample and 1 to
// the last. Samples that fall outside the input produce zero rows.
func Crop(start, end float32, in, out int) *mat.Dense {
	m := mat.NewDense(out, in, nil)
	span := float32(in - 1)
	for i := 0; i < out; i++ {
		var pos float32
		if out > 1 {
			pos = start*span + float32(i)*(end-start)*span/float32(out-1)
		} else {
			pos = 0.5 * (start + end) * span
		}
		if pos < 0 || pos > span {
			continue
		}
		setLerp(m, i, pos, in)
	}
	return m
}

func setLerp(m *mat.Dense, row int, pos float32, in int) {
	lo := int(math32.Floor(pos))
	hi := int(math32.Ceil(pos))
	if lo > in-1 {
		lo = in - 1
	}
	if hi > in-1 {
		hi = in - 1
	}
	frac := float64(pos - float32(lo))
	if lo == hi {
		m.Set(row, lo, 1)
		return
	}
	m.Set(row, lo, 1-frac)
	m.Set(row, hi, frac)
}

// Float32s flattens m in row-major order, optionally transposed.
func Float32s(m mat.Matrix, transpose bool) []float32 {
	if transpose {
		m = m.T()
	}
	r, c := m.Dims()
	out := make([]float32, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out = append(out, float32(m.At(i, j)))
		}
	}
	return out
}
