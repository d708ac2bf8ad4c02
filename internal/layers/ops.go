package layers

import (
	"fmt"

	"github.com/born-ml/born/tensor"
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/cellseg/internal/interp"
)

type reluBackend interface {
	ReLU(*tensor.RawTensor) *tensor.RawTensor
}

// ReLU applies max(0, x). Backends without a native ReLU, such as the plain
// CPU backend, go through a comparison and Where.
func ReLU[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	backend := x.Backend()
	if rb, ok := any(backend).(reluBackend); ok {
		return tensor.New[float32, B](rb.ReLU(x.Raw()), backend)
	}
	zeros := tensor.Zeros[float32](x.Shape(), backend)
	return tensor.Where(x.Gt(zeros), x, zeros)
}

// StopGradient returns a tensor sharing x's data that no recorded operation
// produced, so backpropagation does not reach x's inputs.
func StopGradient[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return tensor.New[float32, B](x.Raw().Clone(), x.Backend())
}

// SoftmaxChannels applies softmax over the channel axis of an NCHW tensor.
func SoftmaxChannels[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := x.Shape()
	n, c, h, w := s[0], s[1], s[2], s[3]
	flat := x.Transpose(0, 2, 3, 1).Reshape(n*h*w, c).Softmax(1)
	return flat.Reshape(n, h, w, c).Transpose(0, 3, 1, 2)
}

func constant[B tensor.Backend](data []float32, s tensor.Shape, b B) *tensor.Tensor[float32, B] {
	t, err := tensor.FromSlice(data, s, b)
	if err != nil {
		panic(fmt.Sprintf("constant: %v", err))
	}
	return t
}

// broadcastScalar returns v shaped [1, ..., 1] with x's rank.
func broadcastScalar[B tensor.Backend](v float32, x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := make(tensor.Shape, len(x.Shape()))
	for i := range s {
		s[i] = 1
	}
	return tensor.Full[float32](s, v, x.Backend())
}

// Retain keeps the buffers of xs shared until the returned function is
// called. The CPU backend writes same-shape elementwise results into a
// uniquely owned left operand, so a tensor that is read again after being
// a left operand must be retained first.
func Retain[B tensor.Backend](xs ...*tensor.Tensor[float32, B]) func() {
	releases := make([]func(), len(xs))
	for i, x := range xs {
		releases[i] = x.Raw().ForceNonUnique()
	}
	return func() {
		for _, release := range releases {
			release()
		}
	}
}

func matrix[B tensor.Backend](m *mat.Dense, transpose bool, b B) *tensor.Tensor[float32, B] {
	r, c := m.Dims()
	if transpose {
		r, c = c, r
	}
	return constant(interp.Float32s(m, transpose), tensor.Shape{r, c}, b)
}

// toNCHW converts a rank-4 image tensor in format f to NCHW.
func toNCHW[B tensor.Backend](x *tensor.Tensor[float32, B], f DataFormat) *tensor.Tensor[float32, B] {
	if f == ChannelsFirst {
		return x
	}
	return x.Transpose(0, 3, 1, 2)
}

// fromNCHW converts an NCHW tensor back to format f.
func fromNCHW[B tensor.Backend](x *tensor.Tensor[float32, B], f DataFormat) *tensor.Tensor[float32, B] {
	if f == ChannelsFirst {
		return x
	}
	return x.Transpose(0, 2, 3, 1)
}

// imageSize returns (height, width) of a rank-4 image shape in format f.
func imageSize(s tensor.Shape, f DataFormat) (int, int) {
	row := f.RowAxis()
	return s[row], s[row+1]
}

// ResizeNearest resamples an NCHW tensor to (outH, outW) with nearest
// neighbour sampling.
func ResizeNearest[B tensor.Backend](x *tensor.Tensor[float32, B], outH, outW int) *tensor.Tensor[float32, B] {
	s := x.Shape()
	return separable(x, interp.Nearest(s[2], outH), interp.Nearest(s[3], outW))
}

// ResizeBilinear resamples an NCHW tensor to (outH, outW) with bilinear
// sampling.
func ResizeBilinear[B tensor.Backend](x *tensor.Tensor[float32, B], outH, outW int) *tensor.Tensor[float32, B] {
	s := x.Shape()
	return separable(x, interp.Bilinear(s[2], outH), interp.Bilinear(s[3], outW))
}

// separable applies rows (outH x H) and cols (outW x W) to every plane of an
// NCHW tensor: y = rows · x · colsᵀ.
func separable[B tensor.Backend](x *tensor.Tensor[float32, B], rows, cols *mat.Dense) *tensor.Tensor[float32, B] {
	s := x.Shape()
	n, c, h, w := s[0], s[1], s[2], s[3]
	outH, _ := rows.Dims()
	outW, _ := cols.Dims()
	if outH == h && outW == w && mat.Equal(rows, eye(h)) && mat.Equal(cols, eye(w)) {
		return x
	}
	b := x.Backend()

	y := x.Reshape(n*c*h, w).MatMul(matrix(cols, true, b))
	y = y.Reshape(n*c, h, outW).Transpose(0, 2, 1).Reshape(n*c*outW, h)
	y = y.MatMul(matrix(rows, true, b))
	return y.Reshape(n*c, outW, outH).Transpose(0, 2, 1).Reshape(n, c, outH, outW)
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// spatialMean averages an NCHW tensor over H and W, returning [N, C, 1, 1].
func spatialMean[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := x.Shape()
	n, c, hw := s[0], s[1], s[2]*s[3]
	ones := tensor.Full[float32](tensor.Shape{hw, 1}, 1/float32(hw), x.Backend())
	return x.Reshape(n*c, hw).MatMul(ones).Reshape(n, c, 1, 1)
}

// channelMean averages an NCHW tensor over N, H and W, returning [1, C, 1, 1].
func channelMean[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := x.Shape()
	n, c, hw := s[0], s[1], s[2]*s[3]
	ones := tensor.Full[float32](tensor.Shape{n * hw, 1}, 1/float32(n*hw), x.Backend())
	perChannel := x.Transpose(1, 0, 2, 3).Reshape(c, n*hw)
	return perChannel.MatMul(ones).Reshape(1, c, 1, 1)
}
