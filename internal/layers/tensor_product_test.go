package layers

import (
	"testing"

	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/cellseg/internal/shape"
)

func TestTensorProductForward(t *testing.T) {
	b := newBackend()
	layer, err := NewTensorProduct(TensorProductConfig{OutputDim: 4, UseBias: true}, b)
	require.NoError(t, err)
	assert.Empty(t, layer.Parameters())

	data := arange(1 * 2 * 2 * 3)
	y := layer.Forward(fromSlice(t, data, tensor.Shape{1, 2, 2, 3}, b))
	require.Equal(t, tensor.Shape{1, 2, 2, 4}, y.Shape())

	params := layer.Parameters()
	require.Len(t, params, 2)
	assert.Equal(t, "tensor_product.kernel", params[0].Name())
	assert.Equal(t, tensor.Shape{3, 4}, params[0].Tensor().Shape())
	assert.Equal(t, 3, layer.GetConfig().(TensorProductConfig).InputDim)

	kernel := params[0].Tensor().Data()
	for p := 0; p < 4; p++ {
		for o := 0; o < 4; o++ {
			var want float32
			for c := 0; c < 3; c++ {
				want += data[p*3+c] * kernel[c*4+o]
			}
			assert.InDelta(t, want, y.Data()[p*4+o], 1e-4)
		}
	}
}

func TestTensorProductChannelsFirst(t *testing.T) {
	b := newBackend()
	last, err := NewTensorProduct(TensorProductConfig{InputDim: 2, OutputDim: 3}, b)
	require.NoError(t, err)
	first, err := NewTensorProduct(TensorProductConfig{InputDim: 2, OutputDim: 3, DataFormat: ChannelsFirst}, b)
	require.NoError(t, err)
	require.Len(t, first.Parameters(), 1)
	copy(first.Parameters()[0].Tensor().Data(), last.Parameters()[0].Tensor().Data())

	x := fromSlice(t, arange(2*2*3*3), tensor.Shape{2, 3, 3, 2}, b)
	want := last.Forward(x)
	got := first.Forward(x.Transpose(0, 3, 1, 2))
	require.Equal(t, tensor.Shape{2, 3, 3, 3}, got.Shape())
	assert.InDeltaSlice(t, want.Data(), got.Transpose(0, 2, 3, 1).Data(), 1e-4)

	assert.Panics(t, func() {
		last.Forward(tensor.Zeros[float32](tensor.Shape{1, 2, 2, 5}, b))
	})
}

func TestTensorProductComputeOutputShape(t *testing.T) {
	b := newBackend()
	layer, err := NewTensorProduct(TensorProductConfig{OutputDim: 8, DataFormat: ChannelsFirst}, b)
	require.NoError(t, err)

	shapes, err := layer.ComputeOutputShape(shape.Of(-1, 3, 64, 64))
	require.NoError(t, err)
	assert.Equal(t, shape.Of(-1, 8, 64, 64), shapes[0])

	_, err = NewTensorProduct(TensorProductConfig{}, b)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestUpsampleLike(t *testing.T) {
	b := newBackend()
	layer, err := NewUpsampleLike[Backend](UpsampleLikeConfig{})
	require.NoError(t, err)

	source := fromSlice(t, []float32{1, 2, 3, 4}, tensor.Shape{1, 2, 2, 1}, b)
	target := tensor.Zeros[float32](tensor.Shape{1, 4, 4, 3}, b)
	out := layer.Forward(source, target)
	require.Equal(t, tensor.Shape{1, 4, 4, 1}, out.Shape())
	assert.Equal(t, []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}, out.Data())

	shapes, err := layer.ComputeOutputShape(shape.Of(-1, 2, 2, 16), shape.Of(-1, -1, 8, 3))
	require.NoError(t, err)
	assert.Equal(t, "(None, None, 8, 16)", shapes[0].String())
}
