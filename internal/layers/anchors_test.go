package layers

import (
	"testing"

	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/cellseg/internal/boxes"
	"github.com/born-ml/cellseg/internal/shape"
)

func TestAnchorsForward(t *testing.T) {
	b := newBackend()

	tests := []struct {
		name     string
		format   DataFormat
		features tensor.Shape
	}{
		{"channels_last", ChannelsLast, tensor.Shape{2, 4, 5, 8}},
		{"channels_first", ChannelsFirst, tensor.Shape{2, 8, 4, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layer, err := NewAnchors[Backend](AnchorsConfig{Size: 32, Stride: 8, DataFormat: tt.format})
			require.NoError(t, err)
			require.Equal(t, 9, layer.NumAnchors())

			out := layer.Forward(tensor.Zeros[float32](tt.features, b))
			require.Equal(t, tensor.Shape{2, 4 * 5 * 9, 4}, out.Shape())

			data := out.Data()
			for i := 0; i < len(data); i += 4 {
				assert.LessOrEqual(t, data[i], data[i+2])
				assert.LessOrEqual(t, data[i+1], data[i+3])
			}

			// both batch entries hold the same anchors
			half := len(data) / 2
			assert.Equal(t, data[:half], data[half:])

			want := boxes.Shift(4, 5, 8, layer.Template())
			assert.Equal(t, want, data[:half])
		})
	}
}

func TestAnchorsDefaults(t *testing.T) {
	layer, err := NewAnchors[Backend](AnchorsConfig{Size: 64, Stride: 16})
	require.NoError(t, err)

	cfg := layer.GetConfig().(AnchorsConfig)
	defaults := boxes.DefaultAnchorParameters()
	assert.Equal(t, defaults.Ratios, cfg.Ratios)
	assert.Equal(t, defaults.Scales, cfg.Scales)
	assert.Equal(t, ChannelsLast, cfg.DataFormat)
	assert.Equal(t, "anchors", layer.Name())
}

func TestAnchorsEmpty(t *testing.T) {
	layer, err := NewAnchors[Backend](AnchorsConfig{Size: 32, Stride: 8, Ratios: []float32{}})
	require.NoError(t, err)
	assert.Equal(t, 0, layer.NumAnchors())

	shapes, err := layer.ComputeOutputShape(shape.Of(1, 4, 4, 3))
	require.NoError(t, err)
	assert.Equal(t, shape.Of(1, 0, 4), shapes[0])

	assert.Panics(t, func() {
		layer.Forward(tensor.Zeros[float32](tensor.Shape{1, 4, 4, 3}, newBackend()))
	})
}

func TestAnchorsComputeOutputShape(t *testing.T) {
	layer, err := NewAnchors[Backend](AnchorsConfig{Size: 32, Stride: 8, Ratios: []float32{1}, Scales: []float32{1, 2}})
	require.NoError(t, err)

	shapes, err := layer.ComputeOutputShape(shape.Of(-1, 16, 16, 256))
	require.NoError(t, err)
	assert.Equal(t, "(None, 512, 4)", shapes[0].String())

	shapes, err = layer.ComputeOutputShape(shape.Of(-1, -1, 16, 256))
	require.NoError(t, err)
	assert.Equal(t, "(None, None, 4)", shapes[0].String())

	_, err = layer.ComputeOutputShape(shape.Of(16, 16))
	assert.Error(t, err)
}

func TestAnchorsInvalid(t *testing.T) {
	_, err := NewAnchors[Backend](AnchorsConfig{Size: 0, Stride: 8})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewAnchors[Backend](AnchorsConfig{Size: 32, Stride: 8, DataFormat: "nhwc"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
