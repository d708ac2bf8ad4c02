package layers

import (
	"testing"

	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/cellseg/internal/shape"
)

func TestFilterDetections(t *testing.T) {
	// box 1 overlaps box 0 in the same class, box 2 overlaps box 0 in
	// another class
	boxData := []float32{
		0, 0, 10, 10,
		1, 1, 10, 10,
		0, 0, 10, 9,
	}
	clsData := []float32{
		0.9, 0,
		0.8, 0,
		0, 0.3,
	}
	otherData := []float32{0, 1, 2, 3, 4, 5}

	tests := []struct {
		name   string
		mutate func(*FilterDetectionsConfig)
		boxes  []float32
		scores []float32
		labels []float32
		other  []float32
	}{
		{
			name:   "class specific nms",
			mutate: func(*FilterDetectionsConfig) {},
			boxes:  []float32{0, 0, 10, 10, 0, 0, 10, 9, -1, -1, -1, -1, -1, -1, -1, -1},
			scores: []float32{0.9, 0.3, -1, -1},
			labels: []float32{0, 1, -1, -1},
			other:  []float32{0, 1, 4, 5, -1, -1, -1, -1},
		},
		{
			name:   "class agnostic nms",
			mutate: func(c *FilterDetectionsConfig) { c.ClassSpecificFilter = false },
			boxes:  []float32{0, 0, 10, 10, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1},
			scores: []float32{0.9, -1, -1, -1},
			labels: []float32{0, -1, -1, -1},
			other:  []float32{0, 1, -1, -1, -1, -1, -1, -1},
		},
		{
			name:   "no nms",
			mutate: func(c *FilterDetectionsConfig) { c.NMS = false },
			boxes:  []float32{0, 0, 10, 10, 1, 1, 10, 10, 0, 0, 10, 9, -1, -1, -1, -1},
			scores: []float32{0.9, 0.8, 0.3, -1},
			labels: []float32{0, 0, 1, -1},
			other:  []float32{0, 1, 2, 3, 4, 5, -1, -1},
		},
		{
			name: "max detections",
			mutate: func(c *FilterDetectionsConfig) {
				c.NMS = false
				c.MaxDetections = 2
			},
			boxes:  []float32{0, 0, 10, 10, 1, 1, 10, 10},
			scores: []float32{0.9, 0.8},
			labels: []float32{0, 0},
			other:  []float32{0, 1, 2, 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend()
			cfg := DefaultFilterDetectionsConfig()
			cfg.MaxDetections = 4
			tt.mutate(&cfg)
			layer, err := NewFilterDetections[Backend](cfg)
			require.NoError(t, err)

			outs := layer.Call(
				fromSlice(t, boxData, tensor.Shape{1, 3, 4}, b),
				fromSlice(t, clsData, tensor.Shape{1, 3, 2}, b),
				fromSlice(t, otherData, tensor.Shape{1, 3, 2}, b),
			)
			require.Len(t, outs, 4)
			m := cfg.MaxDetections
			assert.Equal(t, tensor.Shape{1, m, 4}, outs[0].Shape())
			assert.Equal(t, tensor.Shape{1, m}, outs[1].Shape())
			assert.Equal(t, tensor.Shape{1, m, 2}, outs[3].Shape())

			assert.Equal(t, tt.boxes, outs[0].Data())
			assert.InDeltaSlice(t, tt.scores, outs[1].Data(), 1e-6)
			assert.Equal(t, tt.labels, outs[2].Data())
			assert.Equal(t, tt.other, outs[3].Data())
		})
	}
}

func TestFilterDetectionsBelowThreshold(t *testing.T) {
	b := newBackend()
	layer, err := NewFilterDetections[Backend](DefaultFilterDetectionsConfig())
	require.NoError(t, err)

	outs := layer.Forward(
		tensor.Ones[float32](tensor.Shape{2, 5, 4}, b),
		tensor.Full[float32](tensor.Shape{2, 5, 3}, 0.01, b),
	)
	require.Len(t, outs, 3)
	assert.Equal(t, tensor.Shape{2, 300}, outs[1].Shape())
	for _, v := range outs[1].Data() {
		assert.Equal(t, float32(-1), v)
	}
}

func TestFilterDetectionsComputeOutputShape(t *testing.T) {
	layer, err := NewFilterDetections[Backend](DefaultFilterDetectionsConfig())
	require.NoError(t, err)

	shapes, err := layer.ComputeOutputShape(shape.Of(-1, -1, 4), shape.Of(-1, -1, 3), shape.Of(-1, -1, 28, 28))
	require.NoError(t, err)
	require.Len(t, shapes, 4)
	assert.Equal(t, "(None, 300, 4)", shapes[0].String())
	assert.Equal(t, "(None, 300)", shapes[1].String())
	assert.Equal(t, "(None, 300)", shapes[2].String())
	assert.Equal(t, "(None, 300, 28, 28)", shapes[3].String())

	_, err = NewFilterDetections[Backend](FilterDetectionsConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
