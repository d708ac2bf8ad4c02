package layers

import (
	"testing"

	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/cellseg/internal/shape"
)

func TestRoiAlignAssignLevels(t *testing.T) {
	layer, err := NewRoiAlign[Backend](DefaultRoiAlignConfig())
	require.NoError(t, err)

	flat := []float32{
		0, 0, 10, 10, // tiny box, below the minimum level
		0, 0, 224, 224, // canonical size
		0, 0, 500, 500,
		0, 0, 2000, 2000, // above the maximum level
		10, 10, 0, 0, // negative extent
	}
	assert.Equal(t, []int{0, 1, 2, 4, 0}, layer.AssignLevels(flat, 5))

	// fewer feature maps than levels
	assert.Equal(t, []int{0, 1, 2, 2, 0}, layer.AssignLevels(flat, 3))
}

// rampFeature returns a [1, size, size, 1] map whose value is the column index.
func rampFeature(t *testing.T, size int, b Backend) *tensor.Tensor[float32, Backend] {
	data := make([]float32, size*size)
	for i := range data {
		data[i] = float32(i % size)
	}
	return fromSlice(t, data, tensor.Shape{1, size, size, 1}, b)
}

func TestRoiAlignForward(t *testing.T) {
	b := newBackend()
	cfg := DefaultRoiAlignConfig()
	cfg.TopK = 3
	cfg.CropSize = [2]int{3, 3}
	layer, err := NewRoiAlign[Backend](cfg)
	require.NoError(t, err)

	const n = 5
	boxData := make([]float32, 0, n*4)
	clsData := make([]float32, 0, n*2)
	for i := 0; i < n; i++ {
		x1 := float32(4 * i)
		boxData = append(boxData, x1, 0, x1+20, 32)
		clsData = append(clsData, 0.1*float32(i), 0)
	}
	boxesIn := fromSlice(t, boxData, tensor.Shape{1, n, 4}, b)
	cls := fromSlice(t, clsData, tensor.Shape{1, n, 2}, b)

	outBoxes, outCls, rois := layer.Forward(tensor.Shape{1, 64, 64, 1}, boxesIn, cls, rampFeature(t, 64, b))
	require.Equal(t, tensor.Shape{1, 3, 4}, outBoxes.Shape())
	require.Equal(t, tensor.Shape{1, 3, 2}, outCls.Shape())
	require.Equal(t, tensor.Shape{1, 3, 3, 3, 1}, rois.Shape())

	// highest scores first, every output slot refers to the same box
	for slot, idx := range []int{4, 3, 2} {
		x1 := float32(4 * idx)
		assert.Equal(t, []float32{x1, 0, x1 + 20, 32}, outBoxes.Data()[slot*4:slot*4+4])
		assert.InDelta(t, 0.1*float32(idx), outCls.At(0, slot, 0), 1e-6)

		// the crop samples the ramp from x1 to x2 - 1
		assert.InDelta(t, x1, rois.At(0, slot, 0, 0, 0), 1e-3)
		assert.InDelta(t, x1+9.5, rois.At(0, slot, 1, 1, 0), 1e-3)
		assert.InDelta(t, x1+19, rois.At(0, slot, 2, 2, 0), 1e-3)
	}
}

func TestRoiAlignLevelCorrespondence(t *testing.T) {
	b := newBackend()
	cfg := DefaultRoiAlignConfig()
	cfg.TopK = 6
	cfg.CropSize = [2]int{2, 2}
	layer, err := NewRoiAlign[Backend](cfg)
	require.NoError(t, err)

	// level l is filled with 10 * (l + 1)
	features := make([]*tensor.Tensor[float32, Backend], 5)
	for l := range features {
		features[l] = tensor.Full[float32](tensor.Shape{1, 64, 64, 1}, float32(10*(l+1)), b)
	}

	// square boxes whose side picks the level, listed out of score order
	type roi struct {
		side, score float32
	}
	rois := []roi{{224, 0.6}, {2000, 0.9}, {50, 0.4}, {448, 0.7}, {896, 0.5}, {100, 0.8}}
	boxData := make([]float32, 0, 4*len(rois))
	clsData := make([]float32, 0, len(rois))
	for _, r := range rois {
		boxData = append(boxData, 0, 0, r.side, r.side)
		clsData = append(clsData, r.score)
	}
	assert.Equal(t, []int{1, 4, 0, 2, 3, 0}, layer.AssignLevels(boxData, len(features)))

	outBoxes, outCls, crops := layer.Forward(
		tensor.Shape{1, 2048, 2048, 1},
		fromSlice(t, boxData, tensor.Shape{1, 6, 4}, b),
		fromSlice(t, clsData, tensor.Shape{1, 6, 1}, b),
		features...,
	)
	require.Equal(t, tensor.Shape{1, 6, 2, 2, 1}, crops.Shape())

	wantSide := []float32{2000, 100, 448, 224, 896, 50}
	wantValue := []float32{50, 10, 30, 20, 40, 10}
	for slot := range wantSide {
		assert.Equal(t, wantSide[slot], outBoxes.At(0, slot, 2), "slot %d box", slot)
		assert.InDelta(t, 0.9-0.1*float32(slot), outCls.At(0, slot, 0), 1e-6, "slot %d score", slot)
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				assert.InDelta(t, wantValue[slot], crops.At(0, slot, y, x, 0), 1e-4, "slot %d crop (%d, %d)", slot, y, x)
			}
		}
	}
}

func TestRoiAlignBlocksGradients(t *testing.T) {
	b := newBackend()
	cfg := DefaultRoiAlignConfig()
	cfg.TopK = 2
	cfg.CropSize = [2]int{2, 2}
	layer, err := NewRoiAlign[Backend](cfg)
	require.NoError(t, err)

	boxesIn := fromSlice(t, []float32{0, 0, 8, 8, 4, 4, 12, 12}, tensor.Shape{1, 2, 4}, b)
	cls := fromSlice(t, []float32{0.2, 0.7}, tensor.Shape{1, 2, 1}, b)
	feature := rampFeature(t, 16, b)

	var outBoxes, outCls *tensor.Tensor[float32, Backend]
	grads := recordGrads(b, func() *tensor.Tensor[float32, Backend] {
		var crops *tensor.Tensor[float32, Backend]
		outBoxes, outCls, crops = layer.Forward(tensor.Shape{1, 16, 16, 1}, boxesIn, cls, feature)
		return crops
	})
	assert.NotContains(t, grads, feature.Raw())
	assert.NotContains(t, grads, boxesIn.Raw())
	assert.NotContains(t, grads, cls.Raw())

	// the selected boxes and scores are not tied to the inputs either
	grads = recordGrads(b, func() *tensor.Tensor[float32, Backend] { return outBoxes.Mul(outBoxes) })
	assert.NotContains(t, grads, boxesIn.Raw())
	grads = recordGrads(b, func() *tensor.Tensor[float32, Backend] { return outCls.Mul(outCls) })
	assert.NotContains(t, grads, cls.Raw())
}

func TestRoiAlignChannelsFirst(t *testing.T) {
	b := newBackend()
	cfg := DefaultRoiAlignConfig()
	cfg.CropSize = [2]int{2, 4}
	cfg.DataFormat = ChannelsFirst
	layer, err := NewRoiAlign[Backend](cfg)
	require.NoError(t, err)

	boxesIn := fromSlice(t, []float32{
		0, 0, 8, 8,
		4, 4, 16, 16,
		0, 0, 16, 16,
		2, 2, 6, 6,
	}, tensor.Shape{2, 2, 4}, b)
	cls := fromSlice(t, []float32{0.2, 0.9, 0.5, 0.1}, tensor.Shape{2, 2, 1}, b)
	features := []*tensor.Tensor[float32, Backend]{
		tensor.Ones[float32](tensor.Shape{2, 3, 16, 16}, b),
		tensor.Ones[float32](tensor.Shape{2, 3, 8, 8}, b),
	}

	// TopK 256 clamps to the two available boxes
	outBoxes, _, rois := layer.Forward(tensor.Shape{2, 3, 16, 16}, boxesIn, cls, features...)
	require.Equal(t, tensor.Shape{2, 2, 4}, outBoxes.Shape())
	require.Equal(t, tensor.Shape{2, 2, 3, 2, 4}, rois.Shape())
	assert.Equal(t, []float32{4, 4, 16, 16, 0, 0, 8, 8}, outBoxes.Data()[:8])
}

func TestRoiAlignCall(t *testing.T) {
	b := newBackend()
	layer, err := NewRoiAlign[Backend](RoiAlignConfig{TopK: 1, CropSize: [2]int{2, 2}, CanonicalSize: 224, MaxLevel: 4})
	require.NoError(t, err)

	image := tensor.Zeros[float32](tensor.Shape{1, 32, 32, 1}, b)
	imageShape := NewShapeOf[Backend]("").Forward(image)
	boxesIn := fromSlice(t, []float32{0, 0, 16, 16, 8, 8, 24, 24}, tensor.Shape{1, 2, 4}, b)
	cls := fromSlice(t, []float32{0.3, 0.7}, tensor.Shape{1, 2, 1}, b)

	outs := layer.Call(imageShape, boxesIn, cls, rampFeature(t, 32, b))
	require.Len(t, outs, 3)
	assert.Equal(t, []float32{8, 8, 24, 24}, outs[0].Data())
	assert.Equal(t, tensor.Shape{1, 1, 2, 2, 1}, outs[2].Shape())
	assert.InDelta(t, 8, outs[2].At(0, 0, 0, 0, 0), 1e-3)
	assert.InDelta(t, 23, outs[2].At(0, 0, 0, 1, 0), 1e-3)
}

func TestRoiAlignComputeOutputShape(t *testing.T) {
	layer, err := NewRoiAlign[Backend](DefaultRoiAlignConfig())
	require.NoError(t, err)

	shapes, err := layer.ComputeOutputShape(
		shape.Of(4),
		shape.Of(-1, 100, 4),
		shape.Of(-1, 100, 3),
		shape.Of(-1, 32, 32, 256),
	)
	require.NoError(t, err)
	require.Len(t, shapes, 3)
	assert.Equal(t, "(None, 100, 4)", shapes[0].String())
	assert.Equal(t, "(None, 100, 3)", shapes[1].String())
	assert.Equal(t, "(None, 100, 14, 14, 256)", shapes[2].String())

	shapes, err = layer.ComputeOutputShape(
		shape.Of(4),
		shape.Of(-1, -1, 4),
		shape.Of(-1, -1, 3),
		shape.Of(-1, 32, 32, 256),
	)
	require.NoError(t, err)
	assert.Equal(t, "(None, None, 14, 14, 256)", shapes[2].String())

	_, err = layer.ComputeOutputShape(shape.Of(4), shape.Of(-1, 4))
	assert.Error(t, err)
}

func TestRoiAlignInvalid(t *testing.T) {
	for name, mutate := range map[string]func(*RoiAlignConfig){
		"top_k":          func(c *RoiAlignConfig) { c.TopK = 0 },
		"crop_size":      func(c *RoiAlignConfig) { c.CropSize = [2]int{0, 14} },
		"canonical_size": func(c *RoiAlignConfig) { c.CanonicalSize = 0 },
		"levels":         func(c *RoiAlignConfig) { c.MinLevel = 5 },
		"data_format":    func(c *RoiAlignConfig) { c.DataFormat = "nchw" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultRoiAlignConfig()
			mutate(&cfg)
			_, err := NewRoiAlign[Backend](cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
