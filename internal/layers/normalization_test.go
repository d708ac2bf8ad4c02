package layers

import (
	"math"
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/cellseg/internal/shape"
)

// channelStats returns the mean and population std of channel c of a
// channels_last batch element.
func channelStats(data []float32, channels, c int) (float32, float32) {
	var sum, sq float32
	n := 0
	for i := c; i < len(data); i += channels {
		sum += data[i]
		n++
	}
	mean := sum / float32(n)
	for i := c; i < len(data); i += channels {
		d := data[i] - mean
		sq += d * d
	}
	return mean, math32.Sqrt(sq / float32(n))
}

func TestImageNormalizationWholeImage(t *testing.T) {
	b := newBackend()
	data := make([]float32, 2*4*4*2)
	for i := range data {
		data[i] = float32((i*7)%13) + float32(i%2)*100
	}
	x := fromSlice(t, data, tensor.Shape{2, 4, 4, 2}, b)

	layer, err := NewImageNormalization2D[Backend](ImageNormalization2DConfig{NormMethod: NormWholeImage})
	require.NoError(t, err)
	y := layer.Forward(x)
	require.Equal(t, x.Shape(), y.Shape())

	out := y.Data()
	for img := 0; img < 2; img++ {
		for c := 0; c < 2; c++ {
			mean, std := channelStats(out[img*32:(img+1)*32], 2, c)
			assert.InDelta(t, 0, mean, 1e-4)
			assert.InDelta(t, 1, std, 1e-3)
		}
	}
}

func TestImageNormalizationMax(t *testing.T) {
	b := newBackend()
	data := arange(16)
	x := fromSlice(t, data, tensor.Shape{1, 4, 4, 1}, b)

	layer, err := NewImageNormalization2D[Backend](ImageNormalization2DConfig{NormMethod: NormMax})
	require.NoError(t, err)
	out := layer.Forward(x).Data()
	assert.InDelta(t, 1, out[15], 1e-6)
	assert.InDelta(t, float32(7)/15, out[7], 1e-6)

	zeros := tensor.Zeros[float32](tensor.Shape{1, 2, 2, 1}, b)
	assert.Same(t, zeros, layer.Forward(zeros))

	// one peak for the whole batch
	batch := fromSlice(t, []float32{1, 2, 4, 8}, tensor.Shape{2, 1, 2, 1}, b)
	assert.InDeltaSlice(t, []float32{0.125, 0.25, 0.5, 1}, layer.Forward(batch).Data(), 1e-6)
}

func TestImageNormalizationConfig(t *testing.T) {
	layer, err := NewImageNormalization2D[Backend](ImageNormalization2DConfig{})
	require.NoError(t, err)
	assert.Equal(t, NormNone, layer.GetConfig().(ImageNormalization2DConfig).NormMethod)

	x := tensor.Ones[float32](tensor.Shape{1, 2, 2, 1}, newBackend())
	assert.Same(t, x, layer.Forward(x))

	_, err = NewImageNormalization2D[Backend](ImageNormalization2DConfig{NormMethod: "std"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	shapes, err := layer.ComputeOutputShape(shape.Of(-1, 128, 128, 1))
	require.NoError(t, err)
	assert.Equal(t, shape.Of(-1, 128, 128, 1), shapes[0])
}

func TestBatchNormalizationInference(t *testing.T) {
	b := newBackend()
	layer, err := NewBatchNormalization(DefaultBatchNormalizationConfig(3), b)
	require.NoError(t, err)
	require.Len(t, layer.Parameters(), 2)

	data := arange(2 * 2 * 2 * 3)
	out := layer.Forward(fromSlice(t, data, tensor.Shape{2, 2, 2, 3}, b)).Data()
	scale := 1 / math32.Sqrt(1+1e-3)
	for i, v := range data {
		assert.InDelta(t, v*scale, out[i], 1e-4)
	}

	mean, variance := layer.RunningStats()
	assert.Equal(t, []float32{0, 0, 0}, mean)
	assert.Equal(t, []float32{1, 1, 1}, variance)
}

func TestBatchNormalizationTraining(t *testing.T) {
	b := newBackend()
	cfg := DefaultBatchNormalizationConfig(2)
	cfg.DataFormat = ChannelsFirst
	layer, err := NewBatchNormalization(cfg, b)
	require.NoError(t, err)
	layer.SetTraining(true)

	// channel 0 holds 0..7, channel 1 holds 10 everywhere
	data := make([]float32, 0, 16)
	for img := 0; img < 2; img++ {
		for i := 0; i < 4; i++ {
			data = append(data, float32(img*4+i))
		}
		for i := 0; i < 4; i++ {
			data = append(data, 10)
		}
	}
	x := fromSlice(t, data, tensor.Shape{2, 2, 2, 2}, b)
	y := layer.Forward(x)

	var sum float32
	for img := 0; img < 2; img++ {
		for i := 0; i < 4; i++ {
			sum += y.Data()[img*8+i]
		}
		for i := 4; i < 8; i++ {
			assert.InDelta(t, 0, y.Data()[img*8+i], 1e-5)
		}
	}
	assert.InDelta(t, 0, sum, 1e-4)

	mean, variance := layer.RunningStats()
	assert.InDeltaSlice(t, []float32{0.035, 0.1}, mean, 1e-6)
	// population variance of 0..7 is 5.25
	assert.InDeltaSlice(t, []float32{0.99 + 0.0525, 0.99}, variance, 1e-5)
}

// standardizedLoss returns sum(w * (x - mean) / norm(variance)) over x.
func standardizedLoss(w []float64, norm func(variance float64) float64) func([]float64) float64 {
	return func(x []float64) float64 {
		var mean, variance float64
		for _, v := range x {
			mean += v
		}
		mean /= float64(len(x))
		for _, v := range x {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(len(x))
		var loss float64
		for i, v := range x {
			loss += w[i] * (v - mean) / norm(variance)
		}
		return loss
	}
}

func TestBatchNormalizationTrainingGradient(t *testing.T) {
	b := newBackend()
	layer, err := NewBatchNormalization(DefaultBatchNormalizationConfig(1), b)
	require.NoError(t, err)
	layer.SetTraining(true)

	x := fromSlice(t, []float32{1, 2, 4}, tensor.Shape{1, 1, 3, 1}, b)
	w := fromSlice(t, []float32{1, 2, 5}, tensor.Shape{1, 1, 3, 1}, b)
	grads := recordGrads(b, func() *tensor.Tensor[float32, Backend] { return layer.Forward(x).Mul(w) })

	eps := float64(layer.GetConfig().(BatchNormalizationConfig).Epsilon)
	want := numericGrad(standardizedLoss([]float64{1, 2, 5}, func(v float64) float64 {
		return math.Sqrt(v + eps)
	}), []float64{1, 2, 4})

	got := gradOf(t, grads, x)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-3, "x[%d]", i)
	}
}

func TestImageNormalizationWholeImageGradient(t *testing.T) {
	b := newBackend()
	layer, err := NewImageNormalization2D[Backend](ImageNormalization2DConfig{NormMethod: NormWholeImage})
	require.NoError(t, err)

	x := fromSlice(t, []float32{1, 2, 4}, tensor.Shape{1, 1, 3, 1}, b)
	w := fromSlice(t, []float32{1, 2, 5}, tensor.Shape{1, 1, 3, 1}, b)
	grads := recordGrads(b, func() *tensor.Tensor[float32, Backend] { return layer.Forward(x).Mul(w) })

	want := numericGrad(standardizedLoss([]float64{1, 2, 5}, func(v float64) float64 {
		return math.Sqrt(v) + normEpsilon
	}), []float64{1, 2, 4})

	got := gradOf(t, grads, x)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-3, "x[%d]", i)
	}
}

func TestImageNormalizationMaxGradient(t *testing.T) {
	b := newBackend()
	layer, err := NewImageNormalization2D[Backend](ImageNormalization2DConfig{NormMethod: NormMax})
	require.NoError(t, err)

	x := fromSlice(t, []float32{1, 2, 4, 8}, tensor.Shape{1, 2, 2, 1}, b)
	grads := recordGrads(b, func() *tensor.Tensor[float32, Backend] { return layer.Forward(x) })
	// the peak is a constant
	assert.InDeltaSlice(t, []float32{0.125, 0.125, 0.125, 0.125}, gradOf(t, grads, x), 1e-6)
}

func TestImageNormalizationPlainCPU(t *testing.T) {
	data := []float32{1, 5, 2, 6, 4, 8, 3, 7}
	x, err := tensor.FromSlice(data, tensor.Shape{1, 2, 2, 2}, cpu.New())
	require.NoError(t, err)

	layer, err := NewImageNormalization2D[*cpu.Backend](ImageNormalization2DConfig{NormMethod: NormWholeImage})
	require.NoError(t, err)
	out := layer.Forward(x).Data()
	for c := 0; c < 2; c++ {
		mean, std := channelStats(out, 2, c)
		assert.InDelta(t, 0, mean, 1e-5)
		assert.InDelta(t, 1, std, 1e-4)
	}
	assert.Equal(t, []float32{1, 5, 2, 6, 4, 8, 3, 7}, x.Data())
}

func TestBatchNormalizationInvalid(t *testing.T) {
	b := newBackend()
	_, err := NewBatchNormalization(DefaultBatchNormalizationConfig(0), b)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg := DefaultBatchNormalizationConfig(4)
	cfg.Momentum = 2
	_, err = NewBatchNormalization(cfg, b)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = DefaultBatchNormalizationConfig(4)
	cfg.Epsilon = 0
	_, err = NewBatchNormalization(cfg, b)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	layer, err := NewBatchNormalization(DefaultBatchNormalizationConfig(4), b)
	require.NoError(t, err)
	assert.Panics(t, func() {
		layer.Forward(tensor.Zeros[float32](tensor.Shape{1, 2, 2, 3}, b))
	})
}
