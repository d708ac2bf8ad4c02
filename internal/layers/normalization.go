package layers

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"github.com/born-ml/cellseg/internal/shape"
)

// Normalization methods accepted by ImageNormalization2D.
const (
	NormWholeImage = "whole_image"
	NormMax        = "max"
	NormNone       = "none"
)

// normEpsilon is added to the standard deviation in whole image
// normalization.
const normEpsilon = 1e-7

// ImageNormalization2DConfig configures an ImageNormalization2D layer.
type ImageNormalization2DConfig struct {
	Name       string     `json:"name,omitempty"`
	NormMethod string     `json:"norm_method"`
	DataFormat DataFormat `json:"data_format"`
}

// ImageNormalization2D normalizes raw images before they enter a backbone.
//
//	whole_image: (x - mean) / (std + eps), per image and channel over the
//	             spatial axes
//	max:         x / max(x), the maximum taken over the whole batch
//	none:        identity
type ImageNormalization2D[B tensor.Backend] struct {
	cfg ImageNormalization2DConfig
}

// NewImageNormalization2D creates an ImageNormalization2D layer. An empty
// method selects none.
func NewImageNormalization2D[B tensor.Backend](cfg ImageNormalization2DConfig) (*ImageNormalization2D[B], error) {
	df, err := cfg.DataFormat.Normalize()
	if err != nil {
		return nil, err
	}
	cfg.DataFormat = df
	switch cfg.NormMethod {
	case "":
		cfg.NormMethod = NormNone
	case NormWholeImage, NormMax, NormNone:
	default:
		return nil, errors.Wrapf(ErrInvalidConfig, "image normalization: unknown method %q, must be one of %s, %s, %s",
			cfg.NormMethod, NormWholeImage, NormMax, NormNone)
	}
	if cfg.Name == "" {
		cfg.Name = "image_normalization2d"
	}
	return &ImageNormalization2D[B]{cfg: cfg}, nil
}

// Forward normalizes an image batch.
func (n *ImageNormalization2D[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	expectRank("image normalization", "input", x, 4)
	switch n.cfg.NormMethod {
	case NormWholeImage:
		nchw := toNCHW(x, n.cfg.DataFormat)
		defer Retain(nchw)()
		centered := nchw.Sub(spatialMean(nchw))
		defer Retain(centered)()
		std := spatialMean(centered.Mul(centered)).Sqrt()
		return fromNCHW(centered.Div(std.Add(broadcastScalar(normEpsilon, std))), n.cfg.DataFormat)
	case NormMax:
		data := StopGradient(x).Data()
		peak := data[0]
		for _, v := range data[1:] {
			if v > peak {
				peak = v
			}
		}
		if peak == 0 {
			return x
		}
		defer Retain(x)()
		return x.Div(broadcastScalar(peak, x))
	default:
		return x
	}
}

// Call implements Layer.
func (n *ImageNormalization2D[B]) Call(inputs ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	expectInputs("image normalization", inputs, 1)
	return []*tensor.Tensor[float32, B]{n.Forward(inputs[0])}
}

// ComputeOutputShape implements Layer.
func (n *ImageNormalization2D[B]) ComputeOutputShape(inputs ...shape.Shape) ([]shape.Shape, error) {
	if err := expectShapes("image normalization", inputs, 1); err != nil {
		return nil, err
	}
	return []shape.Shape{inputs[0].Clone()}, nil
}

// ClassName implements Layer.
func (n *ImageNormalization2D[B]) ClassName() string { return "ImageNormalization2D" }

// Name implements Layer.
func (n *ImageNormalization2D[B]) Name() string { return n.cfg.Name }

// GetConfig implements Layer.
func (n *ImageNormalization2D[B]) GetConfig() any { return n.cfg }

// BatchNormalizationConfig configures a BatchNormalization layer.
type BatchNormalizationConfig struct {
	Name       string     `json:"name,omitempty"`
	Channels   int        `json:"channels"`
	Momentum   float32    `json:"momentum"`
	Epsilon    float32    `json:"epsilon"`
	DataFormat DataFormat `json:"data_format"`
}

// DefaultBatchNormalizationConfig returns momentum 0.99 and epsilon 1e-3 for
// the given channel count.
func DefaultBatchNormalizationConfig(channels int) BatchNormalizationConfig {
	return BatchNormalizationConfig{
		Name:       "batch_normalization",
		Channels:   channels,
		Momentum:   0.99,
		Epsilon:    1e-3,
		DataFormat: ChannelsLast,
	}
}

// BatchNormalization normalizes each channel of an image batch.
//
// In training mode it uses the batch statistics and folds them into the
// running mean and variance. In inference mode, the default, it uses the
// running statistics.
type BatchNormalization[B tensor.Backend] struct {
	cfg      BatchNormalizationConfig
	gamma    *nn.Parameter[B]
	beta     *nn.Parameter[B]
	mean     []float32
	variance []float32
	training bool
	backend  B
}

// NewBatchNormalization creates a BatchNormalization layer with gamma = 1,
// beta = 0 and running statistics (0, 1).
func NewBatchNormalization[B tensor.Backend](cfg BatchNormalizationConfig, backend B) (*BatchNormalization[B], error) {
	df, err := cfg.DataFormat.Normalize()
	if err != nil {
		return nil, err
	}
	cfg.DataFormat = df
	switch {
	case cfg.Channels <= 0:
		return nil, errors.Wrapf(ErrInvalidConfig, "batch normalization: channels must be positive, got %d", cfg.Channels)
	case cfg.Momentum < 0 || cfg.Momentum > 1:
		return nil, errors.Wrapf(ErrInvalidConfig, "batch normalization: momentum %v out of [0, 1]", cfg.Momentum)
	case cfg.Epsilon <= 0:
		return nil, errors.Wrapf(ErrInvalidConfig, "batch normalization: epsilon must be positive, got %v", cfg.Epsilon)
	}
	if cfg.Name == "" {
		cfg.Name = "batch_normalization"
	}

	variance := make([]float32, cfg.Channels)
	for i := range variance {
		variance[i] = 1
	}
	return &BatchNormalization[B]{
		cfg:      cfg,
		gamma:    nn.NewParameter(cfg.Name+".gamma", nn.Ones(tensor.Shape{cfg.Channels}, backend)),
		beta:     nn.NewParameter(cfg.Name+".beta", nn.Zeros(tensor.Shape{cfg.Channels}, backend)),
		mean:     make([]float32, cfg.Channels),
		variance: variance,
		backend:  backend,
	}, nil
}

// SetTraining switches between batch and running statistics.
func (bn *BatchNormalization[B]) SetTraining(training bool) {
	bn.training = training
}

// RunningStats returns copies of the running mean and variance.
func (bn *BatchNormalization[B]) RunningStats() (mean, variance []float32) {
	return append([]float32(nil), bn.mean...), append([]float32(nil), bn.variance...)
}

// Forward normalizes x along its channel axis.
func (bn *BatchNormalization[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	expectRank("batch normalization", "input", x, 4)
	nchw := toNCHW(x, bn.cfg.DataFormat)
	c := bn.cfg.Channels
	if got := nchw.Shape()[1]; got != c {
		panic(fmt.Sprintf("batch normalization: input channels %d != expected %d", got, c))
	}

	defer Retain(nchw)()
	var centered, variance *tensor.Tensor[float32, B]
	if bn.training {
		centered = nchw.Sub(channelMean(nchw))
		release := Retain(centered)
		variance = channelMean(centered.Mul(centered))
		release()
		bn.updateStats(nchw, variance)
	} else {
		centered = nchw.Sub(constant(bn.mean, tensor.Shape{1, c, 1, 1}, bn.backend))
		variance = constant(bn.variance, tensor.Shape{1, c, 1, 1}, bn.backend)
	}

	y := centered.Div(variance.Add(broadcastScalar(bn.cfg.Epsilon, variance)).Sqrt())
	y = y.Mul(bn.gamma.Tensor().Reshape(1, c, 1, 1)).Add(bn.beta.Tensor().Reshape(1, c, 1, 1))
	return fromNCHW(y, bn.cfg.DataFormat)
}

func (bn *BatchNormalization[B]) updateStats(x, variance *tensor.Tensor[float32, B]) {
	batchMean := StopGradient(channelMean(x)).Data()
	batchVar := StopGradient(variance).Data()
	m := bn.cfg.Momentum
	for i := range bn.mean {
		bn.mean[i] = m*bn.mean[i] + (1-m)*batchMean[i]
		bn.variance[i] = m*bn.variance[i] + (1-m)*batchVar[i]
	}
}

// Parameters returns gamma and beta.
func (bn *BatchNormalization[B]) Parameters() []*nn.Parameter[B] {
	return []*nn.Parameter[B]{bn.gamma, bn.beta}
}

// Call implements Layer.
func (bn *BatchNormalization[B]) Call(inputs ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	expectInputs("batch normalization", inputs, 1)
	return []*tensor.Tensor[float32, B]{bn.Forward(inputs[0])}
}

// ComputeOutputShape implements Layer.
func (bn *BatchNormalization[B]) ComputeOutputShape(inputs ...shape.Shape) ([]shape.Shape, error) {
	if err := expectShapes("batch normalization", inputs, 1); err != nil {
		return nil, err
	}
	return []shape.Shape{inputs[0].Clone()}, nil
}

// ClassName implements Layer.
func (bn *BatchNormalization[B]) ClassName() string { return "BatchNormalization" }

// Name implements Layer.
func (bn *BatchNormalization[B]) Name() string { return bn.cfg.Name }

// GetConfig implements Layer.
func (bn *BatchNormalization[B]) GetConfig() any { return bn.cfg }
