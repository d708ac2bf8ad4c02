package modelzoo

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/cellseg/internal/layers"
	"github.com/born-ml/cellseg/internal/shape"
)

// FPNetConfig configures an FPNet model.
type FPNetConfig struct {
	Backbone         string `json:"backbone"`
	InputShape       [3]int `json:"input_shape"` // height, width, channels
	NormMethod       string `json:"norm_method"`
	RequiredChannels int    `json:"required_channels"`
	NClasses         int    `json:"n_classes"`
	NFilters         int    `json:"n_filters"`
	FeatureSize      int    `json:"feature_size"`
	HeadFilters      int    `json:"head_filters"`
	Name             string `json:"name"`
}

// DefaultFPNetConfig returns a deepcell FPNet for 128x128 RGB input.
func DefaultFPNetConfig() FPNetConfig {
	return FPNetConfig{
		Backbone:         BackboneDeepCell,
		InputShape:       [3]int{128, 128, 3},
		NormMethod:       layers.NormWholeImage,
		RequiredChannels: 3,
		NClasses:         3,
		NFilters:         32,
		FeatureSize:      256,
		HeadFilters:      128,
		Name:             "fpnet",
	}
}

// Option customises NewFPNet.
type Option[B tensor.Backend] func(*options[B])

type options[B tensor.Backend] struct {
	log        *logrus.Entry
	pretrained Backbone[B]
}

// WithLogger sets the entry used for assembly logs.
func WithLogger[B tensor.Backend](log *logrus.Entry) Option[B] {
	return func(o *options[B]) { o.log = log }
}

// WithPretrainedBackbone supplies the network behind a pretrained backbone
// name such as resnet50.
func WithPretrainedBackbone[B tensor.Backend](backbone Backbone[B]) Option[B] {
	return func(o *options[B]) { o.pretrained = backbone }
}

// FPNet is a feature pyramid network with a semantic segmentation head.
//
// Input:  [batch, height, width, channels]
// Output: [batch, height, width, n_classes], softmax over the last axis
//
// The input is normalized, projected to RequiredChannels, passed through the
// backbone and pyramid, and every pyramid level except the coarsest feeds the
// semantic head at the resolution of the input.
type FPNet[B tensor.Backend] struct {
	cfg      FPNetConfig
	norm     *layers.ImageNormalization2D[B]
	fix      *layers.TensorProduct[B]
	backbone Backbone[B]
	pyramid  *FeaturePyramid[B]
	head     *SemanticHead[B]
	log      *logrus.Entry
}

// NewFPNet assembles an FPNet.
func NewFPNet[B tensor.Backend](cfg FPNetConfig, backend B, opts ...Option[B]) (*FPNet[B], error) {
	o := options[B]{log: logrus.NewEntry(logrus.StandardLogger())}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Name == "" {
		cfg.Name = "fpnet"
	}
	log := o.log.WithField("model", cfg.Name)

	for i, d := range cfg.InputShape {
		if d <= 0 {
			return nil, errors.Wrapf(layers.ErrInvalidConfig, "fpnet: input shape %v has non-positive dim %d", cfg.InputShape, i)
		}
	}
	if cfg.RequiredChannels <= 0 || cfg.NClasses <= 0 || cfg.FeatureSize <= 0 || cfg.HeadFilters <= 0 {
		return nil, errors.Wrapf(layers.ErrInvalidConfig, "fpnet: non-positive size in %+v", cfg)
	}

	norm, err := layers.NewImageNormalization2D[B](layers.ImageNormalization2DConfig{
		Name: "image_normalization", NormMethod: cfg.NormMethod, DataFormat: layers.ChannelsLast,
	})
	if err != nil {
		return nil, err
	}
	fix, err := layers.NewTensorProduct(layers.TensorProductConfig{
		Name: "fixed_inputs", InputDim: cfg.InputShape[2], OutputDim: cfg.RequiredChannels,
		UseBias: true, DataFormat: layers.ChannelsLast,
	}, backend)
	if err != nil {
		return nil, err
	}

	backbone, err := NewBackbone(cfg.Backbone, cfg.RequiredChannels, cfg.NFilters, o.pretrained, backend)
	if err != nil {
		return nil, errors.Wrap(err, "fpnet")
	}
	log.WithFields(logrus.Fields{"backbone": cfg.Backbone, "levels": backbone.Names()}).Debug("backbone ready")

	pyramid, err := NewFeaturePyramid(backbone.Names(), backbone.Channels(), cfg.FeatureSize, backend, log)
	if err != nil {
		return nil, err
	}

	names := pyramid.Names()
	targetLevel, err := ParseLevel(names[0])
	if err != nil {
		return nil, err
	}
	headNames := names[:len(names)-1]
	headChannels := make([]int, len(headNames))
	for i := range headChannels {
		headChannels[i] = cfg.FeatureSize
	}
	headCfg := DefaultSemanticHeadConfig()
	headCfg.TargetLevel = targetLevel
	headCfg.NClasses = cfg.NClasses
	headCfg.NFilters = cfg.HeadFilters
	head, err := NewSemanticHead(headNames, headChannels, headCfg, backend, log)
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{"pyramid": names, "target_level": targetLevel}).Info("fpnet assembled")
	return &FPNet[B]{
		cfg:      cfg,
		norm:     norm,
		fix:      fix,
		backbone: backbone,
		pyramid:  pyramid,
		head:     head,
		log:      log,
	}, nil
}

// Config returns the model configuration.
func (m *FPNet[B]) Config() FPNetConfig {
	return m.cfg
}

// Forward predicts per pixel class probabilities.
func (m *FPNet[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	out, _ := m.ForwardWithIntermediates(x)
	return out
}

// ForwardWithIntermediates is Forward that also returns every named
// intermediate tensor: backbone levels, pyramid and head internals.
// Intermediates are NCHW except "normalized", "fixed_inputs" and "output".
func (m *FPNet[B]) ForwardWithIntermediates(x *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], map[string]*tensor.Tensor[float32, B]) {
	s := x.Shape()
	if len(s) != 4 {
		panic(fmt.Sprintf("fpnet: expected 4D input [N,H,W,C], got %dD", len(s)))
	}
	if s[1] != m.cfg.InputShape[0] || s[2] != m.cfg.InputShape[1] || s[3] != m.cfg.InputShape[2] {
		panic(fmt.Sprintf("fpnet: input %v does not match configured shape %v", s, m.cfg.InputShape))
	}
	inter := make(map[string]*tensor.Tensor[float32, B])

	normalized := m.norm.Forward(x)
	fixed := m.fix.Forward(normalized)
	inter["normalized"] = normalized
	inter["fixed_inputs"] = fixed

	nchw := fixed.Transpose(0, 3, 1, 2)
	features := m.backbone.Forward(nchw)
	for i, name := range m.backbone.Names() {
		inter[name] = features[i]
	}

	pyr := m.pyramid.Forward(features)
	for name, t := range pyr.Intermediates {
		inter[name] = t
	}

	n := len(pyr.Features) - 1
	probs, headInter := m.head.ForwardWithIntermediates(pyr.Features[:n], nchw)
	for name, t := range headInter {
		inter[name] = t
	}

	out := probs.Transpose(0, 2, 3, 1)
	inter["output"] = out
	return out, inter
}

// ComputeOutputShape derives the output shape for an input shape
// (batch, height, width, channels).
func (m *FPNet[B]) ComputeOutputShape(input shape.Shape) (shape.Shape, error) {
	if input.Rank() != 4 {
		return nil, errors.Errorf("fpnet: expected rank 4 input, got %s", input)
	}
	want := shape.Of(-1, m.cfg.InputShape[0], m.cfg.InputShape[1], m.cfg.InputShape[2])
	for i := 1; i < 4; i++ {
		if input[i].Known() && input[i] != want[i] {
			return nil, errors.Errorf("fpnet: input %s does not match configured %s", input, want)
		}
	}
	return shape.Shape{input[0], want[1], want[2], shape.Dim(m.cfg.NClasses)}, nil
}

// Parameters returns every trainable parameter.
func (m *FPNet[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	params = append(params, m.fix.Parameters()...)
	params = append(params, m.backbone.Parameters()...)
	params = append(params, m.pyramid.Parameters()...)
	return append(params, m.head.Parameters()...)
}

// NumParameters returns the number of trainable scalars.
func (m *FPNet[B]) NumParameters() int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.Tensor().NumElements()
	}
	return total
}

// SetTraining switches batch normalization between batch and running
// statistics.
func (m *FPNet[B]) SetTraining(training bool) {
	m.backbone.SetTraining(training)
	m.head.SetTraining(training)
}

// PyramidNames returns the pyramid level names, finest first, including the
// coarsest level that the head ignores.
func (m *FPNet[B]) PyramidNames() []string {
	return m.pyramid.Names()
}
