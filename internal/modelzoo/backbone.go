// Package modelzoo assembles segmentation models from backbones, a feature
// pyramid and a semantic head.
//
// All tensors inside the package are NCHW. FPNet converts from and to the
// channels_last layout at its boundary.
package modelzoo

import (
	"fmt"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"github.com/born-ml/cellseg/internal/layers"
)

// Backbone names.
const (
	BackboneDeepCell = "deepcell"
	BackboneResNet50 = "resnet50"
)

var (
	// ErrInvalidBackbone is returned for backbone names outside ValidBackbones.
	ErrInvalidBackbone = errors.New("invalid backbone")

	// ErrBackboneUnavailable is returned when a recognised pretrained
	// backbone was requested but none was supplied.
	ErrBackboneUnavailable = errors.New("backbone unavailable")
)

// ValidBackbones lists the accepted backbone names.
func ValidBackbones() []string {
	return []string{BackboneResNet50, BackboneDeepCell}
}

// Backbone extracts a list of feature maps from an NCHW image batch.
type Backbone[B tensor.Backend] interface {
	// Forward returns the feature maps ordered finest first.
	Forward(x *tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B]

	// Names returns one level name per feature map, e.g. "C3".
	Names() []string

	// Channels returns the channel count of each feature map.
	Channels() []int

	Parameters() []*nn.Parameter[B]
	SetTraining(training bool)
}

// NewBackbone resolves a backbone by name. resnet50 is not built here: the
// caller passes its pretrained implementation, and nil yields
// ErrBackboneUnavailable.
func NewBackbone[B tensor.Backend](name string, inChannels, nFilters int, pretrained Backbone[B], backend B) (Backbone[B], error) {
	switch strings.ToLower(name) {
	case BackboneDeepCell:
		dc, err := NewDeepCellBackbone(inChannels, nFilters, backend)
		if err != nil {
			return nil, err
		}
		return dc, nil
	case BackboneResNet50:
		if pretrained == nil {
			return nil, errors.Wrapf(ErrBackboneUnavailable, "%s: supply the pretrained network with WithPretrainedBackbone", name)
		}
		return pretrained, nil
	default:
		return nil, errors.Wrapf(ErrInvalidBackbone, "%q: must be one of: %s", name, strings.Join(ValidBackbones(), ", "))
	}
}

// dcBlock is conv-bn-relu twice followed by a 2x2 max pool.
type dcBlock[B tensor.Backend] struct {
	conv1, conv2 *nn.Conv2D[B]
	bn1, bn2     *layers.BatchNormalization[B]
	pool         *nn.MaxPool2D[B]
}

func newDCBlock[B tensor.Backend](name string, inChannels, nFilters int, backend B) (*dcBlock[B], error) {
	bn := func(suffix string) (*layers.BatchNormalization[B], error) {
		cfg := layers.DefaultBatchNormalizationConfig(nFilters)
		cfg.Name = name + "_" + suffix
		cfg.DataFormat = layers.ChannelsFirst
		return layers.NewBatchNormalization(cfg, backend)
	}
	bn1, err := bn("bn1")
	if err != nil {
		return nil, err
	}
	bn2, err := bn("bn2")
	if err != nil {
		return nil, err
	}
	return &dcBlock[B]{
		conv1: nn.NewConv2D(inChannels, nFilters, 3, 3, 1, 1, true, backend),
		conv2: nn.NewConv2D(nFilters, nFilters, 3, 3, 1, 1, true, backend),
		bn1:   bn1,
		bn2:   bn2,
		pool:  nn.NewMaxPool2D(2, 2, backend),
	}, nil
}

func (b *dcBlock[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	x = layers.ReLU(b.bn1.Forward(b.conv1.Forward(x)))
	x = layers.ReLU(b.bn2.Forward(b.conv2.Forward(x)))
	return b.pool.Forward(x)
}

func (b *dcBlock[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	params = append(params, b.conv1.Parameters()...)
	params = append(params, b.bn1.Parameters()...)
	params = append(params, b.conv2.Parameters()...)
	params = append(params, b.bn2.Parameters()...)
	return params
}

// DeepCellBackbone is five dc blocks producing C1..C5, each halving the
// spatial size.
type DeepCellBackbone[B tensor.Backend] struct {
	blocks   []*dcBlock[B]
	nFilters int
}

// NewDeepCellBackbone creates the deepcell backbone.
func NewDeepCellBackbone[B tensor.Backend](inChannels, nFilters int, backend B) (*DeepCellBackbone[B], error) {
	if inChannels <= 0 || nFilters <= 0 {
		return nil, errors.Wrapf(layers.ErrInvalidConfig, "deepcell backbone: invalid channels in=%d, filters=%d", inChannels, nFilters)
	}
	d := &DeepCellBackbone[B]{nFilters: nFilters}
	in := inChannels
	for i := 1; i <= 5; i++ {
		block, err := newDCBlock(fmt.Sprintf("C%d", i), in, nFilters, backend)
		if err != nil {
			return nil, err
		}
		d.blocks = append(d.blocks, block)
		in = nFilters
	}
	return d, nil
}

// Forward returns C1..C5.
func (d *DeepCellBackbone[B]) Forward(x *tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	outs := make([]*tensor.Tensor[float32, B], 0, len(d.blocks))
	for _, block := range d.blocks {
		x = block.Forward(x)
		outs = append(outs, x)
	}
	return outs
}

// Names returns C1..C5.
func (d *DeepCellBackbone[B]) Names() []string {
	return []string{"C1", "C2", "C3", "C4", "C5"}
}

// Channels returns the filter count for every level.
func (d *DeepCellBackbone[B]) Channels() []int {
	ch := make([]int, len(d.blocks))
	for i := range ch {
		ch[i] = d.nFilters
	}
	return ch
}

// Parameters returns the convolution and normalization parameters.
func (d *DeepCellBackbone[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	for _, b := range d.blocks {
		params = append(params, b.Parameters()...)
	}
	return params
}

// SetTraining switches every batch normalization layer.
func (d *DeepCellBackbone[B]) SetTraining(training bool) {
	for _, b := range d.blocks {
		b.bn1.SetTraining(training)
		b.bn2.SetTraining(training)
	}
}
