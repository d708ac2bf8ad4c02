// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package modelzoo

import (
	"github.com/born-ml/born/tensor"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/cellseg/internal/modelzoo"
)

// Backbone names.
const (
	BackboneDeepCell = modelzoo.BackboneDeepCell
	BackboneResNet50 = modelzoo.BackboneResNet50
)

// Backbone errors.
var (
	ErrInvalidBackbone     = modelzoo.ErrInvalidBackbone
	ErrBackboneUnavailable = modelzoo.ErrBackboneUnavailable
)

// ValidBackbones lists the accepted backbone names.
func ValidBackbones() []string {
	return modelzoo.ValidBackbones()
}

// ParseLevel returns the first decimal number in a level name such as "C3".
func ParseLevel(name string) (int, error) {
	return modelzoo.ParseLevel(name)
}

// Backbones

// Backbone extracts feature maps from an NCHW image batch.
type Backbone[B tensor.Backend] = modelzoo.Backbone[B]

// NewBackbone resolves a backbone by name.
func NewBackbone[B tensor.Backend](name string, inChannels, nFilters int, pretrained Backbone[B], backend B) (Backbone[B], error) {
	return modelzoo.NewBackbone(name, inChannels, nFilters, pretrained, backend)
}

// DeepCellBackbone is the five level deepcell backbone.
type DeepCellBackbone[B tensor.Backend] = modelzoo.DeepCellBackbone[B]

// NewDeepCellBackbone creates the deepcell backbone.
func NewDeepCellBackbone[B tensor.Backend](inChannels, nFilters int, backend B) (*DeepCellBackbone[B], error) {
	return modelzoo.NewDeepCellBackbone(inChannels, nFilters, backend)
}

// Feature pyramid

// PyramidOutputs holds pyramid levels and named intermediates.
type PyramidOutputs[B tensor.Backend] = modelzoo.PyramidOutputs[B]

// FeaturePyramid builds a top-down feature pyramid.
type FeaturePyramid[B tensor.Backend] = modelzoo.FeaturePyramid[B]

// NewFeaturePyramid creates a feature pyramid for backbone levels given
// finest first. log may be nil.
func NewFeaturePyramid[B tensor.Backend](names []string, channels []int, featureSize int, backend B, log *logrus.Entry) (*FeaturePyramid[B], error) {
	return modelzoo.NewFeaturePyramid(names, channels, featureSize, backend, log)
}

// CreatePyramidFeatures builds a pyramid and runs it on backboneFeatures.
func CreatePyramidFeatures[B tensor.Backend](
	backboneNames []string,
	backboneFeatures []*tensor.Tensor[float32, B],
	featureSize int,
	backend B,
) (*PyramidOutputs[B], error) {
	return modelzoo.CreatePyramidFeatures(backboneNames, backboneFeatures, featureSize, backend)
}

// Semantic head

// SemanticHeadConfig configures a semantic head.
type SemanticHeadConfig = modelzoo.SemanticHeadConfig

// SemanticHead turns pyramid maps into class probabilities.
type SemanticHead[B tensor.Backend] = modelzoo.SemanticHead[B]

// SemanticUpsample runs rounds of convolution and upsampling.
type SemanticUpsample[B tensor.Backend] = modelzoo.SemanticUpsample[B]

// DefaultSemanticHeadConfig returns the head configuration used by FPNet.
func DefaultSemanticHeadConfig() SemanticHeadConfig {
	return modelzoo.DefaultSemanticHeadConfig()
}

// NewSemanticUpsample creates a SemanticUpsample module.
func NewSemanticUpsample[B tensor.Backend](inChannels, nUpsample, nFilters int, backend B) (*SemanticUpsample[B], error) {
	return modelzoo.NewSemanticUpsample(inChannels, nUpsample, nFilters, backend)
}

// NewSemanticHead creates a semantic head. log may be nil.
func NewSemanticHead[B tensor.Backend](names []string, channels []int, cfg SemanticHeadConfig, backend B, log *logrus.Entry) (*SemanticHead[B], error) {
	return modelzoo.NewSemanticHead(names, channels, cfg, backend, log)
}

// CreateSemanticHead builds a semantic head and runs it on pyramidFeatures.
func CreateSemanticHead[B tensor.Backend](
	pyramidNames []string,
	pyramidFeatures []*tensor.Tensor[float32, B],
	target *tensor.Tensor[float32, B],
	cfg SemanticHeadConfig,
	backend B,
) (*tensor.Tensor[float32, B], error) {
	return modelzoo.CreateSemanticHead(pyramidNames, pyramidFeatures, target, cfg, backend)
}

// FPNet

// FPNetConfig configures an FPNet model.
type FPNetConfig = modelzoo.FPNetConfig

// FPNet is a feature pyramid network with a semantic segmentation head.
type FPNet[B tensor.Backend] = modelzoo.FPNet[B]

// Option customises NewFPNet.
type Option[B tensor.Backend] = modelzoo.Option[B]

// DefaultFPNetConfig returns a deepcell FPNet for 128x128 RGB input.
func DefaultFPNetConfig() FPNetConfig {
	return modelzoo.DefaultFPNetConfig()
}

// WithLogger sets the entry used for assembly logs.
func WithLogger[B tensor.Backend](log *logrus.Entry) Option[B] {
	return modelzoo.WithLogger[B](log)
}

// WithPretrainedBackbone supplies the network behind a pretrained backbone
// name.
func WithPretrainedBackbone[B tensor.Backend](backbone Backbone[B]) Option[B] {
	return modelzoo.WithPretrainedBackbone(backbone)
}

// NewFPNet assembles an FPNet.
func NewFPNet[B tensor.Backend](cfg FPNetConfig, backend B, opts ...Option[B]) (*FPNet[B], error) {
	return modelzoo.NewFPNet(cfg, backend, opts...)
}
