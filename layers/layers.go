// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package layers

import (
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/cellseg/internal/layers"
)

// ErrInvalidConfig is returned when a layer configuration cannot be used.
var ErrInvalidConfig = layers.ErrInvalidConfig

// Layer is the capability shared by every layer.
type Layer[B tensor.Backend] = layers.Layer[B]

// DataFormat is the ordering of image tensor axes.
type DataFormat = layers.DataFormat

// Supported data formats.
const (
	ChannelsLast  = layers.ChannelsLast
	ChannelsFirst = layers.ChannelsFirst
)

// Normalization methods.
const (
	NormWholeImage = layers.NormWholeImage
	NormMax        = layers.NormMax
	NormNone       = layers.NormNone
)

// Envelope is the serialized form of a layer.
type Envelope = layers.Envelope

// Serialize encodes a layer's class, name and configuration as JSON.
func Serialize[B tensor.Backend](layer Layer[B]) ([]byte, error) {
	return layers.Serialize(layer)
}

// Deserialize rebuilds a layer from the output of Serialize.
func Deserialize[B tensor.Backend](data []byte, backend B) (Layer[B], error) {
	return layers.Deserialize(data, backend)
}

// Detection

// AnchorsConfig configures an Anchors layer.
type AnchorsConfig = layers.AnchorsConfig

// Anchors tiles anchor boxes over a feature map.
type Anchors[B tensor.Backend] = layers.Anchors[B]

// NewAnchors creates an Anchors layer.
func NewAnchors[B tensor.Backend](cfg AnchorsConfig) (*Anchors[B], error) {
	return layers.NewAnchors[B](cfg)
}

// RegressBoxesConfig configures a RegressBoxes layer.
type RegressBoxesConfig = layers.RegressBoxesConfig

// RegressBoxes applies regression deltas to anchors.
type RegressBoxes[B tensor.Backend] = layers.RegressBoxes[B]

// NewRegressBoxes creates a RegressBoxes layer.
func NewRegressBoxes[B tensor.Backend](cfg RegressBoxesConfig) (*RegressBoxes[B], error) {
	return layers.NewRegressBoxes[B](cfg)
}

// ClipBoxesConfig configures a ClipBoxes layer.
type ClipBoxesConfig = layers.ClipBoxesConfig

// ClipBoxes clamps boxes to the image bounds.
type ClipBoxes[B tensor.Backend] = layers.ClipBoxes[B]

// NewClipBoxes creates a ClipBoxes layer.
func NewClipBoxes[B tensor.Backend](cfg ClipBoxesConfig) (*ClipBoxes[B], error) {
	return layers.NewClipBoxes[B](cfg)
}

// FilterDetectionsConfig configures a FilterDetections layer.
type FilterDetectionsConfig = layers.FilterDetectionsConfig

// FilterDetections scores, suppresses and pads final detections.
type FilterDetections[B tensor.Backend] = layers.FilterDetections[B]

// DefaultFilterDetectionsConfig returns the standard inference settings.
func DefaultFilterDetectionsConfig() FilterDetectionsConfig {
	return layers.DefaultFilterDetectionsConfig()
}

// NewFilterDetections creates a FilterDetections layer.
func NewFilterDetections[B tensor.Backend](cfg FilterDetectionsConfig) (*FilterDetections[B], error) {
	return layers.NewFilterDetections[B](cfg)
}

// Instance masks

// ConcatenateBoxes appends flattened per-box values to boxes.
type ConcatenateBoxes[B tensor.Backend] = layers.ConcatenateBoxes[B]

// NewConcatenateBoxes creates a ConcatenateBoxes layer.
func NewConcatenateBoxes[B tensor.Backend](name string) *ConcatenateBoxes[B] {
	return layers.NewConcatenateBoxes[B](name)
}

// ConcatenateBoxesMasks appends flattened masks to detection boxes.
type ConcatenateBoxesMasks[B tensor.Backend] = layers.ConcatenateBoxesMasks[B]

// NewConcatenateBoxesMasks creates a ConcatenateBoxesMasks layer.
func NewConcatenateBoxesMasks[B tensor.Backend](name string) *ConcatenateBoxesMasks[B] {
	return layers.NewConcatenateBoxesMasks[B](name)
}

// RoiAlignConfig configures a RoiAlign layer.
type RoiAlignConfig = layers.RoiAlignConfig

// RoiAlign crops feature patches for the highest scoring boxes.
type RoiAlign[B tensor.Backend] = layers.RoiAlign[B]

// DefaultRoiAlignConfig returns the standard RoI Align configuration.
func DefaultRoiAlignConfig() RoiAlignConfig {
	return layers.DefaultRoiAlignConfig()
}

// NewRoiAlign creates a RoiAlign layer.
func NewRoiAlign[B tensor.Backend](cfg RoiAlignConfig) (*RoiAlign[B], error) {
	return layers.NewRoiAlign[B](cfg)
}

// ShapeOf returns the runtime shape of its input.
type ShapeOf[B tensor.Backend] = layers.ShapeOf[B]

// NewShapeOf creates a ShapeOf layer.
func NewShapeOf[B tensor.Backend](name string) *ShapeOf[B] {
	return layers.NewShapeOf[B](name)
}

// Segmentation

// UpsampleLikeConfig configures an UpsampleLike layer.
type UpsampleLikeConfig = layers.UpsampleLikeConfig

// UpsampleLike resizes a tensor to the spatial size of another.
type UpsampleLike[B tensor.Backend] = layers.UpsampleLike[B]

// NewUpsampleLike creates an UpsampleLike layer.
func NewUpsampleLike[B tensor.Backend](cfg UpsampleLikeConfig) (*UpsampleLike[B], error) {
	return layers.NewUpsampleLike[B](cfg)
}

// TensorProductConfig configures a TensorProduct layer.
type TensorProductConfig = layers.TensorProductConfig

// TensorProduct is a per-position dense projection of the channel axis.
type TensorProduct[B tensor.Backend] = layers.TensorProduct[B]

// NewTensorProduct creates a TensorProduct layer.
func NewTensorProduct[B tensor.Backend](cfg TensorProductConfig, backend B) (*TensorProduct[B], error) {
	return layers.NewTensorProduct(cfg, backend)
}

// ImageNormalization2DConfig configures an ImageNormalization2D layer.
type ImageNormalization2DConfig = layers.ImageNormalization2DConfig

// ImageNormalization2D normalizes raw images.
type ImageNormalization2D[B tensor.Backend] = layers.ImageNormalization2D[B]

// NewImageNormalization2D creates an ImageNormalization2D layer.
func NewImageNormalization2D[B tensor.Backend](cfg ImageNormalization2DConfig) (*ImageNormalization2D[B], error) {
	return layers.NewImageNormalization2D[B](cfg)
}

// BatchNormalizationConfig configures a BatchNormalization layer.
type BatchNormalizationConfig = layers.BatchNormalizationConfig

// BatchNormalization normalizes each channel of an image batch.
type BatchNormalization[B tensor.Backend] = layers.BatchNormalization[B]

// DefaultBatchNormalizationConfig returns momentum 0.99 and epsilon 1e-3.
func DefaultBatchNormalizationConfig(channels int) BatchNormalizationConfig {
	return layers.DefaultBatchNormalizationConfig(channels)
}

// NewBatchNormalization creates a BatchNormalization layer.
func NewBatchNormalization[B tensor.Backend](cfg BatchNormalizationConfig, backend B) (*BatchNormalization[B], error) {
	return layers.NewBatchNormalization(cfg, backend)
}

// Tensor helpers

// ReLU applies max(0, x).
func ReLU[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return layers.ReLU(x)
}

// StopGradient returns x cut off from the gradient tape.
func StopGradient[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return layers.StopGradient(x)
}

// ResizeNearest resamples an NCHW tensor with nearest neighbour sampling.
func ResizeNearest[B tensor.Backend](x *tensor.Tensor[float32, B], outH, outW int) *tensor.Tensor[float32, B] {
	return layers.ResizeNearest(x, outH, outW)
}

// ResizeBilinear resamples an NCHW tensor with bilinear sampling.
func ResizeBilinear[B tensor.Backend](x *tensor.Tensor[float32, B], outH, outW int) *tensor.Tensor[float32, B] {
	return layers.ResizeBilinear(x, outH, outW)
}
