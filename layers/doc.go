// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package layers provides the detection and segmentation layers of cellseg.
//
// # Overview
//
// This package contains:
//   - Detection: Anchors, RegressBoxes, ClipBoxes, FilterDetections
//   - Instance masks: RoiAlign, ConcatenateBoxes, ConcatenateBoxesMasks
//   - Segmentation: UpsampleLike, TensorProduct, ImageNormalization2D,
//     BatchNormalization
//   - Serialization: Serialize, Deserialize
//
// Every layer implements Layer, so it can be called on tensors, infer its
// output shapes statically and be rebuilt from its configuration.
//
// # Basic Usage
//
//	backend := autodiff.New(cpu.New())
//
//	anchors, _ := layers.NewAnchors[*autodiff.Backend[*cpu.Backend]](layers.AnchorsConfig{
//	    Size:   32,
//	    Stride: 8,
//	})
//	regress, _ := layers.NewRegressBoxes[*autodiff.Backend[*cpu.Backend]](layers.RegressBoxesConfig{})
//
//	boxes := regress.Forward(anchors.Forward(features), deltas)
//
// # Data formats
//
// Image layers accept ChannelsLast (the default) or ChannelsFirst tensors.
//
// # Serialization
//
//	data, _ := layers.Serialize(roiAlign)
//	restored, _ := layers.Deserialize(data, backend)
package layers
