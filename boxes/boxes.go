// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package boxes provides the box geometry used by the detection layers.
//
// Boxes are (x1, y1, x2, y2) in pixels. Functions working on many boxes take
// flat float32 slices of consecutive quadruples, matching the layout of a
// [batch, N, 4] tensor.
//
// # Anchors
//
//	params := boxes.DefaultAnchorParameters()
//	template := boxes.GenerateAnchors(32, params.Ratios, params.Scales)
//	anchors := boxes.Shift(rows, cols, 8, template)
//
// # Regression
//
// BBoxTransform encodes ground truth boxes as normalised deltas against
// anchors and BBoxTransformInv decodes them again.
package boxes

import "github.com/born-ml/cellseg/internal/boxes"

// AnchorParameters groups the per-level anchor configuration.
type AnchorParameters = boxes.AnchorParameters

// DefaultAnchorParameters returns the standard configuration for pyramid
// levels P3..P7.
func DefaultAnchorParameters() AnchorParameters {
	return boxes.DefaultAnchorParameters()
}

// GenerateAnchors returns the anchor template for one pyramid level, centred
// on the origin.
func GenerateAnchors(baseSize float32, ratios, scales []float32) [][4]float32 {
	return boxes.GenerateAnchors(baseSize, ratios, scales)
}

// Shift tiles an anchor template over a rows x cols grid with the given
// stride.
func Shift(rows, cols int, stride float32, anchors [][4]float32) []float32 {
	return boxes.Shift(rows, cols, stride, anchors)
}

// DefaultMean returns the default delta mean.
func DefaultMean() [4]float32 {
	return boxes.DefaultMean
}

// DefaultStd returns the default delta standard deviation.
func DefaultStd() [4]float32 {
	return boxes.DefaultStd
}

// BBoxTransformInv decodes deltas against anchors.
func BBoxTransformInv(anchors, deltas []float32, mean, std [4]float32) []float32 {
	return boxes.BBoxTransformInv(anchors, deltas, mean, std)
}

// BBoxTransform encodes targets as deltas against anchors.
func BBoxTransform(anchors, targets []float32, mean, std [4]float32) []float32 {
	return boxes.BBoxTransform(anchors, targets, mean, std)
}

// IoU returns the intersection over union of two boxes.
func IoU(a, b [4]float32) float32 {
	return boxes.IoU(a, b)
}

// NMS performs greedy non-maximum suppression and returns the kept indices,
// highest score first.
func NMS(bx [][4]float32, scores []float32, iouThreshold float32, maxOutput int) []int {
	return boxes.NMS(bx, scores, iouThreshold, maxOutput)
}
