// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package modelzoo assembles cell segmentation models.
//
// # Overview
//
// This package contains:
//   - Backbones: deepcell, or a pretrained network such as resnet50
//   - FeaturePyramid: top-down feature pyramid over backbone levels
//   - SemanticHead: per-pixel classification from pyramid levels
//   - FPNet: backbone, pyramid and semantic head end to end
//
// # Basic Usage
//
//	backend := autodiff.New(cpu.New())
//
//	cfg := modelzoo.DefaultFPNetConfig()
//	cfg.InputShape = [3]int{256, 256, 1}
//
//	model, err := modelzoo.NewFPNet(cfg, backend)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	probs := model.Forward(images) // [batch, 256, 256, n_classes]
//
// Model tensors are NCHW internally; FPNet takes and returns channels_last
// tensors.
package modelzoo
