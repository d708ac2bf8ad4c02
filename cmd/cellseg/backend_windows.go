//go:build windows

package main

import (
	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/backend/webgpu"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type gpuBackend = *autodiff.Backend[*webgpu.Backend]

type gpuTask interface {
	runWebGPU(b gpuBackend) error
}

func runWebGPU(log *logrus.Logger, t task) error {
	gt, ok := t.(gpuTask)
	if !ok || !webgpu.IsAvailable() {
		log.Warn("webgpu not available, using cpu")
		return t.runCPU(autodiff.New(cpu.New()))
	}
	gpu, err := webgpu.New()
	if err != nil {
		return errors.Wrap(err, "init webgpu")
	}
	defer gpu.Release()
	return gt.runWebGPU(autodiff.New(gpu))
}

func (t predictTask) runWebGPU(b gpuBackend) error {
	return predict(t.cfg, b, t.img, t.out, t.log)
}

func (t summaryTask) runWebGPU(b gpuBackend) error { return summarize(t.cfg, b, t.log) }
