//go:build !windows

package main

import (
	"runtime"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/sirupsen/logrus"
)

// runWebGPU falls back to the CPU: the webgpu backend is built for windows
// only.
func runWebGPU(log *logrus.Logger, t task) error {
	log.WithField("os", runtime.GOOS).Warn("webgpu not supported on this platform, using cpu")
	return t.runCPU(autodiff.New(cpu.New()))
}
