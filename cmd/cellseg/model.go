package main

import (
	"flag"
	"strings"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/cellseg/modelzoo"
)

// modelFlags are the FPNet flags shared by every command.
type modelFlags struct {
	backbone    string
	size        int
	channels    int
	classes     int
	filters     int
	featureSize int
	norm        string
	device      string
}

func (m *modelFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&m.backbone, "backbone", envString("CELLSEG_BACKBONE", modelzoo.BackboneDeepCell),
		"backbone: "+strings.Join(modelzoo.ValidBackbones(), ", "))
	fs.IntVar(&m.size, "size", envInt("CELLSEG_SIZE", 128), "model input height and width")
	fs.IntVar(&m.channels, "channels", envInt("CELLSEG_CHANNELS", 1), "input image channels (1 or 3)")
	fs.IntVar(&m.classes, "classes", envInt("CELLSEG_CLASSES", 3), "number of semantic classes")
	fs.IntVar(&m.filters, "filters", envInt("CELLSEG_FILTERS", 32), "backbone filters")
	fs.IntVar(&m.featureSize, "feature-size", envInt("CELLSEG_FEATURE_SIZE", 256), "pyramid feature channels")
	fs.StringVar(&m.norm, "norm", envString("CELLSEG_NORM", "whole_image"), "input normalization: whole_image, max or none")
	fs.StringVar(&m.device, "device", envString("CELLSEG_DEVICE", "cpu"), "compute device: cpu or webgpu")
}

func (m *modelFlags) config() (modelzoo.FPNetConfig, error) {
	if m.channels != 1 && m.channels != 3 {
		return modelzoo.FPNetConfig{}, errors.Errorf("channels must be 1 or 3, got %d", m.channels)
	}
	cfg := modelzoo.DefaultFPNetConfig()
	cfg.Backbone = m.backbone
	cfg.InputShape = [3]int{m.size, m.size, m.channels}
	cfg.NClasses = m.classes
	cfg.NFilters = m.filters
	cfg.FeatureSize = m.featureSize
	cfg.NormMethod = m.norm
	return cfg, nil
}

// cpuBackend is the autodiff CPU backend every command can run on.
type cpuBackend = *autodiff.Backend[*cpu.Backend]

// task is a command body bound to its inputs. Each task also has a webgpu
// entry point on platforms that provide the backend.
type task interface {
	runCPU(b cpuBackend) error
}

// withBackend runs t on the requested device. webgpu falls back to the CPU
// when the platform or the adapter is missing.
func withBackend(device string, log *logrus.Logger, t task) error {
	switch device {
	case "cpu":
		return t.runCPU(autodiff.New(cpu.New()))
	case "webgpu":
		return runWebGPU(log, t)
	default:
		return errors.Errorf("unknown device %q: must be cpu or webgpu", device)
	}
}
