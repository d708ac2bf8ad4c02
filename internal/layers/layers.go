// Package layers implements the detection and segmentation layers used by the
// RetinaNet and FPN model builders.
//
// Every layer satisfies Layer: it can be called on tensors, infer its output
// shapes without running, and report a configuration that Deserialize turns
// back into an equivalent layer. Each layer also has a typed Forward method
// that is the preferred entry point from Go code.
package layers

import (
	"fmt"

	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"github.com/born-ml/cellseg/internal/shape"
)

// ErrInvalidConfig is returned when a layer configuration cannot be used.
var ErrInvalidConfig = errors.New("invalid layer configuration")

// Layer is the capability shared by every layer in this package.
type Layer[B tensor.Backend] interface {
	// ClassName identifies the layer kind in serialized configurations.
	ClassName() string

	// Name is the instance name.
	Name() string

	// Call runs the layer on positional inputs and returns its outputs.
	Call(inputs ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B]

	// ComputeOutputShape derives output shapes from input shapes.
	ComputeOutputShape(inputs ...shape.Shape) ([]shape.Shape, error)

	// GetConfig returns the layer configuration struct.
	GetConfig() any
}

// DataFormat is the ordering of image tensor axes.
type DataFormat string

// Supported data formats.
const (
	ChannelsLast  DataFormat = "channels_last"  // (batch, height, width, channels)
	ChannelsFirst DataFormat = "channels_first" // (batch, channels, height, width)
)

// Normalize resolves the empty format to ChannelsLast and rejects unknown
// values.
func (f DataFormat) Normalize() (DataFormat, error) {
	switch f {
	case "":
		return ChannelsLast, nil
	case ChannelsLast, ChannelsFirst:
		return f, nil
	default:
		return "", errors.Wrapf(ErrInvalidConfig, "data format %q: expected %q or %q", f, ChannelsLast, ChannelsFirst)
	}
}

// RowAxis returns the axis holding image rows in a rank-4 tensor.
func (f DataFormat) RowAxis() int {
	if f == ChannelsFirst {
		return 2
	}
	return 1
}

// ChannelAxis returns the channel axis of a tensor with the given rank.
func (f DataFormat) ChannelAxis(rank int) int {
	if f == ChannelsFirst {
		return 1
	}
	return rank - 1
}

func expectInputs[B tensor.Backend](layer string, inputs []*tensor.Tensor[float32, B], n int) {
	if len(inputs) != n {
		panic(fmt.Sprintf("%s: expected %d inputs, got %d", layer, n, len(inputs)))
	}
}

func expectRank[B tensor.Backend](layer, what string, t *tensor.Tensor[float32, B], rank int) {
	if got := len(t.Shape()); got != rank {
		panic(fmt.Sprintf("%s: expected %dD %s, got %dD", layer, rank, what, got))
	}
}

func expectShapes(layer string, inputs []shape.Shape, n int) error {
	if len(inputs) != n {
		return errors.Errorf("%s: expected %d input shapes, got %d", layer, n, len(inputs))
	}
	return nil
}

func expectShapeRank(layer, what string, s shape.Shape, rank int) error {
	if s.Rank() != rank {
		return errors.Errorf("%s: expected rank %d %s, got %s", layer, rank, what, s)
	}
	return nil
}
