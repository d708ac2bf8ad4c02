package layers

import (
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/cellseg/internal/shape"
)

// ShapeOf returns the runtime shape of its input as a 1D tensor. It feeds the
// image shape input of RoiAlign.Call.
type ShapeOf[B tensor.Backend] struct {
	name string
}

// NewShapeOf creates a ShapeOf layer.
func NewShapeOf[B tensor.Backend](name string) *ShapeOf[B] {
	if name == "" {
		name = "shape"
	}
	return &ShapeOf[B]{name: name}
}

// Forward returns x's dimensions as float32 values.
func (s *ShapeOf[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	dims := x.Shape()
	values := make([]float32, len(dims))
	for i, d := range dims {
		values[i] = float32(d)
	}
	return constant(values, tensor.Shape{len(dims)}, x.Backend())
}

// Call implements Layer.
func (s *ShapeOf[B]) Call(inputs ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	expectInputs("shape", inputs, 1)
	return []*tensor.Tensor[float32, B]{s.Forward(inputs[0])}
}

// ComputeOutputShape implements Layer.
func (s *ShapeOf[B]) ComputeOutputShape(inputs ...shape.Shape) ([]shape.Shape, error) {
	if err := expectShapes("shape", inputs, 1); err != nil {
		return nil, err
	}
	return []shape.Shape{{shape.Dim(inputs[0].Rank())}}, nil
}

// ClassName implements Layer.
func (s *ShapeOf[B]) ClassName() string { return "Shape" }

// Name implements Layer.
func (s *ShapeOf[B]) Name() string { return s.name }

// GetConfig implements Layer.
func (s *ShapeOf[B]) GetConfig() any { return struct{}{} }
