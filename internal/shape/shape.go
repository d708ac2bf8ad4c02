// Package shape implements static shape inference for layers.
//
// A Shape is a list of dimensions where any dimension may be Unknown. Shapes
// describe tensors at model-assembly time and are never used for runtime
// values; runtime tensors always carry a fully known tensor.Shape.
package shape

import (
	"strconv"
	"strings"

	"github.com/born-ml/born/tensor"
)

// Dim is a single dimension. Negative values mean the size is not known
// until the tensor exists.
type Dim int

// Unknown marks a dimension whose size is only known at call time.
const Unknown Dim = -1

// Known reports whether the dimension has a static size.
func (d Dim) Known() bool {
	return d >= 0
}

// String renders the dimension, using "None" for unknown sizes.
func (d Dim) String() string {
	if !d.Known() {
		return "None"
	}
	return strconv.Itoa(int(d))
}

// Shape is a partially known tensor shape.
type Shape []Dim

// Of builds a shape from ints; negative values become Unknown.
func Of(dims ...int) Shape {
	s := make(Shape, len(dims))
	for i, d := range dims {
		if d < 0 {
			s[i] = Unknown
			continue
		}
		s[i] = Dim(d)
	}
	return s
}

// FromTensor converts a runtime tensor shape into a fully known Shape.
func FromTensor(ts tensor.Shape) Shape {
	return Of(ts...)
}

// Rank returns the number of dimensions.
func (s Shape) Rank() int {
	return len(s)
}

// IsFullyDefined reports whether every dimension is known.
func (s Shape) IsFullyDefined() bool {
	for _, d := range s {
		if !d.Known() {
			return false
		}
	}
	return true
}

// Product multiplies the dimensions. The result is Unknown if any factor is.
func (s Shape) Product() Dim {
	p := Dim(1)
	for _, d := range s {
		if !d.Known() {
			return Unknown
		}
		p *= d
	}
	return p
}

// Equal compares two shapes dimension by dimension. Unknown matches only Unknown.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Compatible reports whether the shapes could describe the same tensor.
func (s Shape) Compatible(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i].Known() && other[i].Known() && s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	c := make(Shape, len(s))
	copy(c, s)
	return c
}

// Ints returns the dimensions as ints, with -1 for unknown sizes.
func (s Shape) Ints() []int {
	out := make([]int, len(s))
	for i, d := range s {
		out[i] = int(d)
	}
	return out
}

// Tensor converts a fully defined shape to a runtime tensor shape.
// It returns false if any dimension is unknown.
func (s Shape) Tensor() (tensor.Shape, bool) {
	if !s.IsFullyDefined() {
		return nil, false
	}
	return tensor.Shape(s.Ints()), true
}

// String renders the shape as "(None, 128, 128, 3)".
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = d.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
