// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package shape describes partially known tensor shapes used when a model is
// assembled, before any tensor exists.
//
//	s := shape.Of(-1, 128, 128, 3)
//	fmt.Println(s) // (None, 128, 128, 3)
package shape

import (
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/cellseg/internal/shape"
)

// Dim is a single dimension. Unknown dimensions are negative.
type Dim = shape.Dim

// Shape is a partially known tensor shape.
type Shape = shape.Shape

// Unknown marks a dimension whose size is only known at call time.
const Unknown = shape.Unknown

// Of builds a shape from ints; negative values become Unknown.
func Of(dims ...int) Shape {
	return shape.Of(dims...)
}

// FromTensor converts a runtime tensor shape into a fully known Shape.
func FromTensor(ts tensor.Shape) Shape {
	return shape.FromTensor(ts)
}
