package layers

import (
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/cellseg/internal/shape"
)

// ConcatenateBoxes appends flattened per-box values to a box tensor.
//
// Inputs: boxes [batch, N, 4], other [batch, N, ...]
// Output: [batch, N, 4 + prod(other[2:])]
type ConcatenateBoxes[B tensor.Backend] struct {
	name string
}

// NewConcatenateBoxes creates a ConcatenateBoxes layer.
func NewConcatenateBoxes[B tensor.Backend](name string) *ConcatenateBoxes[B] {
	if name == "" {
		name = "concatenate_boxes"
	}
	return &ConcatenateBoxes[B]{name: name}
}

// Forward flattens the trailing axes of other and concatenates it after boxes.
func (c *ConcatenateBoxes[B]) Forward(boxes, other *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	expectRank("concatenate boxes", "boxes", boxes, 3)
	s := boxes.Shape()
	flat := other.Reshape(s[0], s[1], other.NumElements()/(s[0]*s[1]))
	return tensor.Cat([]*tensor.Tensor[float32, B]{boxes, flat}, 2)
}

// Call implements Layer.
func (c *ConcatenateBoxes[B]) Call(inputs ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	expectInputs("concatenate boxes", inputs, 2)
	return []*tensor.Tensor[float32, B]{c.Forward(inputs[0], inputs[1])}
}

// ComputeOutputShape implements Layer.
func (c *ConcatenateBoxes[B]) ComputeOutputShape(inputs ...shape.Shape) ([]shape.Shape, error) {
	if err := expectShapes("concatenate boxes", inputs, 2); err != nil {
		return nil, err
	}
	boxes, other := inputs[0], inputs[1]
	if err := expectShapeRank("concatenate boxes", "boxes", boxes, 3); err != nil {
		return nil, err
	}
	features := shape.Unknown
	if other.Rank() >= 2 {
		if p := other[2:].Product(); p.Known() {
			features = p + 4
		}
	}
	return []shape.Shape{{boxes[0], boxes[1], features}}, nil
}

// ClassName implements Layer.
func (c *ConcatenateBoxes[B]) ClassName() string { return "ConcatenateBoxes" }

// Name implements Layer.
func (c *ConcatenateBoxes[B]) Name() string { return c.name }

// GetConfig implements Layer.
func (c *ConcatenateBoxes[B]) GetConfig() any { return struct{}{} }

// ConcatenateBoxesMasks appends flattened masks to the box columns of a
// detections tensor.
//
// Inputs: detections [batch, N, >=4], masks [batch, N, h, w]
// Output: [batch, N, 4 + h*w]
type ConcatenateBoxesMasks[B tensor.Backend] struct {
	name string
}

// NewConcatenateBoxesMasks creates a ConcatenateBoxesMasks layer.
func NewConcatenateBoxesMasks[B tensor.Backend](name string) *ConcatenateBoxesMasks[B] {
	if name == "" {
		name = "concatenate_boxes_masks"
	}
	return &ConcatenateBoxesMasks[B]{name: name}
}

// Forward keeps the first four detection columns and appends the masks.
func (c *ConcatenateBoxesMasks[B]) Forward(detections, masks *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	expectRank("concatenate boxes masks", "detections", detections, 3)
	s := detections.Shape()
	batch, n, cols := s[0], s[1], s[2]

	boxes := detections
	if cols > 4 {
		// Gather needs an index with the detections' leading dims.
		idx := make([]int32, 0, batch*n*4)
		for i := 0; i < batch*n; i++ {
			idx = append(idx, 0, 1, 2, 3)
		}
		index, err := tensor.FromSlice(idx, tensor.Shape{batch, n, 4}, detections.Backend())
		if err != nil {
			panic("concatenate boxes masks: " + err.Error())
		}
		boxes = detections.Gather(2, index)
	}

	flat := masks.Reshape(batch, n, masks.NumElements()/(batch*n))
	return tensor.Cat([]*tensor.Tensor[float32, B]{boxes, flat}, 2)
}

// Call implements Layer.
func (c *ConcatenateBoxesMasks[B]) Call(inputs ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	expectInputs("concatenate boxes masks", inputs, 2)
	return []*tensor.Tensor[float32, B]{c.Forward(inputs[0], inputs[1])}
}

// ComputeOutputShape implements Layer.
func (c *ConcatenateBoxesMasks[B]) ComputeOutputShape(inputs ...shape.Shape) ([]shape.Shape, error) {
	if err := expectShapes("concatenate boxes masks", inputs, 2); err != nil {
		return nil, err
	}
	masks := inputs[1]
	if err := expectShapeRank("concatenate boxes masks", "masks", masks, 4); err != nil {
		return nil, err
	}
	features := masks[2:].Product()
	if features.Known() {
		features += 4
	}
	return []shape.Shape{{masks[0], masks[1], features}}, nil
}

// ClassName implements Layer.
func (c *ConcatenateBoxesMasks[B]) ClassName() string { return "ConcatenateBoxesMasks" }

// Name implements Layer.
func (c *ConcatenateBoxesMasks[B]) Name() string { return c.name }

// GetConfig implements Layer.
func (c *ConcatenateBoxesMasks[B]) GetConfig() any { return struct{}{} }
