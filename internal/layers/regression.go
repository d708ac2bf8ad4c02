package layers

import (
	"fmt"

	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"github.com/born-ml/cellseg/internal/boxes"
	"github.com/born-ml/cellseg/internal/shape"
)

// RegressBoxesConfig configures a RegressBoxes layer. Nil Mean or Std select
// boxes.DefaultMean and boxes.DefaultStd.
type RegressBoxesConfig struct {
	Name       string     `json:"name,omitempty"`
	Mean       []float32  `json:"mean"`
	Std        []float32  `json:"std"`
	DataFormat DataFormat `json:"data_format"`
}

// RegressBoxes applies regression deltas to anchors.
//
// Inputs: anchors [batch, N, 4], regression [batch, N, 4]
// Output: boxes [batch, N, 4]
//
// Each coordinate is anchor + (delta*std + mean) * extent where the extent is
// the anchor width for x coordinates and height for y coordinates.
type RegressBoxes[B tensor.Backend] struct {
	cfg  RegressBoxesConfig
	mean [4]float32
	std  [4]float32
}

// NewRegressBoxes creates a RegressBoxes layer. Mean and Std must hold
// exactly four values.
func NewRegressBoxes[B tensor.Backend](cfg RegressBoxesConfig) (*RegressBoxes[B], error) {
	df, err := cfg.DataFormat.Normalize()
	if err != nil {
		return nil, err
	}
	cfg.DataFormat = df
	if cfg.Mean == nil {
		cfg.Mean = boxes.DefaultMean[:]
	}
	if cfg.Std == nil {
		cfg.Std = boxes.DefaultStd[:]
	}
	if len(cfg.Mean) != 4 {
		return nil, errors.Wrapf(ErrInvalidConfig, "regress boxes: mean must have 4 values, got %v", cfg.Mean)
	}
	if len(cfg.Std) != 4 {
		return nil, errors.Wrapf(ErrInvalidConfig, "regress boxes: std must have 4 values, got %v", cfg.Std)
	}
	cfg.Mean = append([]float32{}, cfg.Mean...)
	cfg.Std = append([]float32{}, cfg.Std...)
	if cfg.Name == "" {
		cfg.Name = "regress_boxes"
	}

	r := &RegressBoxes[B]{cfg: cfg}
	copy(r.mean[:], cfg.Mean)
	copy(r.std[:], cfg.Std)
	return r, nil
}

// Forward decodes regression against anchors. Gradients flow to both inputs.
func (r *RegressBoxes[B]) Forward(anchors, regression *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	expectRank("regress boxes", "anchors", anchors, 3)
	expectRank("regress boxes", "regression", regression, 3)
	s := anchors.Shape()
	if !s.Equal(regression.Shape()) || s[2] != 4 {
		panic(fmt.Sprintf("regress boxes: anchors %v and regression %v must both be [batch, N, 4]", s, regression.Shape()))
	}

	defer Retain(regression)()
	b := anchors.Backend()
	std := constant(r.std[:], tensor.Shape{1, 1, 4}, b)
	mean := constant(r.mean[:], tensor.Shape{1, 1, 4}, b)

	// (x1, y1, x2, y2) -> (w, h, w, h)
	extent := anchors.Reshape(s[0]*s[1], 4).
		MatMul(constant(extentWeights[:], tensor.Shape{4, 4}, b)).
		Reshape(s[0], s[1], 4)

	return regression.Mul(std).Add(mean).Mul(extent).Add(anchors)
}

var extentWeights = [16]float32{
	-1, 0, -1, 0,
	0, -1, 0, -1,
	1, 0, 1, 0,
	0, 1, 0, 1,
}

// Call implements Layer.
func (r *RegressBoxes[B]) Call(inputs ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	expectInputs("regress boxes", inputs, 2)
	return []*tensor.Tensor[float32, B]{r.Forward(inputs[0], inputs[1])}
}

// ComputeOutputShape implements Layer. The output has the anchors' shape.
func (r *RegressBoxes[B]) ComputeOutputShape(inputs ...shape.Shape) ([]shape.Shape, error) {
	if err := expectShapes("regress boxes", inputs, 2); err != nil {
		return nil, err
	}
	return []shape.Shape{inputs[0].Clone()}, nil
}

// ClassName implements Layer.
func (r *RegressBoxes[B]) ClassName() string { return "RegressBoxes" }

// Name implements Layer.
func (r *RegressBoxes[B]) Name() string { return r.cfg.Name }

// GetConfig implements Layer.
func (r *RegressBoxes[B]) GetConfig() any { return r.cfg }

// ClipBoxesConfig configures a ClipBoxes layer.
type ClipBoxesConfig struct {
	Name       string     `json:"name,omitempty"`
	DataFormat DataFormat `json:"data_format"`
}

// ClipBoxes clamps boxes to the bounds of an image: x to [0, width] and y to
// [0, height].
type ClipBoxes[B tensor.Backend] struct {
	cfg ClipBoxesConfig
}

// NewClipBoxes creates a ClipBoxes layer.
func NewClipBoxes[B tensor.Backend](cfg ClipBoxesConfig) (*ClipBoxes[B], error) {
	df, err := cfg.DataFormat.Normalize()
	if err != nil {
		return nil, err
	}
	cfg.DataFormat = df
	if cfg.Name == "" {
		cfg.Name = "clip_boxes"
	}
	return &ClipBoxes[B]{cfg: cfg}, nil
}

// Forward clamps boxes [batch, N, 4] to the spatial size of image.
func (c *ClipBoxes[B]) Forward(image, boxes *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	expectRank("clip boxes", "image", image, 4)
	expectRank("clip boxes", "boxes", boxes, 3)

	h, w := imageSize(image.Shape(), c.cfg.DataFormat)
	b := boxes.Backend()
	lower := tensor.Zeros[float32](boxes.Shape(), b)
	upper := constant([]float32{float32(w), float32(h), float32(w), float32(h)}, tensor.Shape{1, 1, 4}, b).
		Expand(boxes.Shape())

	clipped := tensor.Where(boxes.Gt(upper), upper, boxes)
	return tensor.Where(clipped.Lt(lower), lower, clipped)
}

// Call implements Layer.
func (c *ClipBoxes[B]) Call(inputs ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	expectInputs("clip boxes", inputs, 2)
	return []*tensor.Tensor[float32, B]{c.Forward(inputs[0], inputs[1])}
}

// ComputeOutputShape implements Layer. The output has the boxes' shape.
func (c *ClipBoxes[B]) ComputeOutputShape(inputs ...shape.Shape) ([]shape.Shape, error) {
	if err := expectShapes("clip boxes", inputs, 2); err != nil {
		return nil, err
	}
	return []shape.Shape{inputs[1].Clone()}, nil
}

// ClassName implements Layer.
func (c *ClipBoxes[B]) ClassName() string { return "ClipBoxes" }

// Name implements Layer.
func (c *ClipBoxes[B]) Name() string { return c.cfg.Name }

// GetConfig implements Layer.
func (c *ClipBoxes[B]) GetConfig() any { return c.cfg }
