package layers

import (
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/cellseg/internal/shape"
)

// UpsampleLikeConfig configures an UpsampleLike layer.
type UpsampleLikeConfig struct {
	Name       string     `json:"name,omitempty"`
	DataFormat DataFormat `json:"data_format"`
}

// UpsampleLike resizes a source image tensor to the spatial size of a target
// with nearest neighbour sampling.
type UpsampleLike[B tensor.Backend] struct {
	cfg UpsampleLikeConfig
}

// NewUpsampleLike creates an UpsampleLike layer.
func NewUpsampleLike[B tensor.Backend](cfg UpsampleLikeConfig) (*UpsampleLike[B], error) {
	df, err := cfg.DataFormat.Normalize()
	if err != nil {
		return nil, err
	}
	cfg.DataFormat = df
	if cfg.Name == "" {
		cfg.Name = "upsample_like"
	}
	return &UpsampleLike[B]{cfg: cfg}, nil
}

// Forward resizes source to target's height and width. Channels and batch
// come from source.
func (u *UpsampleLike[B]) Forward(source, target *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	expectRank("upsample like", "source", source, 4)
	expectRank("upsample like", "target", target, 4)
	h, w := imageSize(target.Shape(), u.cfg.DataFormat)
	x := toNCHW(source, u.cfg.DataFormat)
	return fromNCHW(ResizeNearest(x, h, w), u.cfg.DataFormat)
}

// Call implements Layer.
func (u *UpsampleLike[B]) Call(inputs ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	expectInputs("upsample like", inputs, 2)
	return []*tensor.Tensor[float32, B]{u.Forward(inputs[0], inputs[1])}
}

// ComputeOutputShape implements Layer.
func (u *UpsampleLike[B]) ComputeOutputShape(inputs ...shape.Shape) ([]shape.Shape, error) {
	if err := expectShapes("upsample like", inputs, 2); err != nil {
		return nil, err
	}
	source, target := inputs[0], inputs[1]
	if err := expectShapeRank("upsample like", "source", source, 4); err != nil {
		return nil, err
	}
	if err := expectShapeRank("upsample like", "target", target, 4); err != nil {
		return nil, err
	}
	out := source.Clone()
	row := u.cfg.DataFormat.RowAxis()
	out[row], out[row+1] = target[row], target[row+1]
	return []shape.Shape{out}, nil
}

// ClassName implements Layer.
func (u *UpsampleLike[B]) ClassName() string { return "UpsampleLike" }

// Name implements Layer.
func (u *UpsampleLike[B]) Name() string { return u.cfg.Name }

// GetConfig implements Layer.
func (u *UpsampleLike[B]) GetConfig() any { return u.cfg }
