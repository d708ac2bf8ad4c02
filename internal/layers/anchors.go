package layers

import (
	"fmt"

	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"github.com/born-ml/cellseg/internal/boxes"
	"github.com/born-ml/cellseg/internal/shape"
)

// AnchorsConfig configures an Anchors layer.
//
// Nil Ratios or Scales select the defaults of boxes.DefaultAnchorParameters.
// Empty, non-nil slices are kept and produce zero anchors.
type AnchorsConfig struct {
	Name       string     `json:"name,omitempty"`
	Size       int        `json:"size"`
	Stride     int        `json:"stride"`
	Ratios     []float32  `json:"ratios"`
	Scales     []float32  `json:"scales"`
	DataFormat DataFormat `json:"data_format"`
}

// Anchors tiles a fixed set of anchor boxes over a feature map.
//
// Input:  features [batch, rows, cols, C] (channels_last)
// Output: [batch, rows*cols*num_anchors, 4]
type Anchors[B tensor.Backend] struct {
	cfg      AnchorsConfig
	template [][4]float32
}

// NewAnchors creates an Anchors layer. The anchor template is computed here
// and never modified afterwards.
func NewAnchors[B tensor.Backend](cfg AnchorsConfig) (*Anchors[B], error) {
	df, err := cfg.DataFormat.Normalize()
	if err != nil {
		return nil, err
	}
	if cfg.Size <= 0 || cfg.Stride <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "anchors: size %d and stride %d must be positive", cfg.Size, cfg.Stride)
	}
	cfg.DataFormat = df

	defaults := boxes.DefaultAnchorParameters()
	if cfg.Ratios == nil {
		cfg.Ratios = defaults.Ratios
	}
	if cfg.Scales == nil {
		cfg.Scales = defaults.Scales
	}
	cfg.Ratios = append([]float32{}, cfg.Ratios...)
	cfg.Scales = append([]float32{}, cfg.Scales...)
	if cfg.Name == "" {
		cfg.Name = "anchors"
	}

	return &Anchors[B]{
		cfg:      cfg,
		template: boxes.GenerateAnchors(float32(cfg.Size), cfg.Ratios, cfg.Scales),
	}, nil
}

// NumAnchors returns the number of anchors per feature map location.
func (a *Anchors[B]) NumAnchors() int {
	return len(a.template)
}

// Template returns a copy of the anchors centred on the origin.
func (a *Anchors[B]) Template() [][4]float32 {
	return append([][4]float32(nil), a.template...)
}

// Forward shifts the template over every cell of features and repeats the
// result for each batch element.
func (a *Anchors[B]) Forward(features *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	expectRank("anchors", "features", features, 4)
	if len(a.template) == 0 {
		panic("anchors: no anchors to generate (empty ratios or scales)")
	}

	s := features.Shape()
	rows, cols := imageSize(s, a.cfg.DataFormat)
	shifted := boxes.Shift(rows, cols, float32(a.cfg.Stride), a.template)

	batch := s[0]
	data := make([]float32, 0, batch*len(shifted))
	for i := 0; i < batch; i++ {
		data = append(data, shifted...)
	}
	return constant(data, tensor.Shape{batch, len(shifted) / 4, 4}, features.Backend())
}

// Call implements Layer.
func (a *Anchors[B]) Call(inputs ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	expectInputs("anchors", inputs, 1)
	return []*tensor.Tensor[float32, B]{a.Forward(inputs[0])}
}

// ComputeOutputShape implements Layer. The anchor count is unknown unless
// both spatial dimensions are.
func (a *Anchors[B]) ComputeOutputShape(inputs ...shape.Shape) ([]shape.Shape, error) {
	if err := expectShapes("anchors", inputs, 1); err != nil {
		return nil, err
	}
	in := inputs[0]
	if err := expectShapeRank("anchors", "features", in, 4); err != nil {
		return nil, err
	}
	row := a.cfg.DataFormat.RowAxis()
	total := in[row : row+2].Product()
	if total.Known() {
		total *= shape.Dim(len(a.template))
	}
	return []shape.Shape{{in[0], total, 4}}, nil
}

// ClassName implements Layer.
func (a *Anchors[B]) ClassName() string { return "Anchors" }

// Name implements Layer.
func (a *Anchors[B]) Name() string { return a.cfg.Name }

// GetConfig implements Layer.
func (a *Anchors[B]) GetConfig() any { return a.cfg }

// String returns a string representation of the layer.
func (a *Anchors[B]) String() string {
	return fmt.Sprintf("Anchors(size=%d, stride=%d, num_anchors=%d)", a.cfg.Size, a.cfg.Stride, len(a.template))
}
