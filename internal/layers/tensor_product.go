package layers

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"github.com/born-ml/cellseg/internal/shape"
)

// TensorProductConfig configures a TensorProduct layer. InputDim may be zero,
// in which case the kernel is sized from the first input.
type TensorProductConfig struct {
	Name       string     `json:"name,omitempty"`
	InputDim   int        `json:"input_dim,omitempty"`
	OutputDim  int        `json:"output_dim"`
	UseBias    bool       `json:"use_bias"`
	DataFormat DataFormat `json:"data_format"`
}

// TensorProduct is a dense projection of the channel axis applied at every
// position, equivalent to a 1x1 convolution.
//
// Kernel shape: [input_dim, output_dim]
// Bias shape:   [output_dim]
type TensorProduct[B tensor.Backend] struct {
	cfg     TensorProductConfig
	kernel  *nn.Parameter[B]
	bias    *nn.Parameter[B]
	backend B
}

// NewTensorProduct creates a TensorProduct layer with Xavier initialised
// kernel and zero bias.
func NewTensorProduct[B tensor.Backend](cfg TensorProductConfig, backend B) (*TensorProduct[B], error) {
	df, err := cfg.DataFormat.Normalize()
	if err != nil {
		return nil, err
	}
	cfg.DataFormat = df
	if cfg.OutputDim <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "tensor product: output dim must be positive, got %d", cfg.OutputDim)
	}
	if cfg.InputDim < 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "tensor product: negative input dim %d", cfg.InputDim)
	}
	if cfg.Name == "" {
		cfg.Name = "tensor_product"
	}
	tp := &TensorProduct[B]{cfg: cfg, backend: backend}
	if cfg.InputDim > 0 {
		tp.build(cfg.InputDim)
	}
	return tp, nil
}

func (tp *TensorProduct[B]) build(inputDim int) {
	tp.cfg.InputDim = inputDim
	weight := nn.Xavier(inputDim, tp.cfg.OutputDim, tensor.Shape{inputDim, tp.cfg.OutputDim}, tp.backend)
	tp.kernel = nn.NewParameter(tp.cfg.Name+".kernel", weight)
	if tp.cfg.UseBias {
		tp.bias = nn.NewParameter(tp.cfg.Name+".bias", nn.Zeros(tensor.Shape{tp.cfg.OutputDim}, tp.backend))
	}
}

// Forward projects the channel axis of x to OutputDim channels.
func (tp *TensorProduct[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := x.Shape()
	if len(s) < 2 {
		panic(fmt.Sprintf("tensor product: expected at least 2D input, got %dD", len(s)))
	}

	// move channels last
	var perm []int
	if tp.cfg.DataFormat == ChannelsFirst {
		perm = make([]int, 0, len(s))
		perm = append(perm, 0)
		for i := 2; i < len(s); i++ {
			perm = append(perm, i)
		}
		perm = append(perm, 1)
		x = x.Transpose(perm...)
		s = x.Shape()
	}

	channels := s[len(s)-1]
	if tp.kernel == nil {
		tp.build(channels)
	}
	if channels != tp.cfg.InputDim {
		panic(fmt.Sprintf("tensor product: input channels %d != expected %d", channels, tp.cfg.InputDim))
	}

	rows := x.NumElements() / channels
	y := x.Reshape(rows, channels).MatMul(tp.kernel.Tensor())
	if tp.bias != nil {
		y = y.Add(tp.bias.Tensor().Reshape(1, tp.cfg.OutputDim))
	}

	outShape := append([]int{}, s[:len(s)-1]...)
	outShape = append(outShape, tp.cfg.OutputDim)
	y = y.Reshape(outShape...)

	if perm != nil {
		// inverse of perm: channels back to axis 1
		inv := make([]int, len(perm))
		for i, p := range perm {
			inv[p] = i
		}
		y = y.Transpose(inv...)
	}
	return y
}

// Parameters returns the kernel and bias. It is empty until the layer is
// built.
func (tp *TensorProduct[B]) Parameters() []*nn.Parameter[B] {
	if tp.kernel == nil {
		return nil
	}
	if tp.bias != nil {
		return []*nn.Parameter[B]{tp.kernel, tp.bias}
	}
	return []*nn.Parameter[B]{tp.kernel}
}

// Call implements Layer.
func (tp *TensorProduct[B]) Call(inputs ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	expectInputs("tensor product", inputs, 1)
	return []*tensor.Tensor[float32, B]{tp.Forward(inputs[0])}
}

// ComputeOutputShape implements Layer.
func (tp *TensorProduct[B]) ComputeOutputShape(inputs ...shape.Shape) ([]shape.Shape, error) {
	if err := expectShapes("tensor product", inputs, 1); err != nil {
		return nil, err
	}
	in := inputs[0]
	if in.Rank() < 2 {
		return nil, errors.Errorf("tensor product: expected rank >= 2 input, got %s", in)
	}
	out := in.Clone()
	out[tp.cfg.DataFormat.ChannelAxis(in.Rank())] = shape.Dim(tp.cfg.OutputDim)
	return []shape.Shape{out}, nil
}

// ClassName implements Layer.
func (tp *TensorProduct[B]) ClassName() string { return "TensorProduct" }

// Name implements Layer.
func (tp *TensorProduct[B]) Name() string { return tp.cfg.Name }

// GetConfig implements Layer.
func (tp *TensorProduct[B]) GetConfig() any { return tp.cfg }
