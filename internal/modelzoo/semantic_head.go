package modelzoo

import (
	"fmt"
	"sort"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/cellseg/internal/layers"
)

// SemanticUpsample runs rounds of 3x3 convolution and 2x nearest upsampling.
// When a target is given, the last round resizes to the target instead. With
// zero rounds it applies one convolution and, with a target, a resize.
type SemanticUpsample[B tensor.Backend] struct {
	convs     []*nn.Conv2D[B]
	nUpsample int
}

// NewSemanticUpsample creates a SemanticUpsample module.
func NewSemanticUpsample[B tensor.Backend](inChannels, nUpsample, nFilters int, backend B) (*SemanticUpsample[B], error) {
	if nUpsample < 0 {
		return nil, errors.Wrapf(layers.ErrInvalidConfig, "semantic upsample: negative upsample count %d", nUpsample)
	}
	if inChannels <= 0 || nFilters <= 0 {
		return nil, errors.Wrapf(layers.ErrInvalidConfig, "semantic upsample: invalid channels in=%d, filters=%d", inChannels, nFilters)
	}
	su := &SemanticUpsample[B]{nUpsample: nUpsample}
	in := inChannels
	for i := 0; i < max(nUpsample, 1); i++ {
		su.convs = append(su.convs, nn.NewConv2D(in, nFilters, 3, 3, 1, 1, true, backend))
		in = nFilters
	}
	return su, nil
}

// Forward upsamples x. target may be nil.
func (su *SemanticUpsample[B]) Forward(x, target *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	for i := 0; i < su.nUpsample; i++ {
		x = su.convs[i].Forward(x)
		if i == su.nUpsample-1 && target != nil {
			x = resizeLike(x, target)
		} else {
			s := x.Shape()
			x = layers.ResizeNearest(x, 2*s[2], 2*s[3])
		}
	}
	if su.nUpsample == 0 {
		x = su.convs[0].Forward(x)
		if target != nil {
			x = resizeLike(x, target)
		}
	}
	return x
}

// Parameters returns the convolution parameters.
func (su *SemanticUpsample[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	for _, c := range su.convs {
		params = append(params, c.Parameters()...)
	}
	return params
}

func resizeLike[B tensor.Backend](x, target *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := target.Shape()
	return layers.ResizeNearest(x, s[2], s[3])
}

// SemanticHeadConfig configures a semantic head.
type SemanticHeadConfig struct {
	// TargetLevel is the level every pyramid map is upsampled to before the
	// maps are summed.
	TargetLevel int `json:"target_level"`

	// OutputLevel is the level of the final prediction; 0 is full input
	// resolution.
	OutputLevel int `json:"output_level"`

	NClasses          int `json:"n_classes"`
	NFilters          int `json:"n_filters"`
	NDense            int `json:"n_dense"`
	PredictionFilters int `json:"prediction_filters"`
}

// DefaultSemanticHeadConfig returns the head configuration used by FPNet.
func DefaultSemanticHeadConfig() SemanticHeadConfig {
	return SemanticHeadConfig{
		TargetLevel:       2,
		OutputLevel:       0,
		NClasses:          3,
		NFilters:          128,
		NDense:            256,
		PredictionFilters: 256,
	}
}

// SemanticHead turns pyramid maps into per pixel class probabilities.
//
// Levels are processed coarsest first. Level l is upsampled l-TargetLevel
// times, matching the map of the previously processed level (Q{l}). The maps
// are summed, upsampled to the output resolution and classified by two
// per-pixel dense projections with batch normalization and ReLU in between,
// followed by a softmax over classes.
type SemanticHead[B tensor.Backend] struct {
	cfg      SemanticHeadConfig
	order    []int // input index per coarsest-first position
	levels   []int // coarsest first
	upsample []*SemanticUpsample[B]
	final    *SemanticUpsample[B]
	dense    *layers.TensorProduct[B]
	bn       *layers.BatchNormalization[B]
	logits   *layers.TensorProduct[B]
	log      *logrus.Entry
}

// NewSemanticHead creates a semantic head for pyramid levels given in any
// order, each with its channel count.
func NewSemanticHead[B tensor.Backend](
	pyramidNames []string,
	inChannels []int,
	cfg SemanticHeadConfig,
	backend B,
	log *logrus.Entry,
) (*SemanticHead[B], error) {
	if len(pyramidNames) == 0 {
		return nil, errors.Wrap(layers.ErrInvalidConfig, "semantic head: no pyramid levels")
	}
	if len(pyramidNames) != len(inChannels) {
		return nil, errors.Wrapf(layers.ErrInvalidConfig, "semantic head: %d names for %d channel counts",
			len(pyramidNames), len(inChannels))
	}
	if cfg.NClasses <= 0 || cfg.NFilters <= 0 || cfg.NDense <= 0 || cfg.PredictionFilters <= 0 {
		return nil, errors.Wrapf(layers.ErrInvalidConfig, "semantic head: non-positive size in %+v", cfg)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "semantic_head")

	levels := make([]int, len(pyramidNames))
	for i, name := range pyramidNames {
		level, err := ParseLevel(name)
		if err != nil {
			return nil, err
		}
		if level < cfg.TargetLevel {
			return nil, errors.Wrapf(layers.ErrInvalidConfig, "semantic head: level %s is below target level %d", name, cfg.TargetLevel)
		}
		levels[i] = level
	}

	order := make([]int, len(levels))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return levels[order[a]] > levels[order[b]] })

	sh := &SemanticHead[B]{cfg: cfg, order: order, log: log}
	for _, idx := range order {
		level := levels[idx]
		sh.levels = append(sh.levels, level)
		up, err := NewSemanticUpsample(inChannels[idx], level-cfg.TargetLevel, cfg.NFilters, backend)
		if err != nil {
			return nil, err
		}
		sh.upsample = append(sh.upsample, up)
		log.WithFields(logrus.Fields{"level": level, "upsample": level - cfg.TargetLevel}).Debug("semantic level")
	}

	minLevel := sh.levels[len(sh.levels)-1]
	if minLevel < cfg.OutputLevel {
		return nil, errors.Wrapf(layers.ErrInvalidConfig, "semantic head: finest level %d is below output level %d", minLevel, cfg.OutputLevel)
	}
	final, err := NewSemanticUpsample(cfg.NFilters, minLevel-cfg.OutputLevel, cfg.PredictionFilters, backend)
	if err != nil {
		return nil, err
	}
	sh.final = final

	if sh.dense, err = layers.NewTensorProduct(layers.TensorProductConfig{
		Name: "semantic_dense", InputDim: cfg.PredictionFilters, OutputDim: cfg.NDense,
		UseBias: true, DataFormat: layers.ChannelsFirst,
	}, backend); err != nil {
		return nil, err
	}
	bnCfg := layers.DefaultBatchNormalizationConfig(cfg.NDense)
	bnCfg.Name = "semantic_bn"
	bnCfg.DataFormat = layers.ChannelsFirst
	if sh.bn, err = layers.NewBatchNormalization(bnCfg, backend); err != nil {
		return nil, err
	}
	if sh.logits, err = layers.NewTensorProduct(layers.TensorProductConfig{
		Name: "semantic_logits", InputDim: cfg.NDense, OutputDim: cfg.NClasses,
		UseBias: true, DataFormat: layers.ChannelsFirst,
	}, backend); err != nil {
		return nil, err
	}
	return sh, nil
}

// Forward classifies the pyramid maps, given in construction order. target
// fixes the output resolution and may be nil.
func (sh *SemanticHead[B]) Forward(features []*tensor.Tensor[float32, B], target *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	out, _ := sh.ForwardWithIntermediates(features, target)
	return out
}

// ForwardWithIntermediates is Forward that also returns the per-level maps
// (Q{l}) and the head's internal tensors by name.
func (sh *SemanticHead[B]) ForwardWithIntermediates(
	features []*tensor.Tensor[float32, B],
	target *tensor.Tensor[float32, B],
) (*tensor.Tensor[float32, B], map[string]*tensor.Tensor[float32, B]) {
	if len(features) != len(sh.order) {
		panic(fmt.Sprintf("semantic head: expected %d pyramid maps, got %d", len(sh.order), len(features)))
	}
	inter := make(map[string]*tensor.Tensor[float32, B])

	var sum, prev *tensor.Tensor[float32, B]
	for pos, idx := range sh.order {
		q := sh.upsample[pos].Forward(features[idx], prev)
		inter[fmt.Sprintf("Q%d", sh.levels[pos])] = q
		switch {
		case sum == nil:
			sum = q
		case pos == 1:
			// sum still aliases the first level's map
			release := layers.Retain(sum)
			sum = sum.Add(q)
			release()
		default:
			sum = sum.Add(q)
		}
		prev = q
	}
	inter["semantic_sum"] = sum

	x := sh.final.Forward(sum, target)
	inter["semantic_upsampled"] = x
	x = layers.ReLU(sh.bn.Forward(sh.dense.Forward(x)))
	inter["semantic_dense"] = x
	x = sh.logits.Forward(x)
	inter["semantic_logits"] = x
	return layers.SoftmaxChannels(x), inter
}

// Parameters returns every head parameter.
func (sh *SemanticHead[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	for _, up := range sh.upsample {
		params = append(params, up.Parameters()...)
	}
	params = append(params, sh.final.Parameters()...)
	params = append(params, sh.dense.Parameters()...)
	params = append(params, sh.bn.Parameters()...)
	return append(params, sh.logits.Parameters()...)
}

// SetTraining switches the head's batch normalization.
func (sh *SemanticHead[B]) SetTraining(training bool) {
	sh.bn.SetTraining(training)
}

// CreateSemanticHead builds a semantic head for the given pyramid maps and
// runs it once.
func CreateSemanticHead[B tensor.Backend](
	pyramidNames []string,
	pyramidFeatures []*tensor.Tensor[float32, B],
	target *tensor.Tensor[float32, B],
	cfg SemanticHeadConfig,
	backend B,
) (*tensor.Tensor[float32, B], error) {
	channels := make([]int, len(pyramidFeatures))
	for i, f := range pyramidFeatures {
		s := f.Shape()
		if len(s) != 4 {
			return nil, errors.Errorf("semantic head: pyramid map %d is %dD, expected NCHW", i, len(s))
		}
		channels[i] = s[1]
	}
	sh, err := NewSemanticHead(pyramidNames, channels, cfg, backend, nil)
	if err != nil {
		return nil, err
	}
	return sh.Forward(pyramidFeatures, target), nil
}
