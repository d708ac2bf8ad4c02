package modelzoo

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/cellseg/internal/layers"
)

var levelPattern = regexp.MustCompile(`\d+`)

// ParseLevel returns the first decimal number in a level name such as "C3"
// or "P7".
func ParseLevel(name string) (int, error) {
	digits := levelPattern.FindString(name)
	if digits == "" {
		return 0, errors.Wrapf(layers.ErrInvalidConfig, "level name %q has no number", name)
	}
	level, err := strconv.Atoi(digits)
	if err != nil {
		return 0, errors.Wrapf(layers.ErrInvalidConfig, "level name %q: %v", name, err)
	}
	return level, nil
}

// PyramidOutputs holds the pyramid levels finest first and every named
// intermediate tensor.
type PyramidOutputs[B tensor.Backend] struct {
	Names         []string
	Levels        []int
	Features      []*tensor.Tensor[float32, B]
	Intermediates map[string]*tensor.Tensor[float32, B]
}

// FeaturePyramid builds a top-down feature pyramid from backbone maps.
//
// Each backbone level C{l} is reduced to FeatureSize channels with a 1x1
// convolution (C{l}_reduced). The reduced map of the next coarser level is
// resized to this level (P{l+1}_upsampled) and added (P{l}_merged) before a
// 3x3 convolution produces P{l}. Two coarser levels follow the coarsest
// backbone map C{L}: P{L+1} is a stride 2 convolution of C{L} and P{L+2} a
// stride 2 convolution of ReLU(P{L+1}).
type FeaturePyramid[B tensor.Backend] struct {
	names    []string // backbone names, finest first
	levels   []int
	reduce   []*nn.Conv2D[B]
	smooth   []*nn.Conv2D[B]
	extra    [2]*nn.Conv2D[B]
	features int
	log      *logrus.Entry
}

// NewFeaturePyramid creates the pyramid convolutions for backbone levels
// given finest first.
func NewFeaturePyramid[B tensor.Backend](
	backboneNames []string,
	backboneChannels []int,
	featureSize int,
	backend B,
	log *logrus.Entry,
) (*FeaturePyramid[B], error) {
	if len(backboneNames) == 0 {
		return nil, errors.Wrap(layers.ErrInvalidConfig, "feature pyramid: no backbone levels")
	}
	if len(backboneNames) != len(backboneChannels) {
		return nil, errors.Wrapf(layers.ErrInvalidConfig, "feature pyramid: %d names for %d channel counts",
			len(backboneNames), len(backboneChannels))
	}
	if featureSize <= 0 {
		return nil, errors.Wrapf(layers.ErrInvalidConfig, "feature pyramid: feature size must be positive, got %d", featureSize)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	fp := &FeaturePyramid[B]{
		names:    append([]string(nil), backboneNames...),
		features: featureSize,
		log:      log.WithField("component", "feature_pyramid"),
	}
	for i, name := range backboneNames {
		level, err := ParseLevel(name)
		if err != nil {
			return nil, err
		}
		fp.levels = append(fp.levels, level)
		fp.reduce = append(fp.reduce, nn.NewConv2D(backboneChannels[i], featureSize, 1, 1, 1, 0, true, backend))
		fp.smooth = append(fp.smooth, nn.NewConv2D(featureSize, featureSize, 3, 3, 1, 1, true, backend))
		fp.log.WithFields(logrus.Fields{"backbone": name, "level": level}).Debug("pyramid level")
	}

	coarsest := len(backboneNames) - 1
	fp.extra[0] = nn.NewConv2D(backboneChannels[coarsest], featureSize, 3, 3, 2, 1, true, backend)
	fp.extra[1] = nn.NewConv2D(featureSize, featureSize, 3, 3, 2, 1, true, backend)
	fp.log.WithField("levels", fp.Names()).Debug("feature pyramid ready")
	return fp, nil
}

// Names returns the pyramid level names finest first.
func (fp *FeaturePyramid[B]) Names() []string {
	names := make([]string, 0, len(fp.levels)+2)
	for _, l := range fp.levels {
		names = append(names, fmt.Sprintf("P%d", l))
	}
	top := fp.levels[len(fp.levels)-1]
	return append(names, fmt.Sprintf("P%d", top+1), fmt.Sprintf("P%d", top+2))
}

// Forward builds the pyramid. features are NCHW backbone maps in the order of
// the names given at construction.
func (fp *FeaturePyramid[B]) Forward(features []*tensor.Tensor[float32, B]) *PyramidOutputs[B] {
	if len(features) != len(fp.levels) {
		panic(fmt.Sprintf("feature pyramid: expected %d backbone maps, got %d", len(fp.levels), len(features)))
	}

	n := len(features)
	inter := make(map[string]*tensor.Tensor[float32, B])
	finals := make([]*tensor.Tensor[float32, B], n)

	// top-down, coarsest first
	var upsampled *tensor.Tensor[float32, B]
	for i := n - 1; i >= 0; i-- {
		level := fp.levels[i]
		reduced := fp.reduce[i].Forward(features[i])
		inter[fmt.Sprintf("C%d_reduced", level)] = reduced

		var next *tensor.Tensor[float32, B]
		if i > 0 {
			s := features[i-1].Shape()
			next = layers.ResizeNearest(reduced, s[2], s[3])
			inter[fmt.Sprintf("P%d_upsampled", level)] = next
		}

		merged := reduced
		if upsampled != nil {
			release := layers.Retain(reduced)
			merged = reduced.Add(upsampled)
			release()
			inter[fmt.Sprintf("P%d_merged", level)] = merged
		}

		finals[i] = fp.smooth[i].Forward(merged)
		inter[fmt.Sprintf("P%d", level)] = finals[i]
		upsampled = next
	}

	top := fp.levels[n-1]
	first := fp.extra[0].Forward(features[n-1])
	activated := layers.ReLU(first)
	second := fp.extra[1].Forward(activated)
	inter[fmt.Sprintf("P%d", top+1)] = first
	inter[fmt.Sprintf("C%d_relu", top)] = activated
	inter[fmt.Sprintf("P%d", top+2)] = second

	return &PyramidOutputs[B]{
		Names:         fp.Names(),
		Levels:        append(append(append([]int(nil), fp.levels...), top+1), top+2),
		Features:      append(finals, first, second),
		Intermediates: inter,
	}
}

// Parameters returns every pyramid convolution parameter.
func (fp *FeaturePyramid[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	for i := range fp.reduce {
		params = append(params, fp.reduce[i].Parameters()...)
		params = append(params, fp.smooth[i].Parameters()...)
	}
	params = append(params, fp.extra[0].Parameters()...)
	return append(params, fp.extra[1].Parameters()...)
}

// CreatePyramidFeatures builds a pyramid for the given backbone maps and runs
// it once.
func CreatePyramidFeatures[B tensor.Backend](
	backboneNames []string,
	backboneFeatures []*tensor.Tensor[float32, B],
	featureSize int,
	backend B,
) (*PyramidOutputs[B], error) {
	channels := make([]int, len(backboneFeatures))
	for i, f := range backboneFeatures {
		s := f.Shape()
		if len(s) != 4 {
			return nil, errors.Errorf("feature pyramid: backbone map %d is %dD, expected NCHW", i, len(s))
		}
		channels[i] = s[1]
	}
	fp, err := NewFeaturePyramid(backboneNames, channels, featureSize, backend, nil)
	if err != nil {
		return nil, err
	}
	return fp.Forward(backboneFeatures), nil
}
