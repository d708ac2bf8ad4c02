package layers

import (
	"fmt"
	"sort"

	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"github.com/born-ml/cellseg/internal/boxes"
	"github.com/born-ml/cellseg/internal/parallel"
	"github.com/born-ml/cellseg/internal/shape"
)

// FilterDetectionsConfig configures a FilterDetections layer.
type FilterDetectionsConfig struct {
	Name                string  `json:"name,omitempty"`
	NMS                 bool    `json:"nms"`
	ClassSpecificFilter bool    `json:"class_specific_filter"`
	NMSThreshold        float32 `json:"nms_threshold"`
	ScoreThreshold      float32 `json:"score_threshold"`
	MaxDetections       int     `json:"max_detections"`
}

// DefaultFilterDetectionsConfig returns the standard RetinaNet inference
// filtering settings.
func DefaultFilterDetectionsConfig() FilterDetectionsConfig {
	return FilterDetectionsConfig{
		Name:                "filter_detections",
		NMS:                 true,
		ClassSpecificFilter: true,
		NMSThreshold:        0.5,
		ScoreThreshold:      0.05,
		MaxDetections:       300,
	}
}

// FilterDetections turns dense per-anchor predictions into a fixed number of
// final detections per image.
//
// Boxes whose score exceeds ScoreThreshold survive, optionally followed by
// greedy NMS. With ClassSpecificFilter every class is filtered on its own,
// otherwise each box competes with its best class only. The MaxDetections
// highest scoring survivors are returned, padded with -1.
//
// Inputs:  boxes [batch, N, 4], classification [batch, N, C], other [batch, N, ...]...
// Outputs: boxes [batch, M, 4], scores [batch, M], labels [batch, M], other [batch, M, ...]...
//
// Filtering runs on the host, one image per worker, and records no gradients.
type FilterDetections[B tensor.Backend] struct {
	cfg FilterDetectionsConfig
	par parallel.Config
}

// NewFilterDetections creates a FilterDetections layer.
func NewFilterDetections[B tensor.Backend](cfg FilterDetectionsConfig) (*FilterDetections[B], error) {
	if cfg.MaxDetections <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "filter detections: max detections must be positive, got %d", cfg.MaxDetections)
	}
	if cfg.Name == "" {
		cfg.Name = "filter_detections"
	}
	return &FilterDetections[B]{cfg: cfg, par: parallel.DefaultConfig()}, nil
}

type detection struct {
	index int
	label int
	score float32
}

// filter selects detections for one image. scores is [n, numClasses].
func (f *FilterDetections[B]) filter(bx [][4]float32, scores []float32, numClasses int) []detection {
	n := len(bx)
	var all []detection

	run := func(classScores []float32, labels []int) {
		var idx []int
		for i, s := range classScores {
			if s > f.cfg.ScoreThreshold {
				idx = append(idx, i)
			}
		}
		if f.cfg.NMS && len(idx) > 0 {
			cand := make([][4]float32, len(idx))
			candScores := make([]float32, len(idx))
			for j, i := range idx {
				cand[j] = bx[i]
				candScores[j] = classScores[i]
			}
			keep := boxes.NMS(cand, candScores, f.cfg.NMSThreshold, f.cfg.MaxDetections)
			kept := make([]int, len(keep))
			for j, k := range keep {
				kept[j] = idx[k]
			}
			idx = kept
		}
		for _, i := range idx {
			all = append(all, detection{index: i, label: labels[i], score: classScores[i]})
		}
	}

	if f.cfg.ClassSpecificFilter {
		classScores := make([]float32, n)
		labels := make([]int, n)
		for c := 0; c < numClasses; c++ {
			for i := 0; i < n; i++ {
				classScores[i] = scores[i*numClasses+c]
				labels[i] = c
			}
			run(classScores, labels)
		}
	} else {
		best := make([]float32, n)
		labels := make([]int, n)
		for i := 0; i < n; i++ {
			row := scores[i*numClasses : (i+1)*numClasses]
			for c, v := range row {
				if c == 0 || v > best[i] {
					best[i], labels[i] = v, c
				}
			}
		}
		run(best, labels)
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })
	if len(all) > f.cfg.MaxDetections {
		all = all[:f.cfg.MaxDetections]
	}
	return all
}

// Forward filters a batch of detections.
func (f *FilterDetections[B]) Forward(
	boxesIn, classification *tensor.Tensor[float32, B],
	other ...*tensor.Tensor[float32, B],
) []*tensor.Tensor[float32, B] {
	expectRank("filter detections", "boxes", boxesIn, 3)
	expectRank("filter detections", "classification", classification, 3)

	bs, cs := boxesIn.Shape(), classification.Shape()
	batch, n, numClasses := bs[0], bs[1], cs[2]
	if cs[0] != batch || cs[1] != n {
		panic(fmt.Sprintf("filter detections: boxes %v and classification %v disagree", bs, cs))
	}
	m := f.cfg.MaxDetections
	backend := boxesIn.Backend()

	boxData := StopGradient(boxesIn).Data()
	clsData := StopGradient(classification).Data()
	otherData := make([][]float32, len(other))
	otherWidth := make([]int, len(other))
	for i, o := range other {
		if os := o.Shape(); len(os) < 2 || os[0] != batch || os[1] != n {
			panic(fmt.Sprintf("filter detections: other input %d has shape %v, expected [%d, %d, ...]", i, os, batch, n))
		}
		otherData[i] = StopGradient(o).Data()
		otherWidth[i] = o.NumElements() / (batch * n)
	}

	outBoxes := filled(batch*m*4, -1)
	outScores := filled(batch*m, -1)
	outLabels := filled(batch*m, -1)
	outOther := make([][]float32, len(other))
	for i := range other {
		outOther[i] = filled(batch*m*otherWidth[i], -1)
	}

	// each image writes only its own output rows
	parallel.For(batch, f.par, func(b int) {
		bx := make([][4]float32, n)
		for i := range bx {
			copy(bx[i][:], boxData[(b*n+i)*4:])
		}
		dets := f.filter(bx, clsData[b*n*numClasses:(b+1)*n*numClasses], numClasses)

		for slot, d := range dets {
			copy(outBoxes[(b*m+slot)*4:(b*m+slot+1)*4], bx[d.index][:])
			outScores[b*m+slot] = d.score
			outLabels[b*m+slot] = float32(d.label)
			for i, w := range otherWidth {
				src := otherData[i][(b*n+d.index)*w : (b*n+d.index+1)*w]
				copy(outOther[i][(b*m+slot)*w:(b*m+slot+1)*w], src)
			}
		}
	})

	outs := []*tensor.Tensor[float32, B]{
		constant(outBoxes, tensor.Shape{batch, m, 4}, backend),
		constant(outScores, tensor.Shape{batch, m}, backend),
		constant(outLabels, tensor.Shape{batch, m}, backend),
	}
	for i, o := range other {
		s := append(tensor.Shape{batch, m}, o.Shape()[2:]...)
		outs = append(outs, constant(outOther[i], s, backend))
	}
	return outs
}

func filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// Call implements Layer.
func (f *FilterDetections[B]) Call(inputs ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	if len(inputs) < 2 {
		panic(fmt.Sprintf("filter detections: expected at least 2 inputs, got %d", len(inputs)))
	}
	return f.Forward(inputs[0], inputs[1], inputs[2:]...)
}

// ComputeOutputShape implements Layer.
func (f *FilterDetections[B]) ComputeOutputShape(inputs ...shape.Shape) ([]shape.Shape, error) {
	if len(inputs) < 2 {
		return nil, errors.Errorf("filter detections: expected at least 2 input shapes, got %d", len(inputs))
	}
	if err := expectShapeRank("filter detections", "boxes", inputs[0], 3); err != nil {
		return nil, err
	}
	batch := inputs[0][0]
	m := shape.Dim(f.cfg.MaxDetections)
	outs := []shape.Shape{{batch, m, 4}, {batch, m}, {batch, m}}
	for _, o := range inputs[2:] {
		s := shape.Shape{batch, m}
		if o.Rank() > 2 {
			s = append(s, o[2:]...)
		}
		outs = append(outs, s)
	}
	return outs, nil
}

// ClassName implements Layer.
func (f *FilterDetections[B]) ClassName() string { return "FilterDetections" }

// Name implements Layer.
func (f *FilterDetections[B]) Name() string { return f.cfg.Name }

// GetConfig implements Layer.
func (f *FilterDetections[B]) GetConfig() any { return f.cfg }
