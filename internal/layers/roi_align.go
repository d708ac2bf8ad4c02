package layers

import (
	"fmt"

	"github.com/born-ml/born/tensor"
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/born-ml/cellseg/internal/boxes"
	"github.com/born-ml/cellseg/internal/interp"
	"github.com/born-ml/cellseg/internal/parallel"
	"github.com/born-ml/cellseg/internal/shape"
)

// levelEpsilon keeps log2 finite for degenerate boxes.
const levelEpsilon = 1e-7

// RoiAlignConfig configures a RoiAlign layer.
type RoiAlignConfig struct {
	Name           string     `json:"name,omitempty"`
	TopK           int        `json:"top_k"`
	CropSize       [2]int     `json:"crop_size"`
	CanonicalSize  float32    `json:"canonical_size"`
	CanonicalLevel int        `json:"canonical_level"`
	MinLevel       int        `json:"min_level"`
	MaxLevel       int        `json:"max_level"`
	DataFormat     DataFormat `json:"data_format"`
}

// DefaultRoiAlignConfig returns the standard RoI Align configuration.
func DefaultRoiAlignConfig() RoiAlignConfig {
	return RoiAlignConfig{
		Name:           "roi_align",
		TopK:           256,
		CropSize:       [2]int{14, 14},
		CanonicalSize:  224,
		CanonicalLevel: 1,
		MinLevel:       0,
		MaxLevel:       4,
		DataFormat:     ChannelsLast,
	}
}

// RoiAlign crops fixed-size feature patches for the highest scoring boxes.
//
// For every image it keeps the k = min(TopK, N) boxes with the best class
// score, assigns each box to a pyramid level from its size, and samples a
// CropSize patch from that level with bilinear crop-and-resize. Boxes,
// classification and crops are returned in the same top-k order, so index i
// of every output refers to the same detection.
//
// No gradient flows back into boxes, classification or features.
type RoiAlign[B tensor.Backend] struct {
	cfg RoiAlignConfig
}

// NewRoiAlign creates a RoiAlign layer.
func NewRoiAlign[B tensor.Backend](cfg RoiAlignConfig) (*RoiAlign[B], error) {
	df, err := cfg.DataFormat.Normalize()
	if err != nil {
		return nil, err
	}
	cfg.DataFormat = df
	switch {
	case cfg.TopK <= 0:
		return nil, errors.Wrapf(ErrInvalidConfig, "roi align: top_k must be positive, got %d", cfg.TopK)
	case cfg.CropSize[0] <= 0 || cfg.CropSize[1] <= 0:
		return nil, errors.Wrapf(ErrInvalidConfig, "roi align: invalid crop size %v", cfg.CropSize)
	case cfg.CanonicalSize <= 0:
		return nil, errors.Wrapf(ErrInvalidConfig, "roi align: canonical size must be positive, got %v", cfg.CanonicalSize)
	case cfg.MinLevel < 0 || cfg.MinLevel > cfg.MaxLevel:
		return nil, errors.Wrapf(ErrInvalidConfig, "roi align: invalid level range [%d, %d]", cfg.MinLevel, cfg.MaxLevel)
	}
	if cfg.Name == "" {
		cfg.Name = "roi_align"
	}
	return &RoiAlign[B]{cfg: cfg}, nil
}

// AssignLevels maps flat (x1, y1, x2, y2) boxes to pyramid levels.
//
// level = floor(canonical_level + log2(sqrt(area)/canonical_size + eps)),
// clipped to [MinLevel, MaxLevel] and to the number of available feature
// maps. Negative areas count as zero.
func (r *RoiAlign[B]) AssignLevels(flat []float32, numFeatures int) []int {
	maxLevel := r.cfg.MaxLevel
	if numFeatures > 0 && maxLevel > numFeatures-1 {
		maxLevel = numFeatures - 1
	}
	minLevel := r.cfg.MinLevel
	if minLevel > maxLevel {
		minLevel = maxLevel
	}

	levels := make([]int, len(flat)/4)
	for i := range levels {
		b := flat[i*4 : i*4+4]
		area := math32.Max((b[2]-b[0])*(b[3]-b[1]), 0)
		l := math32.Floor(float32(r.cfg.CanonicalLevel) + math32.Log2(math32.Sqrt(area)/r.cfg.CanonicalSize+levelEpsilon))
		level := int(l)
		if level < minLevel {
			level = minLevel
		}
		if level > maxLevel {
			level = maxLevel
		}
		levels[i] = level
	}
	return levels
}

// Forward selects, levels and crops detections.
//
// imageShape is the rank-4 shape of the input image in the layer's data
// format. boxes is [batch, N, 4], classification [batch, N, C] and features
// are pyramid maps ordered by level, finest first.
//
// Returns boxes [batch, k, 4], classification [batch, k, C] and rois
// [batch, k, cropH, cropW, channels] (channels_last) or
// [batch, k, channels, cropH, cropW] (channels_first).
func (r *RoiAlign[B]) Forward(
	imageShape tensor.Shape,
	boxesIn, classification *tensor.Tensor[float32, B],
	features ...*tensor.Tensor[float32, B],
) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	if len(imageShape) != 4 {
		panic(fmt.Sprintf("roi align: expected rank 4 image shape, got %v", imageShape))
	}
	expectRank("roi align", "boxes", boxesIn, 3)
	expectRank("roi align", "classification", classification, 3)
	if len(features) == 0 {
		panic("roi align: at least one feature map is required")
	}

	bs := boxesIn.Shape()
	cs := classification.Shape()
	batch, n, numClasses := bs[0], bs[1], cs[2]
	if cs[0] != batch || cs[1] != n {
		panic(fmt.Sprintf("roi align: boxes %v and classification %v disagree", bs, cs))
	}
	k := min(r.cfg.TopK, n)

	backend := boxesIn.Backend()
	boxData := StopGradient(boxesIn).Data()
	clsData := StopGradient(classification).Data()

	// per image, per level feature maps in NCHW
	maps := make([][]*tensor.Tensor[float32, B], batch)
	for l, f := range features {
		expectRank("roi align", "features", f, 4)
		nchw := toNCHW(StopGradient(f), r.cfg.DataFormat)
		images := []*tensor.Tensor[float32, B]{nchw}
		if batch > 1 {
			images = nchw.Chunk(batch, 0)
		}
		for i := range maps {
			if maps[i] == nil {
				maps[i] = make([]*tensor.Tensor[float32, B], len(features))
			}
			maps[i][l] = images[i]
		}
	}

	// host side selection per image, then crops in top-k order
	selections := parallel.Map(batch, parallel.DefaultConfig(), func(i int) roiSelection {
		return r.selectBoxes(boxData[i*n*4:(i+1)*n*4], clsData[i*n*numClasses:(i+1)*n*numClasses], numClasses, k, len(features))
	})

	imgH, imgW := imageSize(imageShape, r.cfg.DataFormat)
	outBoxes := make([]float32, 0, batch*k*4)
	outCls := make([]float32, 0, batch*k*numClasses)
	crops := make([]*tensor.Tensor[float32, B], 0, batch*k)
	for i, sel := range selections {
		outBoxes = append(outBoxes, sel.boxes...)
		outCls = append(outCls, sel.classification...)
		for j, level := range sel.levels {
			crops = append(crops, r.crop(maps[i][level], sel.boxes[j*4:j*4+4], imgH, imgW))
		}
	}

	ch, cw := r.cfg.CropSize[0], r.cfg.CropSize[1]
	channels := crops[0].Shape()[1]
	rois := tensor.Cat(crops, 0).Reshape(batch, k, channels, ch, cw)
	if r.cfg.DataFormat == ChannelsLast {
		rois = rois.Transpose(0, 1, 3, 4, 2)
	}

	return constant(outBoxes, tensor.Shape{batch, k, 4}, backend),
		constant(outCls, tensor.Shape{batch, k, numClasses}, backend),
		rois
}

type roiSelection struct {
	boxes          []float32
	classification []float32
	levels         []int
}

// selectBoxes keeps the k best scoring boxes of one image and assigns their
// levels.
func (r *RoiAlign[B]) selectBoxes(imgBoxes, imgCls []float32, numClasses, k, numFeatures int) roiSelection {
	n := len(imgBoxes) / 4
	scores := make([]float32, n)
	for j := range scores {
		row := imgCls[j*numClasses : (j+1)*numClasses]
		best := row[0]
		for _, v := range row[1:] {
			best = math32.Max(best, v)
		}
		scores[j] = best
	}

	sel := roiSelection{
		boxes:          make([]float32, 0, k*4),
		classification: make([]float32, 0, k*numClasses),
	}
	for _, j := range boxes.TopK(scores, k) {
		sel.boxes = append(sel.boxes, imgBoxes[j*4:j*4+4]...)
		sel.classification = append(sel.classification, imgCls[j*numClasses:(j+1)*numClasses]...)
	}
	sel.levels = r.AssignLevels(sel.boxes, numFeatures)
	return sel
}

// crop samples one box from a [1, C, h, w] feature map.
func (r *RoiAlign[B]) crop(feature *tensor.Tensor[float32, B], box []float32, imgH, imgW int) *tensor.Tensor[float32, B] {
	s := feature.Shape()
	h, w := s[2], s[3]

	y1 := cropCoord(box[1], imgH, h, 0)
	x1 := cropCoord(box[0], imgW, w, 0)
	y2 := cropCoord(box[3], imgH, h, 1)
	x2 := cropCoord(box[2], imgW, w, 1)

	rows := interp.Crop(y1, y2, h, r.cfg.CropSize[0])
	cols := interp.Crop(x1, x2, w, r.cfg.CropSize[1])
	return separable(feature, rows, cols)
}

// cropCoord converts an image coordinate to the normalised crop space of a
// feature axis of length size, where 1 addresses the last sample. End
// coordinates are shifted one feature pixel inward.
func cropCoord(v float32, imageSize, size int, shift float32) float32 {
	if size <= 1 {
		return 0
	}
	return (v/float32(imageSize)*float32(size) - shift) / float32(size-1)
}

// Call implements Layer. inputs[0] holds the image shape as values, followed
// by boxes, classification and the feature maps.
func (r *RoiAlign[B]) Call(inputs ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	if len(inputs) < 4 {
		panic(fmt.Sprintf("roi align: expected at least 4 inputs, got %d", len(inputs)))
	}
	dims := inputs[0].Data()
	imageShape := make(tensor.Shape, len(dims))
	for i, d := range dims {
		imageShape[i] = int(d)
	}
	b, c, rois := r.Forward(imageShape, inputs[1], inputs[2], inputs[3:]...)
	return []*tensor.Tensor[float32, B]{b, c, rois}
}

// ComputeOutputShape implements Layer. Inputs are the shapes of the image
// shape vector, boxes, classification and each feature map.
func (r *RoiAlign[B]) ComputeOutputShape(inputs ...shape.Shape) ([]shape.Shape, error) {
	if len(inputs) < 4 {
		return nil, errors.Errorf("roi align: expected at least 4 input shapes, got %d", len(inputs))
	}
	boxesShape, clsShape, feature := inputs[1], inputs[2], inputs[len(inputs)-1]
	if err := expectShapeRank("roi align", "boxes", boxesShape, 3); err != nil {
		return nil, err
	}
	if err := expectShapeRank("roi align", "classification", clsShape, 3); err != nil {
		return nil, err
	}
	if err := expectShapeRank("roi align", "features", feature, 4); err != nil {
		return nil, err
	}

	k := shape.Unknown
	if boxesShape[1].Known() {
		k = shape.Dim(min(r.cfg.TopK, int(boxesShape[1])))
	}
	batch := boxesShape[0]
	ch, cw := shape.Dim(r.cfg.CropSize[0]), shape.Dim(r.cfg.CropSize[1])
	channels := feature[r.cfg.DataFormat.ChannelAxis(4)]

	rois := shape.Shape{batch, k, ch, cw, channels}
	if r.cfg.DataFormat == ChannelsFirst {
		rois = shape.Shape{batch, k, channels, ch, cw}
	}
	return []shape.Shape{
		{batch, k, 4},
		{batch, k, clsShape[2]},
		rois,
	}, nil
}

// ClassName implements Layer.
func (r *RoiAlign[B]) ClassName() string { return "RoiAlign" }

// Name implements Layer.
func (r *RoiAlign[B]) Name() string { return r.cfg.Name }

// GetConfig implements Layer.
func (r *RoiAlign[B]) GetConfig() any { return r.cfg }
