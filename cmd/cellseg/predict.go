package main

import (
	"flag"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"os"
	"time"

	"github.com/born-ml/born/tensor"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/born-ml/cellseg/modelzoo"
)

func runPredict(args []string, log *logrus.Logger) error {
	fs := flag.NewFlagSet("predict", flag.ExitOnError)
	var mf modelFlags
	mf.register(fs)
	in := fs.String("image", envString("CELLSEG_IMAGE", ""), "input image (tiff, png, jpeg or bmp)")
	out := fs.String("out", envString("CELLSEG_OUT", "mask.png"), "output class map (from randomly initialized weights)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return errors.New("-image is required")
	}
	cfg, err := mf.config()
	if err != nil {
		return err
	}

	img, err := readImage(*in)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"image": *in, "bounds": img.Bounds().Size()}).Info("image loaded")
	log.Warn("model weights are randomly initialized, the class map is not a trained segmentation")

	return withBackend(mf.device, log, predictTask{cfg: cfg, img: img, out: *out, log: log})
}

type predictTask struct {
	cfg modelzoo.FPNetConfig
	img image.Image
	out string
	log *logrus.Logger
}

func (t predictTask) runCPU(b cpuBackend) error {
	return predict(t.cfg, b, t.img, t.out, t.log)
}

func readImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return img, nil
}

// pixels resizes img to size x size and returns it as [1, size, size, channels]
// values in [0, 1].
func pixels(img image.Image, size, channels int) []float32 {
	img = resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	b := img.Bounds()
	data := make([]float32, 0, size*size*channels)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.At(x, y)
			if channels == 1 {
				g := color.Gray16Model.Convert(c).(color.Gray16)
				data = append(data, float32(g.Y)/0xffff)
				continue
			}
			r, g, bl, _ := c.RGBA()
			data = append(data, float32(r)/0xffff, float32(g)/0xffff, float32(bl)/0xffff)
		}
	}
	return data
}

// classMap turns [1, H, W, C] probabilities into a grayscale image with evenly
// spaced levels per class.
func classMap(probs []float32, h, w, classes int) *image.Gray {
	m := image.NewGray(image.Rect(0, 0, w, h))
	step := 255
	if classes > 1 {
		step = 255 / (classes - 1)
	}
	for i := 0; i < h*w; i++ {
		row := probs[i*classes : (i+1)*classes]
		best := 0
		for c, p := range row {
			if p > row[best] {
				best = c
			}
		}
		m.Pix[i] = uint8(best * step)
	}
	return m
}

func predict[B tensor.Backend](cfg modelzoo.FPNetConfig, backend B, img image.Image, out string, log *logrus.Logger) error {
	model, err := modelzoo.NewFPNet(cfg, backend, modelzoo.WithLogger[B](logrus.NewEntry(log)))
	if err != nil {
		return err
	}

	size, channels := cfg.InputShape[0], cfg.InputShape[2]
	x, err := tensor.FromSlice(pixels(img, size, channels), tensor.Shape{1, size, size, channels}, backend)
	if err != nil {
		return err
	}

	start := time.Now()
	probs := model.Forward(x)
	log.WithField("elapsed", time.Since(start)).Info("inference done")

	mask := classMap(probs.Data(), size, size, cfg.NClasses)
	bounds := img.Bounds().Size()
	resized := resize.Resize(uint(bounds.X), uint(bounds.Y), mask, resize.NearestNeighbor)

	f, err := os.Create(out)
	if err != nil {
		return errors.Wrap(err, "create output")
	}
	if err := png.Encode(f, resized); err != nil {
		f.Close()
		return errors.Wrap(err, "encode output")
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.WithField("out", out).Info("class map written")
	return nil
}
