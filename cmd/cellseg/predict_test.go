package main

import (
	"flag"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPixels(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 255
	}

	gray := pixels(img, 4, 1)
	require.Len(t, gray, 16)
	for _, v := range gray {
		assert.InDelta(t, 1, v, 1e-3)
	}

	rgb := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			rgb.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	data := pixels(rgb, 4, 3)
	require.Len(t, data, 48)
	assert.InDelta(t, 1, data[0], 1e-3)
	assert.InDelta(t, 0, data[1], 1e-3)
	assert.InDelta(t, 0, data[2], 1e-3)
}

func TestClassMap(t *testing.T) {
	probs := []float32{
		0.8, 0.1, 0.1,
		0.1, 0.8, 0.1,
		0.1, 0.1, 0.8,
		0.4, 0.4, 0.2,
	}
	m := classMap(probs, 2, 2, 3)
	assert.Equal(t, []uint8{0, 127, 254, 0}, m.Pix)
}

func TestModelFlagsConfig(t *testing.T) {
	t.Setenv("CELLSEG_SIZE", "64")
	t.Setenv("CELLSEG_BACKBONE", "resnet50")

	var mf modelFlags
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	mf.register(fs)
	require.NoError(t, fs.Parse([]string{"-channels", "3"}))

	cfg, err := mf.config()
	require.NoError(t, err)
	assert.Equal(t, [3]int{64, 64, 3}, cfg.InputShape)
	assert.Equal(t, "resnet50", cfg.Backbone)

	mf.channels = 2
	_, err = mf.config()
	assert.Error(t, err)
}
