// Package preprocess turns images into planar float32 input tensors.
package preprocess

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Options describe the tensor an image is converted to.
type Options struct {
	Width, Height int
	Mean, Std     [3]float32
	// BGR orders channels blue, green, red, the layout of images decoded by OpenCV.
	BGR bool
}

// Defaults is the 128x128 classifier input: pixel/255 normalized with mean and
// std 0.5 per channel, BGR order.
func Defaults() Options {
	return Options{
		Width:  128,
		Height: 128,
		Mean:   [3]float32{0.5, 0.5, 0.5},
		Std:    [3]float32{0.5, 0.5, 0.5},
		BGR:    true,
	}
}

// Len is the number of floats produced per image.
func (o Options) Len() int { return 3 * o.Width * o.Height }

func (o Options) validate() error {
	if o.Width <= 0 || o.Height <= 0 {
		return fmt.Errorf("preprocess: invalid size %dx%d", o.Width, o.Height)
	}
	for c, s := range o.Std {
		if s == 0 {
			return fmt.Errorf("preprocess: std of channel %d is zero", c)
		}
	}
	return nil
}

// File decodes the image at path and converts it.
func File(path string, o Options) ([]float32, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	return Image(img, o)
}

// Image resizes img to o.Width x o.Height and returns CHW data with
// (pixel/255 - mean[c]) / std[c]. Alpha is ignored.
func Image(img image.Image, o Options) ([]float32, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	var src *image.NRGBA
	if b := img.Bounds(); b.Dx() == o.Width && b.Dy() == o.Height {
		src = imaging.Clone(img)
	} else {
		src = imaging.Resize(img, o.Width, o.Height, imaging.Linear)
	}

	plane := o.Width * o.Height
	out := make([]float32, 3*plane)
	for y := 0; y < o.Height; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < o.Width; x++ {
			px := row[x*4 : x*4+3]
			for c := 0; c < 3; c++ {
				v := px[c]
				if o.BGR {
					v = px[2-c]
				}
				out[c*plane+y*o.Width+x] = (float32(v)/255 - o.Mean[c]) / o.Std[c]
			}
		}
	}
	return out, nil
}
