package imageprocessing

import (
	"fmt"
	"image"
	"log/slog"

	xdraw "golang.org/x/image/draw"
)

// ImageNet channel statistics used by the pretrained classifiers.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// PreprocessParams represents typed parameters for the preprocessor
type PreprocessParams struct {
	Resolution int
	Mean       [3]float32
	Std        [3]float32
}

// Preprocessor turns decoded images into normalized NCHW tensors with a batch dimension of 1.
//
// Images are resized directly to a Resolution x Resolution square with bilinear
// interpolation; the aspect ratio is not preserved.
type Preprocessor struct {
	params PreprocessParams
}

// NewPreprocessor validates the parameters and creates a preprocessor.
func NewPreprocessor(params PreprocessParams) (*Preprocessor, error) {
	if params.Resolution <= 0 {
		return nil, fmt.Errorf("resolution must be positive, got %d", params.Resolution)
	}
	for c, s := range params.Std {
		if s <= 0 {
			return nil, fmt.Errorf("std for channel %d must be positive, got %f", c, s)
		}
	}
	return &Preprocessor{params: params}, nil
}

// Resolution returns the configured square input size.
func (p *Preprocessor) Resolution() int {
	return p.params.Resolution
}

// Preprocess converts img to RGB, resizes it and normalizes every channel.
func (p *Preprocessor) Preprocess(img image.Image, order ColorOrder) (*Tensor, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: no image", ErrUnreadableImage)
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, fmt.Errorf("%w: image has no pixels", ErrUnreadableImage)
	}

	size := p.params.Resolution
	rgb := ToRGB(img, order)

	resized := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.BiLinear.Scale(resized, resized.Bounds(), rgb, rgb.Bounds(), xdraw.Src, nil)

	slog.Debug("Preprocessor: resized image",
		"original_width", bounds.Dx(),
		"original_height", bounds.Dy(),
		"target_size", size,
		"color_order", string(order))

	plane := size * size
	data := make([]float32, 3*plane)
	mean := p.params.Mean
	std := p.params.Std

	parallelFor(size, func(y int) {
		for x := 0; x < size; x++ {
			off := resized.PixOffset(x, y)
			idx := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(resized.Pix[off+c]) / 255
				data[c*plane+idx] = (v - mean[c]) / std[c]
			}
		}
	})

	return &Tensor{
		Shape: []int64{1, 3, int64(size), int64(size)},
		Data:  data,
	}, nil
}
