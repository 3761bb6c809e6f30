package imageprocessing

import (
	"fmt"
	"image"
	"image/draw"
	"strings"
)

// ColorOrder describes the channel order of the pixels handed to the preprocessor.
type ColorOrder string

const (
	ColorOrderRGB ColorOrder = "rgb"
	ColorOrderBGR ColorOrder = "bgr"
)

// ParseColorOrder parses a channel order name. An empty string means RGB.
func ParseColorOrder(value string) (ColorOrder, error) {
	switch ColorOrder(strings.ToLower(strings.TrimSpace(value))) {
	case "", ColorOrderRGB:
		return ColorOrderRGB, nil
	case ColorOrderBGR:
		return ColorOrderBGR, nil
	default:
		return "", fmt.Errorf("invalid color order: %s (must be 'rgb' or 'bgr')", value)
	}
}

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Len returns the number of elements implied by the shape.
func (t *Tensor) Len() int {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return int(n)
}

// ToRGB copies img into an RGBA image with RGB channel order.
// When order is BGR the red and blue channels are swapped exactly once.
func ToRGB(img image.Image, order ColorOrder) *image.RGBA {
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	if order == ColorOrderBGR {
		parallelFor(dst.Bounds().Dy(), func(y int) {
			row := dst.Pix[y*dst.Stride : y*dst.Stride+dst.Bounds().Dx()*4]
			for i := 0; i < len(row); i += 4 {
				row[i], row[i+2] = row[i+2], row[i]
			}
		})
	}
	return dst
}

// FromRawBuffer wraps an interleaved 3-channel 8-bit pixel buffer, as produced by
// camera capture paths, into an RGBA image with RGB channel order.
func FromRawBuffer(pix []byte, width, height int, order ColorOrder) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrUnreadableImage, width, height)
	}
	if len(pix) != width*height*3 {
		return nil, fmt.Errorf("%w: expected %d bytes for %dx%dx3, got %d", ErrUnreadableImage, width*height*3, width, height, len(pix))
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	parallelFor(height, func(y int) {
		for x := 0; x < width; x++ {
			src := (y*width + x) * 3
			off := dst.PixOffset(x, y)
			r, g, b := pix[src], pix[src+1], pix[src+2]
			if order == ColorOrderBGR {
				r, b = b, r
			}
			dst.Pix[off] = r
			dst.Pix[off+1] = g
			dst.Pix[off+2] = b
			dst.Pix[off+3] = 0xff
		}
	})
	return dst, nil
}
