package imageprocessing

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"log/slog"

	xdraw "golang.org/x/image/draw"
)

// ThumbnailParams represents typed parameters for thumbnail generation.
// At least one dimension is required; a missing one follows the aspect ratio.
type ThumbnailParams struct {
	Width  *int
	Height *int
}

// NewThumbnailParams validates the requested dimensions. Zero means unset.
func NewThumbnailParams(width, height int) (*ThumbnailParams, error) {
	if width < 0 || height < 0 {
		return nil, fmt.Errorf("thumbnail dimensions must not be negative, got %dx%d", width, height)
	}
	if width == 0 && height == 0 {
		return nil, fmt.Errorf("at least one of width or height must be specified")
	}
	params := &ThumbnailParams{}
	if width > 0 {
		params.Width = &width
	}
	if height > 0 {
		params.Height = &height
	}
	return params, nil
}

// Thumbnail scales img for physician review and encodes it as PNG.
func Thumbnail(img image.Image, params *ThumbnailParams) ([]byte, error) {
	bounds := img.Bounds()
	originalWidth := bounds.Dx()
	originalHeight := bounds.Dy()
	if originalWidth == 0 || originalHeight == 0 {
		return nil, fmt.Errorf("%w: image has no pixels", ErrUnreadableImage)
	}
	aspectRatio := float64(originalWidth) / float64(originalHeight)

	var targetWidth, targetHeight int
	switch {
	case params.Width != nil && params.Height != nil:
		targetWidth, targetHeight = *params.Width, *params.Height
	case params.Width != nil:
		targetWidth = *params.Width
		targetHeight = int(float64(targetWidth) / aspectRatio)
	default:
		targetHeight = *params.Height
		targetWidth = int(float64(targetHeight) * aspectRatio)
	}
	targetWidth = max(targetWidth, 1)
	targetHeight = max(targetHeight, 1)

	// never upscale
	if targetWidth > originalWidth || targetHeight > originalHeight {
		targetWidth, targetHeight = originalWidth, originalHeight
	}

	slog.Debug("Thumbnail: scaling image",
		"original_width", originalWidth,
		"original_height", originalHeight,
		"target_width", targetWidth,
		"target_height", targetHeight)

	dst := image.NewRGBA(image.Rect(0, 0, targetWidth, targetHeight))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, xdraw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
