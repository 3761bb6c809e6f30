package imageprocessing

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnreadableImage is returned when uploaded bytes cannot be decoded into an image.
var ErrUnreadableImage = errors.New("unreadable image")

const (
	formatSVG = "svg"

	// DefaultMaxPixels bounds the decoded image to roughly 100 MiB of RGBA.
	DefaultMaxPixels = 25_000_000

	// svg attribute values are saturated here so width*height cannot overflow
	maxSVGDimension = 1 << 24
)

// Decoder turns uploaded bytes into a decoded image.
// Raster formats are handled by the registered image decoders, SVG is rasterized.
type Decoder struct {
	svgFallbackWidth  int
	svgFallbackHeight int
	maxPixels         int
}

// NewDecoder creates a decoder. The fallback size is only used for SVG input
// without explicit width/height attributes. Images with more than maxPixels
// pixels are rejected before any pixel buffer is allocated; a non-positive
// maxPixels uses DefaultMaxPixels.
func NewDecoder(svgFallbackWidth, svgFallbackHeight, maxPixels int) *Decoder {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Decoder{
		svgFallbackWidth:  svgFallbackWidth,
		svgFallbackHeight: svgFallbackHeight,
		maxPixels:         maxPixels,
	}
}

func (d *Decoder) checkSize(width, height int) error {
	if width*height > d.maxPixels {
		slog.Warn("Decoder: rejecting oversized image", "width", width, "height", height, "max_pixels", d.maxPixels)
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrUnreadableImage, width, height, d.maxPixels)
	}
	return nil
}

// Decode decodes the given bytes and returns the image together with its format name.
func (d *Decoder) Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty input", ErrUnreadableImage)
	}

	if isSVGData(data) {
		img, err := d.decodeSVG(data)
		if err != nil {
			return nil, "", err
		}
		return img, formatSVG, nil
	}

	header, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		slog.Warn("Decoder: failed to read image header", "input_size_bytes", len(data), "error", err)
		return nil, "", fmt.Errorf("%w: %v", ErrUnreadableImage, err)
	}
	if err := d.checkSize(header.Width, header.Height); err != nil {
		return nil, "", err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		slog.Warn("Decoder: failed to decode image", "input_size_bytes", len(data), "error", err)
		return nil, "", fmt.Errorf("%w: %v", ErrUnreadableImage, err)
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, "", fmt.Errorf("%w: image has no pixels", ErrUnreadableImage)
	}

	slog.Debug("Decoder: decoded raster image",
		"format", format,
		"width", bounds.Dx(),
		"height", bounds.Dy())
	return img, format, nil
}

func (d *Decoder) decodeSVG(data []byte) (image.Image, error) {
	w, h, ok := parseSvgExplicitSize(data)
	if !ok {
		w, h = d.svgFallbackWidth, d.svgFallbackHeight
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: SVG has no explicit size and no fallback size is configured", ErrUnreadableImage)
	}
	if err := d.checkSize(w, h); err != nil {
		return nil, err
	}
	img, err := renderSVG(data, w, h)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableImage, err)
	}
	return img, nil
}

// parseSvgExplicitSize extracts width and height attributes of the root svg tag.
func parseSvgExplicitSize(data []byte) (int, int, bool) {
	n := min(len(data), 8192)
	s := strings.ToLower(string(data[:n]))
	i := strings.Index(s, "<svg")
	if i < 0 {
		return 0, 0, false
	}
	end := strings.Index(s[i:], ">")
	if end < 0 {
		end = len(s)
	} else {
		end += i
	}
	tag := s[i:end]

	w, wOk := parseNumericAttr(tag, "width")
	h, hOk := parseNumericAttr(tag, "height")
	if wOk && hOk {
		return w, h, true
	}
	return 0, 0, false
}

// parseNumericAttr reads the leading integer of a quoted attribute value, e.g. width="120px".
func parseNumericAttr(tag, attr string) (int, bool) {
	pos := strings.Index(tag, " "+attr+"=")
	if pos < 0 {
		return 0, false
	}
	rest := tag[pos+len(attr)+2:]
	if rest == "" || (rest[0] != '"' && rest[0] != '\'') {
		return 0, false
	}
	quote := rest[0]
	rest = rest[1:]
	if end := strings.IndexByte(rest, quote); end >= 0 {
		rest = rest[:end]
	}

	num := 0
	found := false
	for i := 0; i < len(rest); i++ {
		ch := rest[i]
		if ch < '0' || ch > '9' {
			break
		}
		found = true
		num = min(num*10+int(ch-'0'), maxSVGDimension)
	}
	if !found || num <= 0 {
		return 0, false
	}
	return num, true
}

// isSVGData looks for an svg root tag or the SVG namespace in the first few KB.
func isSVGData(data []byte) bool {
	n := min(len(data), 4096)
	header := bytes.ToLower(bytes.TrimSpace(data[:n]))
	return bytes.Contains(header, []byte("<svg")) ||
		bytes.Contains(header, []byte("http://www.w3.org/2000/svg"))
}

func renderSVG(svgData []byte, width, height int) (*image.RGBA, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(svgData))
	if err != nil {
		return nil, fmt.Errorf("failed to parse SVG: %w", err)
	}
	icon.SetTarget(0, 0, float64(width), float64(height))

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	scanner := rasterx.NewScannerGV(width, height, dst, dst.Bounds())
	dasher := rasterx.NewDasher(width, height, scanner)
	icon.Draw(dasher, 1.0)
	return dst, nil
}
