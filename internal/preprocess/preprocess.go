// Package preprocess turns uploaded images into model input tensors.
package preprocess

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

type Layout string

const (
	NHWC Layout = "NHWC"
	NCHW Layout = "NCHW"
)

const channels = 3

// DefaultMaxPixels matches the point at which PIL refuses an image as a
// decompression bomb.
const DefaultMaxPixels = 178956970

var filters = map[string]resize.InterpolationFunction{
	"nearest":  resize.NearestNeighbor,
	"bilinear": resize.Bilinear,
	"bicubic":  resize.Bicubic,
	"mitchell": resize.MitchellNetravali,
	"lanczos2": resize.Lanczos2,
	"lanczos3": resize.Lanczos3,
}

// ParseFilter maps a config name onto a resize kernel. Empty means nearest,
// which is what the training pipeline's loader used.
func ParseFilter(name string) (resize.InterpolationFunction, error) {
	if name == "" {
		return resize.NearestNeighbor, nil
	}
	f, ok := filters[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unknown interpolation %q", name)
	}
	return f, nil
}

// Decode reads a JPEG, PNG or GIF and applies its EXIF orientation.
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// Load decodes the image at path. Images whose header declares more than
// maxPixels pixels are rejected before any pixel data is allocated; a
// non-positive maxPixels means DefaultMaxPixels.
func Load(path string, maxPixels int) (image.Image, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > int64(maxPixels) {
		return nil, fmt.Errorf("image size (%d pixels) exceeds limit of %d pixels", pixels, maxPixels)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return Decode(f)
}

// ToTensor resizes img to size x size, drops alpha and scales each channel to
// [0,1]. The result holds a batch of one image in the requested layout.
func ToTensor(img image.Image, size int, layout Layout, filter resize.InterpolationFunction) ([]float32, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid target size %d", size)
	}
	if layout != NHWC && layout != NCHW {
		return nil, fmt.Errorf("unsupported layout %q", layout)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("image has no pixels")
	}

	resized := imaging.Clone(resize.Resize(uint(size), uint(size), img, filter))
	width, height := resized.Bounds().Dx(), resized.Bounds().Dy()

	plane := width * height
	data := make([]float32, channels*plane)

	for y := 0; y < height; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < width; x++ {
			px := row[x*4 : x*4+channels]
			pixelIndex := y*width + x

			for c := 0; c < channels; c++ {
				val := float32(px[c]) / 255.0
				if layout == NCHW {
					data[c*plane+pixelIndex] = val
				} else {
					data[pixelIndex*channels+c] = val
				}
			}
		}
	}

	return data, nil
}
