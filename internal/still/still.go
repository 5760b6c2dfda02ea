// Package still encodes decoded images into their delivery formats.
package still

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
)

// Format selects the still output encoding.
type Format string

const (
	// FormatJPEG is lossy output with a configurable quality.
	FormatJPEG Format = "jpeg"
	// FormatPNG is lossless output.
	FormatPNG Format = "png"
)

// DefaultQuality is the JPEG quality used when the caller does not set one.
const DefaultQuality = 0.7

// ErrCompress is returned when an image cannot be encoded. There is never
// partial output.
var ErrCompress = errors.New("still compression failed")

// Options control one compression call.
type Options struct {
	// Format is the output encoding. Defaults to JPEG.
	Format Format
	// Quality applies to JPEG only, in [0,1]. Zero or negative means
	// DefaultQuality.
	Quality float64
}

// Compressor encodes decoded still images. It is stateless and safe for
// concurrent use.
type Compressor struct{}

// NewCompressor creates a still image compressor.
func NewCompressor() *Compressor {
	return &Compressor{}
}

// Compress encodes the image per the options and returns the encoded bytes.
func (c *Compressor) Compress(img image.Image, opts Options) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrCompress)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrCompress)
	}

	format := opts.Format
	if format == "" {
		format = FormatJPEG
	}

	var buf bytes.Buffer
	switch format {
	case FormatJPEG:
		quality := opts.Quality
		if quality <= 0 {
			quality = DefaultQuality
		}
		if quality > 1 {
			return nil, fmt.Errorf("%w: quality %.2f out of range [0,1]", ErrCompress, quality)
		}
		q := int(math.Round(quality * 100))
		if q < 1 {
			q = 1
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, fmt.Errorf("%w: jpeg encode: %v", ErrCompress, err)
		}
	case FormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("%w: png encode: %v", ErrCompress, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrCompress, format)
	}

	return buf.Bytes(), nil
}

// Extension returns the file extension for a format, without the dot.
func (f Format) Extension() string {
	switch f {
	case FormatPNG:
		return "png"
	default:
		return "jpg"
	}
}
