package still

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"testing"
)

// photographicImage builds a noisy gradient, which compresses like a photo:
// poorly under lossless PNG, well under lossy JPEG.
func photographicImage(w, h int) *image.NRGBA {
	rng := rand.New(rand.NewSource(42))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			noise := uint8(rng.Intn(32))
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x*255/w) + noise/2,
				G: uint8(y*255/h) + noise/3,
				B: uint8((x+y)*255/(w+h)) + noise,
				A: 255,
			})
		}
	}
	return img
}

func TestCompress_JPEG(t *testing.T) {
	c := NewCompressor()
	img := photographicImage(320, 240)

	data, err := c.Compress(img, Options{Format: FormatJPEG, Quality: 0.7})
	if err != nil {
		t.Fatalf("Compress() unexpected error: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty output")
	}

	decoded, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not valid JPEG: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 320 || b.Dy() != 240 {
		t.Errorf("decoded size %dx%d, want 320x240", b.Dx(), b.Dy())
	}
}

func TestCompress_PNG(t *testing.T) {
	c := NewCompressor()
	img := photographicImage(64, 64)

	data, err := c.Compress(img, Options{Format: FormatPNG})
	if err != nil {
		t.Fatalf("Compress() unexpected error: %v", err)
	}

	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not valid PNG: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 64 || b.Dy() != 64 {
		t.Errorf("decoded size %dx%d, want 64x64", b.Dx(), b.Dy())
	}
}

func TestCompress_JPEGSmallerThanPNGForPhotos(t *testing.T) {
	c := NewCompressor()
	img := photographicImage(320, 240)

	jpegData, err := c.Compress(img, Options{Format: FormatJPEG, Quality: 0.7})
	if err != nil {
		t.Fatalf("jpeg: %v", err)
	}
	pngData, err := c.Compress(img, Options{Format: FormatPNG})
	if err != nil {
		t.Fatalf("png: %v", err)
	}

	if len(jpegData) == 0 || len(pngData) == 0 {
		t.Fatal("expected non-empty outputs")
	}
	if len(jpegData) >= len(pngData) {
		t.Errorf("jpeg at 0.7 (%d bytes) should be smaller than png (%d bytes) for photographic content",
			len(jpegData), len(pngData))
	}
}

func TestCompress_QualityOrdering(t *testing.T) {
	c := NewCompressor()
	img := photographicImage(320, 240)

	low, err := c.Compress(img, Options{Format: FormatJPEG, Quality: 0.3})
	if err != nil {
		t.Fatalf("quality 0.3: %v", err)
	}
	high, err := c.Compress(img, Options{Format: FormatJPEG, Quality: 0.95})
	if err != nil {
		t.Fatalf("quality 0.95: %v", err)
	}

	if len(low) >= len(high) {
		t.Errorf("quality 0.3 output (%d bytes) should be smaller than quality 0.95 (%d bytes)",
			len(low), len(high))
	}
}

func TestCompress_Defaults(t *testing.T) {
	c := NewCompressor()
	img := photographicImage(64, 64)

	// Zero options mean JPEG at the default quality.
	fromZero, err := c.Compress(img, Options{})
	if err != nil {
		t.Fatalf("Compress() unexpected error: %v", err)
	}
	explicit, err := c.Compress(img, Options{Format: FormatJPEG, Quality: DefaultQuality})
	if err != nil {
		t.Fatalf("Compress() unexpected error: %v", err)
	}

	if !bytes.Equal(fromZero, explicit) {
		t.Error("zero options should encode identically to explicit defaults")
	}
}

func TestCompress_Errors(t *testing.T) {
	c := NewCompressor()
	valid := photographicImage(8, 8)

	tests := []struct {
		name string
		img  image.Image
		opts Options
	}{
		{"nil image", nil, Options{}},
		{"empty image", image.NewNRGBA(image.Rect(0, 0, 0, 0)), Options{}},
		{"quality above range", valid, Options{Format: FormatJPEG, Quality: 1.5}},
		{"unknown format", valid, Options{Format: "webp"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := c.Compress(tt.img, tt.opts)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrCompress) {
				t.Errorf("expected ErrCompress, got %v", err)
			}
			if data != nil {
				t.Error("expected no partial output on error")
			}
		})
	}
}

func TestFormat_Extension(t *testing.T) {
	if got := FormatJPEG.Extension(); got != "jpg" {
		t.Errorf("jpeg extension = %q, want jpg", got)
	}
	if got := FormatPNG.Extension(); got != "png" {
		t.Errorf("png extension = %q, want png", got)
	}
}
