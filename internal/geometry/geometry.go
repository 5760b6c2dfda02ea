// Package geometry computes output frame geometry for transcoded media.
// A target size honors a fixed aspect ratio and a maximum output width with
// center-crop semantics: the crop always fits inside the displayed source
// frame, never padding it.
package geometry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Size is a frame size in pixels.
type Size struct {
	W int
	H int
}

// IsZero returns true if either dimension is missing.
func (s Size) IsZero() bool {
	return s.W <= 0 || s.H <= 0
}

// String returns the size as "WxH".
func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.W, s.H)
}

// AspectRatio is a target width:height ratio, e.g. 9:16 for portrait output.
// The ratio is absolute, not orientation-relative: 9:16 produces a
// portrait-shaped crop even from a landscape source.
type AspectRatio struct {
	W int
	H int
}

// Value returns the ratio as a float (width over height).
func (r AspectRatio) Value() float64 {
	return float64(r.W) / float64(r.H)
}

// String returns the ratio as "W:H".
func (r AspectRatio) String() string {
	return fmt.Sprintf("%d:%d", r.W, r.H)
}

// ParseAspectRatio parses a "W:H" string such as "9:16".
func ParseAspectRatio(s string) (AspectRatio, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return AspectRatio{}, fmt.Errorf("invalid aspect ratio %q: expected W:H", s)
	}
	w, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return AspectRatio{}, fmt.Errorf("invalid aspect ratio width %q: %w", parts[0], err)
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return AspectRatio{}, fmt.Errorf("invalid aspect ratio height %q: %w", parts[1], err)
	}
	if w <= 0 || h <= 0 {
		return AspectRatio{}, fmt.Errorf("invalid aspect ratio %q: dimensions must be positive", s)
	}
	return AspectRatio{W: w, H: h}, nil
}

// Rotation is the clockwise rotation, in degrees, that must be applied to a
// stored frame so that it displays upright. MP4 sources carry this as
// display-matrix side data; phone cameras commonly store landscape buffers
// with a 90 or 270 degree rotation.
type Rotation int

// Valid rotations. Anything else must go through NormalizeRotation first.
const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

// NormalizeRotation maps an arbitrary degree value (including negatives, as
// reported by ffprobe display matrices) onto one of the four rotations.
func NormalizeRotation(deg int) Rotation {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	// Round to the nearest quarter turn; real-world metadata is occasionally
	// off by a degree or two.
	switch {
	case deg >= 45 && deg < 135:
		return Rotate90
	case deg >= 135 && deg < 225:
		return Rotate180
	case deg >= 225 && deg < 315:
		return Rotate270
	default:
		return Rotate0
	}
}

// SwapsAxes reports whether this rotation swaps displayed width and height.
func (r Rotation) SwapsAxes() bool {
	return r == Rotate90 || r == Rotate270
}

// TargetGeometry is the computed output geometry for one video. It is
// derived per source and never persisted.
type TargetGeometry struct {
	// OutputSize is the encoded frame size, in display orientation.
	OutputSize Size
	// IsPortrait is true when the displayed source is taller than wide.
	IsPortrait bool
}

// TargetSize computes the output frame size for a source with the given
// stored size and rotation, cropped to the target ratio and capped at
// maxWidth. The computation runs in display space: a rotation that swaps
// axes swaps the stored dimensions before the ratio math, so the returned
// size is what the viewer sees.
//
// The crop is center-crop-to-fit: the returned size, scaled back onto the
// source, always lies entirely inside the displayed source frame.
// Dimensions are rounded to even integers as required by 4:2:0 encoding.
// A degenerate source yields a zero Size the caller must guard.
func TargetSize(source Size, rotation Rotation, maxWidth int, ratio AspectRatio) Size {
	if source.IsZero() || maxWidth <= 0 || ratio.W <= 0 || ratio.H <= 0 {
		return Size{}
	}

	display := source
	if rotation.SwapsAxes() {
		display = Size{W: source.H, H: source.W}
	}

	// Width the ratio demands at full display height, against the width
	// actually available: whichever is smaller decides the limiting axis.
	rv := ratio.Value()
	w := float64(display.H) * rv
	h := float64(display.H)
	if w > float64(display.W) {
		w = float64(display.W)
		h = w / rv
	}

	if w > float64(maxWidth) {
		w = float64(maxWidth)
		h = w / rv
	}

	return Size{W: evenRound(w), H: evenRound(h)}
}

// Geometry computes the full target geometry for a source, combining
// TargetSize with the displayed orientation.
func Geometry(source Size, rotation Rotation, maxWidth int, ratio AspectRatio) TargetGeometry {
	display := source
	if rotation.SwapsAxes() {
		display = Size{W: source.H, H: source.W}
	}
	return TargetGeometry{
		OutputSize: TargetSize(source, rotation, maxWidth, ratio),
		IsPortrait: display.H > display.W,
	}
}

// evenRound rounds to the nearest even integer, never below 2.
func evenRound(v float64) int {
	n := int(math.Round(v/2)) * 2
	if n < 2 {
		return 2
	}
	return n
}
