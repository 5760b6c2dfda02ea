package frame

import (
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/bitpress/mediaprep/internal/geometry"
)

// ErrNoFrame is returned when scaling cannot produce an output frame.
// The caller must treat it as fatal for the whole video: skipping frames
// would corrupt output timing.
var ErrNoFrame = errors.New("no frame produced")

// Scale produces a newly allocated frame of exactly the target size. The
// source is first rotated upright per the rotation transform, then scaled by
// max(scaleX, scaleY) (cover, not fit) and center-cropped, so the output is
// always completely filled. The source buffer is never modified.
func Scale(src *image.NRGBA, target geometry.Size, rotation geometry.Rotation) (*image.NRGBA, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil source frame", ErrNoFrame)
	}
	if b := src.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty source frame", ErrNoFrame)
	}
	if target.IsZero() {
		return nil, fmt.Errorf("%w: invalid target size %s", ErrNoFrame, target)
	}

	out := imaging.Fill(orient(src, rotation), target.W, target.H, imaging.Center, imaging.Lanczos)
	if out == nil || out.Bounds().Dx() != target.W || out.Bounds().Dy() != target.H {
		return nil, fmt.Errorf("%w: allocation at %s failed", ErrNoFrame, target)
	}
	return out, nil
}

// orient applies the clockwise display rotation to the stored frame.
// The imaging rotations are counter-clockwise, hence the inversion.
func orient(src image.Image, rotation geometry.Rotation) image.Image {
	switch rotation {
	case geometry.Rotate90:
		return imaging.Rotate270(src)
	case geometry.Rotate180:
		return imaging.Rotate180(src)
	case geometry.Rotate270:
		return imaging.Rotate90(src)
	default:
		return src
	}
}
