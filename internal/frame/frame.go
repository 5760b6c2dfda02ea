// Package frame holds the decoded media values that flow between a
// transcode session's reader, scaler, and writer, and the scaling transform
// applied to every video frame.
package frame

import (
	"image"
	"time"

	"github.com/bitpress/mediaprep/internal/geometry"
)

// Frame is one decoded video frame with its presentation timestamp.
// Pixels are 8-bit RGBA in image.NRGBA layout, byte-compatible with the raw
// "rgba" stream ffmpeg reads and writes.
type Frame struct {
	// Pix is the decoded pixel buffer.
	Pix *image.NRGBA
	// PTS is the presentation timestamp, source-derived and monotonic.
	PTS time.Duration
}

// Size returns the frame's dimensions.
func (f *Frame) Size() geometry.Size {
	if f == nil || f.Pix == nil {
		return geometry.Size{}
	}
	b := f.Pix.Bounds()
	return geometry.Size{W: b.Dx(), H: b.Dy()}
}

// AudioChunk is a block of decoded PCM samples with its presentation
// timestamp. Samples are interleaved signed 16-bit little-endian at the
// fixed target rate and channel count.
type AudioChunk struct {
	// Data is the raw PCM payload.
	Data []byte
	// PTS is the presentation timestamp of the first sample.
	PTS time.Duration
}
