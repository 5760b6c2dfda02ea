package transcode

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/bitpress/mediaprep/internal/frame"
	"github.com/bitpress/mediaprep/internal/geometry"
)

// audioChunkBytes is the PCM read size, roughly 190 ms of 44.1 kHz stereo.
const audioChunkBytes = 32 * 1024

// ffmpegReader demuxes and decodes one source through ffmpeg child
// processes: one per track, each streaming raw data over a pipe.
type ffmpegReader struct {
	video *pipeProc
	audio *pipeProc

	size       geometry.Size
	frameBytes int
	targetFPS  float64
	pcmPerSec  int

	frameIndex int64
	audioOff   int64
}

var _ Reader = (*ffmpegReader)(nil)

// newFFmpegReader starts the demuxer processes for a probed source. The
// context governs their lifetime: cancelling it kills the children and
// unblocks pending reads.
func newFFmpegReader(ctx context.Context, bin string, cfg ReaderConfig) (Reader, error) {
	if cfg.Info == nil || cfg.Info.Video == nil {
		return nil, fmt.Errorf("%w: missing source info", ErrReaderInit)
	}
	size := cfg.Info.Video.Size
	if size.IsZero() {
		return nil, fmt.Errorf("%w: source reports frame size %s", ErrReaderInit, size)
	}
	if cfg.TargetFPS <= 0 {
		return nil, fmt.Errorf("%w: target frame rate %v", ErrReaderInit, cfg.TargetFPS)
	}

	video, err := startPipeProc(ctx, bin, buildVideoDemuxArgs(cfg.Source, cfg.TargetFPS))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReaderInit, err)
	}

	var audio *pipeProc
	if cfg.WithAudio && cfg.Info.Audio != nil {
		audio, err = startPipeProc(ctx, bin, buildAudioDemuxArgs(cfg.Source, cfg.Profile))
		if err != nil {
			video.stop()
			return nil, fmt.Errorf("%w: %w", ErrReaderInit, err)
		}
	}

	return &ffmpegReader{
		video:      video,
		audio:      audio,
		size:       size,
		frameBytes: size.W * size.H * 4,
		targetFPS:  cfg.TargetFPS,
		pcmPerSec:  cfg.Profile.SampleRate * cfg.Profile.Channels * 2,
	}, nil
}

// NextFrame reads one full RGBA frame off the video pipe. The frame keeps
// the stored orientation; its PTS is derived from the resampled frame index.
func (r *ffmpegReader) NextFrame(ctx context.Context) (*frame.Frame, error) {
	buf := make([]byte, r.frameBytes)
	if _, err := io.ReadFull(r.video.out, buf); err != nil {
		return nil, r.videoReadErr(ctx, err)
	}

	img := &image.NRGBA{
		Pix:    buf,
		Stride: r.size.W * 4,
		Rect:   image.Rect(0, 0, r.size.W, r.size.H),
	}
	pts := time.Duration(float64(r.frameIndex) / r.targetFPS * float64(time.Second))
	r.frameIndex++
	return &frame.Frame{Pix: img, PTS: pts}, nil
}

// videoReadErr classifies a failed frame read. A demuxer that exits non-zero
// or produces zero frames never started reading the source; after the first
// frame the same exit is a mid-stream decode failure.
func (r *ffmpegReader) videoReadErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !errors.Is(err, io.EOF) {
		// ErrUnexpectedEOF lands here: a frame was cut off mid-read.
		return r.video.fail(fmt.Errorf("truncated frame %d: %w", r.frameIndex, err))
	}
	if werr := r.video.wait(); werr != nil {
		if r.frameIndex == 0 {
			return fmt.Errorf("%w: %w", ErrReaderStart, r.video.fail(werr))
		}
		return r.video.fail(werr)
	}
	if r.frameIndex == 0 {
		return fmt.Errorf("%w: demuxer produced no frames", ErrReaderStart)
	}
	return io.EOF
}

// NextAudio reads the next PCM chunk off the audio pipe. Sources without an
// audio track report io.EOF immediately.
func (r *ffmpegReader) NextAudio(ctx context.Context) (*frame.AudioChunk, error) {
	if r.audio == nil {
		return nil, io.EOF
	}
	buf := make([]byte, audioChunkBytes)
	for {
		n, err := r.audio.out.Read(buf)
		if n > 0 {
			pts := time.Duration(float64(r.audioOff) / float64(r.pcmPerSec) * float64(time.Second))
			r.audioOff += int64(n)
			return &frame.AudioChunk{Data: buf[:n], PTS: pts}, nil
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, io.EOF) {
			return nil, r.audio.fail(err)
		}
		if werr := r.audio.wait(); werr != nil {
			return nil, r.audio.fail(werr)
		}
		return nil, io.EOF
	}
}

// HasAudio reports whether an audio demuxer was opened for this source.
func (r *ffmpegReader) HasAudio() bool {
	return r.audio != nil
}

// Close stops the demuxer processes. Safe after EOF and after errors.
func (r *ffmpegReader) Close() error {
	r.video.stop()
	if r.audio != nil {
		r.audio.stop()
	}
	return nil
}
