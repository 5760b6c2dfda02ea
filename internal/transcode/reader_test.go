package transcode

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/bitpress/mediaprep/internal/geometry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipIfNoShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// shellReader builds an ffmpegReader whose video pipe is fed by a shell
// script instead of a demuxer, for exercising the read loop in isolation.
func shellReader(t *testing.T, ctx context.Context, script string, size geometry.Size, fps float64) *ffmpegReader {
	t.Helper()
	skipIfNoShell(t)

	proc, err := startPipeProc(ctx, "sh", []string{"-c", script})
	require.NoError(t, err)
	t.Cleanup(proc.stop)

	return &ffmpegReader{
		video:      proc,
		size:       size,
		frameBytes: size.W * size.H * 4,
		targetFPS:  fps,
		pcmPerSec:  44100 * 2 * 2,
	}
}

func TestReaderNextFrameEOF(t *testing.T) {
	ctx := context.Background()
	size := geometry.Size{W: 2, H: 2}
	// Two full 2x2 RGBA frames, then a clean exit.
	r := shellReader(t, ctx, "dd if=/dev/zero bs=16 count=2 2>/dev/null", size, 24)

	for i := 0; i < 2; i++ {
		f, err := r.NextFrame(ctx)
		require.NoError(t, err)
		assert.Equal(t, size, f.Size())
		want := time.Duration(float64(i) / 24 * float64(time.Second))
		assert.Equal(t, want, f.PTS)
	}

	_, err := r.NextFrame(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, r.HasAudio())
}

func TestReaderNextFrameStartFailure(t *testing.T) {
	ctx := context.Background()
	r := shellReader(t, ctx, "echo boom >&2; exit 1", geometry.Size{W: 2, H: 2}, 24)

	_, err := r.NextFrame(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReaderStart)

	var ffErr *FFmpegError
	require.ErrorAs(t, err, &ffErr)
	assert.Contains(t, ffErr.Stderr, "boom")
}

func TestReaderNextFrameNoFrames(t *testing.T) {
	ctx := context.Background()
	// Clean exit without producing a single frame still counts as a source
	// that could not be read.
	r := shellReader(t, ctx, "exit 0", geometry.Size{W: 2, H: 2}, 24)

	_, err := r.NextFrame(ctx)
	assert.ErrorIs(t, err, ErrReaderStart)
}

func TestReaderNextFrameMidStreamFailure(t *testing.T) {
	ctx := context.Background()
	// One full frame, then the demuxer dies.
	r := shellReader(t, ctx, "dd if=/dev/zero bs=16 count=1 2>/dev/null; echo decode >&2; exit 1", geometry.Size{W: 2, H: 2}, 24)

	_, err := r.NextFrame(ctx)
	require.NoError(t, err)

	_, err = r.NextFrame(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrReaderStart)

	var ffErr *FFmpegError
	require.ErrorAs(t, err, &ffErr)
	assert.Contains(t, ffErr.Stderr, "decode")
}

func TestReaderNextFrameTruncated(t *testing.T) {
	ctx := context.Background()
	// One frame plus a quarter of the next.
	r := shellReader(t, ctx, "dd if=/dev/zero bs=20 count=1 2>/dev/null", geometry.Size{W: 2, H: 2}, 24)

	_, err := r.NextFrame(ctx)
	require.NoError(t, err)

	_, err = r.NextFrame(ctx)
	require.Error(t, err)
	var ffErr *FFmpegError
	require.ErrorAs(t, err, &ffErr)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReaderNextFrameContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := shellReader(t, ctx, "sleep 5", geometry.Size{W: 2, H: 2}, 24)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := r.NextFrame(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReaderNextAudio(t *testing.T) {
	skipIfNoShell(t)
	ctx := context.Background()

	proc, err := startPipeProc(ctx, "sh", []string{"-c", "dd if=/dev/zero bs=1764 count=1 2>/dev/null"})
	require.NoError(t, err)
	r := &ffmpegReader{
		audio:     proc,
		pcmPerSec: 44100 * 2 * 2,
	}
	t.Cleanup(proc.stop)

	var total int
	var lastPTS time.Duration
	for {
		chunk, err := r.NextAudio(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		total += len(chunk.Data)
		lastPTS = chunk.PTS
	}
	assert.Equal(t, 1764, total)
	assert.GreaterOrEqual(t, lastPTS, time.Duration(0))
}

func TestReaderNextAudioWithoutTrack(t *testing.T) {
	r := &ffmpegReader{}
	_, err := r.NextAudio(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, r.HasAudio())
}

func TestNewFFmpegReaderValidation(t *testing.T) {
	ctx := context.Background()
	info := &SourceInfo{Video: &VideoStream{Size: geometry.Size{W: 320, H: 240}}}

	tests := []struct {
		name string
		cfg  ReaderConfig
	}{
		{name: "missing info", cfg: ReaderConfig{Source: "in.mp4", TargetFPS: 24}},
		{name: "zero size", cfg: ReaderConfig{Source: "in.mp4", Info: &SourceInfo{Video: &VideoStream{}}, TargetFPS: 24}},
		{name: "zero fps", cfg: ReaderConfig{Source: "in.mp4", Info: info}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newFFmpegReader(ctx, "ffmpeg", tt.cfg)
			assert.ErrorIs(t, err, ErrReaderInit)
		})
	}
}
