package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitpress/mediaprep/internal/frame"
)

// ffmpegWriter muxes raw RGBA frames and PCM chunks into an H.264/AAC MP4
// through a single ffmpeg child. Video arrives on stdin, audio on descriptor
// 3 via an extra pipe. Writes block while the encoder is busy, which is what
// paces the upstream lanes.
type ffmpegWriter struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	audioW *os.File
	stderr *stderrTail
	args   []string
	output string

	frameSize  int
	frameBytes int
	lastPTS    time.Duration
	framesOut  int64

	stdinOnce sync.Once
	audioOnce sync.Once
	waitOnce  sync.Once
	waitErr   error
	done      atomic.Bool
}

var _ Writer = (*ffmpegWriter)(nil)

// newFFmpegWriter starts the muxer process. Any stale file at the output
// path is removed first so a failed run can never be mistaken for a finished
// one. The context governs the child's lifetime.
func newFFmpegWriter(ctx context.Context, bin, output string, cfg WriterConfig) (Writer, error) {
	if output == "" {
		return nil, fmt.Errorf("%w: empty output path", ErrWriterInit)
	}
	if cfg.FrameSize.IsZero() {
		return nil, fmt.Errorf("%w: frame size %s", ErrWriterInit, cfg.FrameSize)
	}
	if cfg.FrameRate <= 0 {
		return nil, fmt.Errorf("%w: frame rate %v", ErrWriterInit, cfg.FrameRate)
	}
	if cfg.VideoBitrate <= 0 {
		return nil, fmt.Errorf("%w: video bitrate %d", ErrWriterInit, cfg.VideoBitrate)
	}
	if err := os.Remove(output); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: remove stale output: %w", ErrWriterInit, err)
	}

	args := buildMuxArgs(output, cfg)
	// #nosec G204 - binary and args are built by this package, not user input
	cmd := exec.CommandContext(ctx, bin, args...)
	tail := newStderrTail()
	cmd.Stderr = tail

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %w", ErrWriterInit, err)
	}

	var audioR, audioW *os.File
	if cfg.Audio {
		audioR, audioW, err = os.Pipe()
		if err != nil {
			_ = stdin.Close()
			return nil, fmt.Errorf("%w: audio pipe: %w", ErrWriterInit, err)
		}
		// The first extra file becomes descriptor 3 in the child.
		cmd.ExtraFiles = []*os.File{audioR}
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		if audioR != nil {
			_ = audioR.Close()
			_ = audioW.Close()
		}
		return nil, fmt.Errorf("%w: start %s: %w", ErrWriterInit, bin, err)
	}
	if audioR != nil {
		// The child holds its own copy; the parent keeps only the write end.
		_ = audioR.Close()
	}

	return &ffmpegWriter{
		cmd:        cmd,
		stdin:      stdin,
		audioW:     audioW,
		stderr:     tail,
		args:       args,
		output:     output,
		frameSize:  cfg.FrameSize.W,
		frameBytes: cfg.FrameSize.W * cfg.FrameSize.H * 4,
	}, nil
}

// WriteFrame streams one scaled frame to the encoder. Frames must match the
// configured size exactly and arrive in presentation order.
func (w *ffmpegWriter) WriteFrame(ctx context.Context, f *frame.Frame) error {
	if f == nil || f.Pix == nil {
		return errors.New("write frame: nil frame")
	}
	if len(f.Pix.Pix) < w.frameBytes || f.Pix.Stride != w.frameSize*4 {
		return fmt.Errorf("write frame: got %s with stride %d, want %d tightly packed bytes",
			f.Size(), f.Pix.Stride, w.frameBytes)
	}
	if w.framesOut > 0 && f.PTS < w.lastPTS {
		return fmt.Errorf("write frame: PTS %s regresses below %s", f.PTS, w.lastPTS)
	}

	if _, err := w.stdin.Write(f.Pix.Pix[:w.frameBytes]); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return w.fail(fmt.Errorf("write frame %d: %w", w.framesOut, err))
	}
	w.lastPTS = f.PTS
	w.framesOut++
	return nil
}

// WriteAudio streams one PCM chunk to the encoder.
func (w *ffmpegWriter) WriteAudio(ctx context.Context, chunk *frame.AudioChunk) error {
	if w.audioW == nil {
		return errors.New("write audio: audio track not enabled")
	}
	if chunk == nil || len(chunk.Data) == 0 {
		return nil
	}
	if _, err := w.audioW.Write(chunk.Data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return w.fail(fmt.Errorf("write audio at %s: %w", chunk.PTS, err))
	}
	return nil
}

// CloseAudio ends the audio track. The muxer interleaves both inputs, so it
// only drains the remaining video once audio hits EOF.
func (w *ffmpegWriter) CloseAudio() error {
	w.audioOnce.Do(func() {
		if w.audioW != nil {
			_ = w.audioW.Close()
		}
	})
	return nil
}

// Finish closes both inputs and waits for the muxer to write out the
// container. A non-zero exit removes whatever partial file was produced.
func (w *ffmpegWriter) Finish(ctx context.Context) error {
	w.closeInputs()
	if err := w.wait(); err != nil {
		w.removeOutput()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return w.fail(err)
	}
	if _, err := os.Stat(w.output); err != nil {
		return w.fail(fmt.Errorf("output missing after mux: %w", err))
	}
	w.done.Store(true)
	return nil
}

// Abort kills the muxer and removes any partial output. It is a no-op after
// a successful Finish and is safe to call more than once.
func (w *ffmpegWriter) Abort() error {
	if w.done.Load() {
		return nil
	}
	w.closeInputs()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	_ = w.wait()
	w.removeOutput()
	return nil
}

func (w *ffmpegWriter) closeInputs() {
	w.stdinOnce.Do(func() {
		_ = w.stdin.Close()
	})
	w.CloseAudio()
}

func (w *ffmpegWriter) wait() error {
	w.waitOnce.Do(func() {
		w.waitErr = w.cmd.Wait()
	})
	return w.waitErr
}

func (w *ffmpegWriter) removeOutput() {
	_ = os.Remove(w.output)
}

func (w *ffmpegWriter) fail(err error) error {
	return &FFmpegError{Args: w.args, Stderr: w.stderr.String(), Err: err}
}
