package transcode

import (
	"context"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// FFmpegError represents an error from a child process, including the
// captured stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}

// buildVideoDemuxArgs assembles the demuxer invocation for the video track:
// decoded RGBA frames on stdout at the target frame rate, in stored
// orientation. Rotation is applied in-process by the scaler, hence
// -noautorotate.
func buildVideoDemuxArgs(source string, targetFPS float64) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-noautorotate",
		"-i", source,
		"-map", "0:v:0",
		"-vf", "fps=" + formatRate(targetFPS),
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	}
}

// buildAudioDemuxArgs assembles the demuxer invocation for the audio track:
// signed 16-bit little-endian PCM on stdout at the profile's fixed rate and
// channel count.
func buildAudioDemuxArgs(source string, profile Profile) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", source,
		"-map", "0:a:0",
		"-f", "s16le",
		"-ar", strconv.Itoa(profile.SampleRate),
		"-ac", strconv.Itoa(profile.Channels),
		"pipe:1",
	}
}

// buildMuxArgs assembles the muxer invocation: raw RGBA frames on stdin,
// PCM on descriptor 3 when audio is enabled, H.264/AAC MP4 out.
func buildMuxArgs(output string, cfg WriterConfig) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-video_size", cfg.FrameSize.String(),
		"-framerate", formatRate(cfg.FrameRate),
		"-i", "pipe:0",
	}
	if cfg.Audio {
		args = append(args,
			"-f", "s16le",
			"-ar", strconv.Itoa(cfg.Profile.SampleRate),
			"-ac", strconv.Itoa(cfg.Profile.Channels),
			"-i", "pipe:3",
		)
	}
	args = append(args, "-map", "0:v:0")
	if cfg.Audio {
		args = append(args, "-map", "1:a:0")
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", "fast",
		"-b:v", strconv.Itoa(cfg.VideoBitrate),
		"-pix_fmt", "yuv420p",
	)
	if cfg.Audio {
		args = append(args,
			"-c:a", "aac",
			"-b:a", strconv.Itoa(cfg.Profile.AudioBitrate),
			"-ar", strconv.Itoa(cfg.Profile.SampleRate),
			"-ac", strconv.Itoa(cfg.Profile.Channels),
		)
	}
	args = append(args,
		"-movflags", "+faststart",
		"-f", "mp4",
		output,
	)
	return args
}

// formatRate renders a frame rate for the command line: integral rates as
// plain integers, fractional NTSC-style rates with three decimals.
func formatRate(r float64) string {
	if r == math.Trunc(r) {
		return strconv.Itoa(int(r))
	}
	return strconv.FormatFloat(r, 'f', 3, 64)
}

// stderrTail captures the last few kilobytes of a child's stderr so error
// reports carry the relevant ffmpeg diagnostics.
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newStderrTail() *stderrTail {
	return &stderrTail{max: 4096}
}

func (t *stderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// pipeProc is one ffmpeg child process streaming raw data on stdout.
// It is driven by a single goroutine; only stop is safe to call from others.
type pipeProc struct {
	cmd    *exec.Cmd
	out    io.ReadCloser
	stderr *stderrTail
	args   []string

	waitOnce sync.Once
	waitErr  error
}

// startPipeProc launches the child. The context governs its lifetime:
// cancellation kills the process and unblocks any pending read.
func startPipeProc(ctx context.Context, bin string, args []string) (*pipeProc, error) {
	// #nosec G204 - binary and args are built by this package, not user input
	cmd := exec.CommandContext(ctx, bin, args...)
	tail := newStderrTail()
	cmd.Stderr = tail

	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}
	return &pipeProc{cmd: cmd, out: out, stderr: tail, args: args}, nil
}

// wait reaps the child exactly once.
func (p *pipeProc) wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

// stop kills the child if it is still running and reaps it, discarding the
// exit status.
func (p *pipeProc) stop() {
	_ = p.out.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.wait()
}

// fail wraps an I/O or exit error with the invocation and captured stderr.
func (p *pipeProc) fail(err error) error {
	return &FFmpegError{Args: p.args, Stderr: p.stderr.String(), Err: err}
}
