// Package transcode implements the video re-encoding pipeline: probing the
// source, demuxing and decoding it frame by frame, scaling every frame to the
// target geometry, and muxing re-encoded video with re-encoded audio into a
// single MP4. The stateful engine is Session; Transcoder is the fixed-profile
// front door the task queue drives.
package transcode

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bitpress/mediaprep/internal/frame"
	"github.com/bitpress/mediaprep/internal/geometry"
)

// Static errors for transcode operations.
var (
	// ErrNoVideoTrack is returned when the source has no decodable video track.
	ErrNoVideoTrack = errors.New("source has no video track")
	// ErrReaderInit is returned when the demuxer cannot be constructed.
	ErrReaderInit = errors.New("reader initialization failed")
	// ErrWriterInit is returned when the muxer cannot be constructed.
	ErrWriterInit = errors.New("writer initialization failed")
	// ErrReaderStart is returned when the source cannot be opened for reading.
	ErrReaderStart = errors.New("reader cannot start")
)

// Profile is the process-wide encoding profile. Video is H.264, audio AAC;
// only the clamps and the fixed audio parameters vary by configuration.
type Profile struct {
	// MaxBitrate is the video bitrate ceiling in bits per second. Sources
	// below the ceiling keep their own rate.
	MaxBitrate int
	// MaxFrameRate is the output frame rate ceiling.
	MaxFrameRate float64
	// AudioBitrate is the fixed AAC bitrate in bits per second.
	AudioBitrate int
	// SampleRate is the fixed audio sample rate in Hz.
	SampleRate int
	// Channels is the fixed audio channel count.
	Channels int
}

// DefaultProfile returns the stock H.264/AAC profile: 4 Mbps and 30 fps
// ceilings, AAC at 128 kbps, 44.1 kHz stereo.
func DefaultProfile() Profile {
	return Profile{
		MaxBitrate:   4_000_000,
		MaxFrameRate: 30,
		AudioBitrate: 128_000,
		SampleRate:   44100,
		Channels:     2,
	}
}

// withDefaults fills unset fields from DefaultProfile.
func (p Profile) withDefaults() Profile {
	d := DefaultProfile()
	if p.MaxBitrate <= 0 {
		p.MaxBitrate = d.MaxBitrate
	}
	if p.MaxFrameRate <= 0 {
		p.MaxFrameRate = d.MaxFrameRate
	}
	if p.AudioBitrate <= 0 {
		p.AudioBitrate = d.AudioBitrate
	}
	if p.SampleRate <= 0 {
		p.SampleRate = d.SampleRate
	}
	if p.Channels <= 0 {
		p.Channels = d.Channels
	}
	return p
}

// Reader supplies decoded media from one source. Frames arrive in stored
// orientation at the session's target frame rate; audio arrives as PCM at the
// profile's fixed rate and channel count.
type Reader interface {
	// NextFrame returns the next decoded video frame. io.EOF signals a clean
	// end of the track.
	NextFrame(ctx context.Context) (*frame.Frame, error)

	// NextAudio returns the next decoded PCM chunk. io.EOF signals a clean
	// end of the track.
	NextAudio(ctx context.Context) (*frame.AudioChunk, error)

	// HasAudio reports whether the source carries a decodable audio track.
	HasAudio() bool

	// Close releases the underlying demuxer processes.
	Close() error
}

// Writer consumes scaled frames and PCM chunks and produces the output
// container. Writes block while the encoder is busy; that blocking is the
// backpressure contract that paces the session's lanes.
type Writer interface {
	// WriteFrame appends one frame at its presentation timestamp. Frames
	// must arrive in PTS order at exactly the configured size.
	WriteFrame(ctx context.Context, f *frame.Frame) error

	// WriteAudio appends one PCM chunk.
	WriteAudio(ctx context.Context, chunk *frame.AudioChunk) error

	// CloseAudio signals the end of the audio track so the muxer stops
	// waiting for interleaved audio data.
	CloseAudio() error

	// Finish closes the output container once all lanes are done.
	Finish(ctx context.Context) error

	// Abort stops the muxer and removes any partial output file.
	Abort() error
}

// Prober inspects a source asset before transcoding.
type Prober interface {
	Probe(ctx context.Context, source string) (*SourceInfo, error)
}

// ReaderFactory opens a Reader for a probed source.
type ReaderFactory func(ctx context.Context, cfg ReaderConfig) (Reader, error)

// WriterFactory opens a Writer for the output path.
type WriterFactory func(ctx context.Context, output string, cfg WriterConfig) (Writer, error)

// ReaderConfig fixes the demuxer parameters for one source.
type ReaderConfig struct {
	// Source is the media file to demux.
	Source string
	// Info is the probed source layout.
	Info *SourceInfo
	// TargetFPS is the frame rate the video track is resampled to.
	TargetFPS float64
	// Profile supplies the fixed audio parameters.
	Profile Profile
	// WithAudio demuxes the audio track when the source has one.
	WithAudio bool
}

// WriterConfig fixes the encoder parameters for one output container.
type WriterConfig struct {
	// FrameSize is the exact size of every incoming frame.
	FrameSize geometry.Size
	// FrameRate is the output frame rate.
	FrameRate float64
	// VideoBitrate is the target video bitrate in bits per second.
	VideoBitrate int
	// Audio enables the AAC track.
	Audio bool
	// Profile supplies the fixed audio parameters.
	Profile Profile
}

// Transcoder runs one Session per source video under fixed settings.
type Transcoder struct {
	ffmpegPath  string
	ffprobePath string
	maxWidth    int
	ratio       geometry.AspectRatio
	profile     Profile
	keepAudio   bool
	timeout     time.Duration
	logger      *slog.Logger
}

// TranscoderConfig configures a Transcoder.
type TranscoderConfig struct {
	// FFmpegPath is the ffmpeg binary. Defaults to "ffmpeg" (found via PATH).
	FFmpegPath string
	// FFprobePath is the ffprobe binary. Defaults to "ffprobe".
	FFprobePath string
	// MaxWidth caps the output width in pixels.
	MaxWidth int
	// Ratio is the fixed output aspect ratio.
	Ratio geometry.AspectRatio
	// Profile is the encoding profile.
	Profile Profile
	// KeepAudio retains the source audio track when present.
	KeepAudio bool
	// Timeout bounds one full session run. Zero means no limit.
	Timeout time.Duration
	// Logger receives session progress. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewTranscoder creates a Transcoder with defaults applied.
func NewTranscoder(cfg TranscoderConfig) *Transcoder {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transcoder{
		ffmpegPath:  cfg.FFmpegPath,
		ffprobePath: cfg.FFprobePath,
		maxWidth:    cfg.MaxWidth,
		ratio:       cfg.Ratio,
		profile:     cfg.Profile,
		keepAudio:   cfg.KeepAudio,
		timeout:     cfg.Timeout,
		logger:      cfg.Logger,
	}
}

// Transcode re-encodes one source video into output, driving a full session
// to completion. On failure no output file remains.
func (t *Transcoder) Transcode(ctx context.Context, source, output string) error {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	sess, err := NewSession(SessionConfig{
		Source:      source,
		Output:      output,
		MaxWidth:    t.maxWidth,
		Ratio:       t.ratio,
		Profile:     t.profile,
		KeepAudio:   t.keepAudio,
		FFmpegPath:  t.ffmpegPath,
		FFprobePath: t.ffprobePath,
		Logger:      t.logger,
	})
	if err != nil {
		return err
	}
	return sess.Run(ctx)
}
