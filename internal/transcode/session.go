package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/bitpress/mediaprep/internal/frame"
	"github.com/bitpress/mediaprep/internal/geometry"
)

// State represents the lifecycle phase of a Session.
type State string

// Session lifecycle states.
const (
	StateConfiguring State = "CONFIGURING"
	StateReading     State = "READING"
	StateFinishing   State = "FINISHING"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// ErrInvalidStateTransition is returned when a session lifecycle move is not
// allowed from the current state.
var ErrInvalidStateTransition = errors.New("invalid session state transition")

// validStateTransitions defines the allowed session lifecycle moves.
var validStateTransitions = map[State][]State{
	StateConfiguring: {StateReading, StateFailed},
	StateReading:     {StateFinishing, StateFailed},
	StateFinishing:   {StateDone, StateFailed},
	StateDone:        {},
	StateFailed:      {},
}

func (s State) canTransitionTo(next State) bool {
	for _, allowed := range validStateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SessionConfig configures one transcode session. Prober, OpenReader and
// OpenWriter default to the ffmpeg-backed implementations and exist as
// injection points for tests.
type SessionConfig struct {
	// Source is the media file to transcode.
	Source string
	// Output is the MP4 path to produce.
	Output string
	// MaxWidth caps the output width in pixels.
	MaxWidth int
	// Ratio is the fixed output aspect ratio.
	Ratio geometry.AspectRatio
	// Profile is the encoding profile. Unset fields take defaults.
	Profile Profile
	// KeepAudio retains the source audio track when present.
	KeepAudio bool

	// FFmpegPath is the ffmpeg binary. Defaults to "ffmpeg".
	FFmpegPath string
	// FFprobePath is the ffprobe binary. Defaults to "ffprobe".
	FFprobePath string
	// Logger receives session progress. Defaults to slog.Default().
	Logger *slog.Logger

	Prober     Prober
	OpenReader ReaderFactory
	OpenWriter WriterFactory
}

// Session transcodes one source video into one MP4 output. A session runs
// once: it configures itself from the probed source, pumps the video and
// audio lanes concurrently, and finishes or fails the output container.
type Session struct {
	source    string
	output    string
	maxWidth  int
	ratio     geometry.AspectRatio
	profile   Profile
	keepAudio bool

	prober     Prober
	openReader ReaderFactory
	openWriter WriterFactory
	logger     *slog.Logger

	mu    sync.Mutex
	state State
	geo   geometry.TargetGeometry

	framesOut  atomic.Int64
	audioBytes atomic.Int64
}

// NewSession validates the configuration and prepares a session in the
// CONFIGURING state.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Source == "" {
		return nil, errors.New("session: source is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("session: output is required")
	}
	if cfg.MaxWidth <= 0 {
		return nil, fmt.Errorf("session: invalid max width %d", cfg.MaxWidth)
	}
	if cfg.Ratio.W <= 0 || cfg.Ratio.H <= 0 {
		return nil, fmt.Errorf("session: invalid aspect ratio %s", cfg.Ratio)
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Prober == nil {
		cfg.Prober = NewFFprobe(cfg.FFprobePath)
	}
	ffmpeg := cfg.FFmpegPath
	if cfg.OpenReader == nil {
		cfg.OpenReader = func(ctx context.Context, rc ReaderConfig) (Reader, error) {
			return newFFmpegReader(ctx, ffmpeg, rc)
		}
	}
	if cfg.OpenWriter == nil {
		cfg.OpenWriter = func(ctx context.Context, output string, wc WriterConfig) (Writer, error) {
			return newFFmpegWriter(ctx, ffmpeg, output, wc)
		}
	}

	return &Session{
		source:     cfg.Source,
		output:     cfg.Output,
		maxWidth:   cfg.MaxWidth,
		ratio:      cfg.Ratio,
		profile:    cfg.Profile.withDefaults(),
		keepAudio:  cfg.KeepAudio,
		prober:     cfg.Prober,
		openReader: cfg.OpenReader,
		openWriter: cfg.OpenWriter,
		logger:     cfg.Logger,
		state:      StateConfiguring,
	}, nil
}

// Run drives the session to completion. On any failure the partial output is
// removed and the session ends in FAILED; on success the output container is
// finalized and the session ends in DONE. Cancelling the context kills the
// underlying processes and fails the session.
func (s *Session) Run(ctx context.Context) error {
	if st := s.State(); st != StateConfiguring {
		return fmt.Errorf("%w: run from %s", ErrInvalidStateTransition, st)
	}

	info, err := s.prober.Probe(ctx, s.source)
	if err != nil {
		return s.fail(fmt.Errorf("probe %s: %w", s.source, err))
	}

	// The output never exceeds the source: frame rate and bitrate are
	// clamped to the profile ceilings, unknown source values take the
	// ceiling itself.
	targetFPS := s.profile.MaxFrameRate
	if fr := info.Video.FrameRate; fr > 0 && fr < targetFPS {
		targetFPS = fr
	}
	videoBitrate := s.profile.MaxBitrate
	if br := info.Video.Bitrate; br > 0 && br < videoBitrate {
		videoBitrate = br
	}

	geo := geometry.Geometry(info.Video.Size, info.Rotation, s.maxWidth, s.ratio)
	if geo.OutputSize.IsZero() {
		return s.fail(fmt.Errorf("%w: no usable geometry for source size %s", ErrReaderInit, info.Video.Size))
	}
	s.setGeometry(geo)

	s.logger.Info("transcode session configured",
		"source", s.source,
		"source_size", info.Video.Size.String(),
		"rotation", int(info.Rotation),
		"output_size", geo.OutputSize.String(),
		"portrait", geo.IsPortrait,
		"fps", targetFPS,
		"bitrate", videoBitrate,
		"audio", s.keepAudio && info.Audio != nil,
	)

	// Child processes live on runCtx. A failing lane cancels it so the
	// sibling lane, blocked on pipe I/O, is unblocked by the dying child.
	runCtx, cancelChildren := context.WithCancel(ctx)
	defer cancelChildren()

	reader, err := s.openReader(runCtx, ReaderConfig{
		Source:    s.source,
		Info:      info,
		TargetFPS: targetFPS,
		Profile:   s.profile,
		WithAudio: s.keepAudio,
	})
	if err != nil {
		return s.fail(err)
	}

	withAudio := reader.HasAudio()
	writer, err := s.openWriter(runCtx, s.output, WriterConfig{
		FrameSize:    geo.OutputSize,
		FrameRate:    targetFPS,
		VideoBitrate: videoBitrate,
		Audio:        withAudio,
		Profile:      s.profile,
	})
	if err != nil {
		_ = reader.Close()
		return s.fail(err)
	}

	if err := s.transition(StateReading); err != nil {
		_ = writer.Abort()
		_ = reader.Close()
		return s.fail(err)
	}

	var g errgroup.Group
	g.Go(func() error {
		err := s.videoLane(runCtx, reader, writer, info.Rotation, geo.OutputSize)
		if err != nil {
			cancelChildren()
		}
		return err
	})
	if withAudio {
		g.Go(func() error {
			err := s.audioLane(runCtx, reader, writer)
			if err != nil {
				cancelChildren()
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		_ = writer.Abort()
		_ = reader.Close()
		return s.fail(err)
	}

	if err := s.transition(StateFinishing); err != nil {
		_ = writer.Abort()
		_ = reader.Close()
		return s.fail(err)
	}
	if err := writer.Finish(ctx); err != nil {
		_ = writer.Abort()
		_ = reader.Close()
		return s.fail(err)
	}
	_ = reader.Close()

	if err := s.transition(StateDone); err != nil {
		return s.fail(err)
	}
	s.logger.Info("transcode session finished",
		"source", s.source,
		"output", s.output,
		"frames", s.framesOut.Load(),
		"audio_bytes", s.audioBytes.Load(),
	)
	return nil
}

// videoLane pumps decoded frames through the scaler into the writer. Any
// frame that cannot be scaled fails the whole session.
func (s *Session) videoLane(ctx context.Context, r Reader, w Writer, rotation geometry.Rotation, target geometry.Size) error {
	for {
		f, err := r.NextFrame(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("video lane: %w", err)
		}
		scaled, err := frame.Scale(f.Pix, target, rotation)
		if err != nil {
			return fmt.Errorf("video lane: scale frame at %s: %w", f.PTS, err)
		}
		if err := w.WriteFrame(ctx, &frame.Frame{Pix: scaled, PTS: f.PTS}); err != nil {
			return fmt.Errorf("video lane: %w", err)
		}
		s.framesOut.Add(1)
	}
}

// audioLane pumps PCM chunks into the writer and ends the audio track at EOF
// so the muxer can drain the remaining video.
func (s *Session) audioLane(ctx context.Context, r Reader, w Writer) error {
	for {
		chunk, err := r.NextAudio(ctx)
		if errors.Is(err, io.EOF) {
			return w.CloseAudio()
		}
		if err != nil {
			return fmt.Errorf("audio lane: %w", err)
		}
		if err := w.WriteAudio(ctx, chunk); err != nil {
			return fmt.Errorf("audio lane: %w", err)
		}
		s.audioBytes.Add(int64(len(chunk.Data)))
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Geometry returns the target geometry computed from the probed source.
// Zero until the session has configured itself.
func (s *Session) Geometry() geometry.TargetGeometry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.geo
}

func (s *Session) setGeometry(geo geometry.TargetGeometry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.geo = geo
}

// transition moves the session to next, enforcing the lifecycle table.
func (s *Session) transition(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.canTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, s.state, next)
	}
	s.state = next
	return nil
}

// fail marks the session failed and returns err unchanged. FAILED is
// reachable from every non-terminal state.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.state = StateFailed
	s.mu.Unlock()
	s.logger.Error("transcode session failed", "source", s.source, "error", err)
	return err
}
