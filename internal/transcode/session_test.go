package transcode

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bitpress/mediaprep/internal/frame"
	"github.com/bitpress/mediaprep/internal/geometry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	info *SourceInfo
	err  error
}

func (p *fakeProber) Probe(ctx context.Context, source string) (*SourceInfo, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.info, nil
}

type fakeReader struct {
	mu     sync.Mutex
	frames []*frame.Frame
	chunks []*frame.AudioChunk
	has    bool

	frameErr error // replaces io.EOF once frames run out
	audioErr error
	block    bool // NextFrame blocks until the context is cancelled

	fi, ai int
	closed bool
}

func (r *fakeReader) NextFrame(ctx context.Context) (*frame.Frame, error) {
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fi < len(r.frames) {
		f := r.frames[r.fi]
		r.fi++
		return f, nil
	}
	if r.frameErr != nil {
		return nil, r.frameErr
	}
	return nil, io.EOF
}

func (r *fakeReader) NextAudio(ctx context.Context) (*frame.AudioChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ai < len(r.chunks) {
		c := r.chunks[r.ai]
		r.ai++
		return c, nil
	}
	if r.audioErr != nil {
		return nil, r.audioErr
	}
	return nil, io.EOF
}

func (r *fakeReader) HasAudio() bool { return r.has }

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) wasClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type fakeWriter struct {
	mu          sync.Mutex
	sizes       []geometry.Size
	pts         []time.Duration
	audioBytes  int
	audioClosed bool
	finished    bool
	aborted     bool

	writeOK   int   // frames accepted before writeErr fires
	writeErr  error // nil disables injected write failures
	finishErr error
}

func (w *fakeWriter) WriteFrame(ctx context.Context, f *frame.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr != nil && len(w.pts) >= w.writeOK {
		return w.writeErr
	}
	w.sizes = append(w.sizes, f.Size())
	w.pts = append(w.pts, f.PTS)
	return nil
}

func (w *fakeWriter) WriteAudio(ctx context.Context, chunk *frame.AudioChunk) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.audioBytes += len(chunk.Data)
	return nil
}

func (w *fakeWriter) CloseAudio() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.audioClosed = true
	return nil
}

func (w *fakeWriter) Finish(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finishErr != nil {
		return w.finishErr
	}
	w.finished = true
	return nil
}

func (w *fakeWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.aborted = true
	return nil
}

// sessionHarness wires a session to fakes and records what the factories saw.
type sessionHarness struct {
	prober *fakeProber
	reader *fakeReader
	writer *fakeWriter

	readerCfg    ReaderConfig
	writerCfg    WriterConfig
	readerOpened bool
	writerOpened bool

	readerErr error
	writerErr error
}

func (h *sessionHarness) session(t *testing.T, cfg SessionConfig) *Session {
	t.Helper()
	if cfg.Source == "" {
		cfg.Source = "in.mp4"
	}
	if cfg.Output == "" {
		cfg.Output = "out.mp4"
	}
	if cfg.MaxWidth == 0 {
		cfg.MaxWidth = 108
	}
	if cfg.Ratio.W == 0 {
		cfg.Ratio = geometry.AspectRatio{W: 9, H: 16}
	}
	cfg.Logger = discardLogger()
	cfg.Prober = h.prober
	cfg.OpenReader = func(ctx context.Context, rc ReaderConfig) (Reader, error) {
		h.readerOpened = true
		h.readerCfg = rc
		if h.readerErr != nil {
			return nil, h.readerErr
		}
		h.reader.has = rc.WithAudio && rc.Info.Audio != nil
		return h.reader, nil
	}
	cfg.OpenWriter = func(ctx context.Context, output string, wc WriterConfig) (Writer, error) {
		h.writerOpened = true
		h.writerCfg = wc
		if h.writerErr != nil {
			return nil, h.writerErr
		}
		return h.writer, nil
	}

	sess, err := NewSession(cfg)
	require.NoError(t, err)
	return sess
}

func testInfo(w, h int, fps float64, bitrate int, withAudio bool) *SourceInfo {
	info := &SourceInfo{
		Video: &VideoStream{Codec: "h264", Size: geometry.Size{W: w, H: h}, FrameRate: fps, Bitrate: bitrate},
	}
	if withAudio {
		info.Audio = &AudioStream{Codec: "aac", SampleRate: 44100, Channels: 2}
	}
	return info
}

func sourceFrames(w, h int, fps float64, n int) []*frame.Frame {
	frames := make([]*frame.Frame, n)
	for i := range frames {
		frames[i] = &frame.Frame{
			Pix: image.NewNRGBA(image.Rect(0, 0, w, h)),
			PTS: time.Duration(float64(i) / fps * float64(time.Second)),
		}
	}
	return frames
}

func TestSessionRunVideoAndAudio(t *testing.T) {
	h := &sessionHarness{
		prober: &fakeProber{info: testInfo(192, 108, 30, 1_000_000, true)},
		reader: &fakeReader{
			frames: sourceFrames(192, 108, 30, 3),
			chunks: []*frame.AudioChunk{
				{Data: make([]byte, 1024), PTS: 0},
				{Data: make([]byte, 512), PTS: 5 * time.Millisecond},
			},
		},
		writer: &fakeWriter{},
	}
	sess := h.session(t, SessionConfig{KeepAudio: true})

	require.NoError(t, sess.Run(context.Background()))
	assert.Equal(t, StateDone, sess.State())

	assert.True(t, h.writer.finished)
	assert.False(t, h.writer.aborted)
	assert.True(t, h.writer.audioClosed)
	assert.Equal(t, 1536, h.writer.audioBytes)
	assert.True(t, h.reader.wasClosed())

	// 192x108 landscape at 9:16 crops to 60x108.
	want := geometry.Size{W: 60, H: 108}
	assert.Equal(t, want, h.writerCfg.FrameSize)
	require.Len(t, h.writer.sizes, 3)
	for _, size := range h.writer.sizes {
		assert.Equal(t, want, size)
	}
	assert.Equal(t, geometry.TargetGeometry{OutputSize: want, IsPortrait: false}, sess.Geometry())
}

func TestSessionPreservesPTS(t *testing.T) {
	frames := sourceFrames(192, 108, 30, 4)
	h := &sessionHarness{
		prober: &fakeProber{info: testInfo(192, 108, 30, 1_000_000, false)},
		reader: &fakeReader{frames: frames},
		writer: &fakeWriter{},
	}
	sess := h.session(t, SessionConfig{})

	require.NoError(t, sess.Run(context.Background()))

	require.Len(t, h.writer.pts, len(frames))
	for i, f := range frames {
		assert.Equal(t, f.PTS, h.writer.pts[i])
	}
}

func TestSessionClampsToProfile(t *testing.T) {
	tests := []struct {
		name        string
		srcFPS      float64
		srcBitrate  int
		wantFPS     float64
		wantBitrate int
	}{
		{name: "above ceilings", srcFPS: 60, srcBitrate: 10_000_000, wantFPS: 30, wantBitrate: 4_000_000},
		{name: "below ceilings", srcFPS: 24, srcBitrate: 1_000_000, wantFPS: 24, wantBitrate: 1_000_000},
		{name: "unknown source values", srcFPS: 0, srcBitrate: 0, wantFPS: 30, wantBitrate: 4_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &sessionHarness{
				prober: &fakeProber{info: testInfo(192, 108, tt.srcFPS, tt.srcBitrate, false)},
				reader: &fakeReader{frames: sourceFrames(192, 108, 30, 1)},
				writer: &fakeWriter{},
			}
			sess := h.session(t, SessionConfig{})

			require.NoError(t, sess.Run(context.Background()))
			assert.Equal(t, tt.wantFPS, h.readerCfg.TargetFPS)
			assert.Equal(t, tt.wantFPS, h.writerCfg.FrameRate)
			assert.Equal(t, tt.wantBitrate, h.writerCfg.VideoBitrate)
		})
	}
}

func TestSessionDropsAudioWhenDisabled(t *testing.T) {
	h := &sessionHarness{
		prober: &fakeProber{info: testInfo(192, 108, 30, 1_000_000, true)},
		reader: &fakeReader{
			frames: sourceFrames(192, 108, 30, 2),
			chunks: []*frame.AudioChunk{{Data: make([]byte, 128)}},
		},
		writer: &fakeWriter{},
	}
	sess := h.session(t, SessionConfig{KeepAudio: false})

	require.NoError(t, sess.Run(context.Background()))
	assert.False(t, h.readerCfg.WithAudio)
	assert.False(t, h.writerCfg.Audio)
	assert.Zero(t, h.writer.audioBytes)
}

func TestSessionRotatedSourceEncodesUpright(t *testing.T) {
	info := testInfo(192, 108, 30, 1_000_000, false)
	info.Rotation = geometry.Rotate90
	h := &sessionHarness{
		prober: &fakeProber{info: info},
		reader: &fakeReader{frames: sourceFrames(192, 108, 30, 2)},
		writer: &fakeWriter{},
	}
	sess := h.session(t, SessionConfig{})

	require.NoError(t, sess.Run(context.Background()))

	// Stored 192x108 rotated a quarter turn displays as 108x192.
	want := geometry.Size{W: 108, H: 192}
	assert.Equal(t, want, h.writerCfg.FrameSize)
	for _, size := range h.writer.sizes {
		assert.Equal(t, want, size)
	}
	assert.True(t, sess.Geometry().IsPortrait)
}

func TestSessionScaleFailureAborts(t *testing.T) {
	frames := sourceFrames(192, 108, 30, 2)
	frames[1] = &frame.Frame{Pix: nil, PTS: frames[1].PTS} // undecodable frame
	h := &sessionHarness{
		prober: &fakeProber{info: testInfo(192, 108, 30, 1_000_000, false)},
		reader: &fakeReader{frames: frames},
		writer: &fakeWriter{},
	}
	sess := h.session(t, SessionConfig{})

	err := sess.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, frame.ErrNoFrame)
	assert.Equal(t, StateFailed, sess.State())
	assert.True(t, h.writer.aborted)
	assert.False(t, h.writer.finished)
	assert.True(t, h.reader.wasClosed())
}

func TestSessionReaderFailureAborts(t *testing.T) {
	ffErr := &FFmpegError{Args: []string{"-i", "in.mp4"}, Stderr: "decode error", Err: errors.New("exit status 1")}
	h := &sessionHarness{
		prober: &fakeProber{info: testInfo(192, 108, 30, 1_000_000, false)},
		reader: &fakeReader{frames: sourceFrames(192, 108, 30, 1), frameErr: ffErr},
		writer: &fakeWriter{},
	}
	sess := h.session(t, SessionConfig{})

	err := sess.Run(context.Background())
	require.Error(t, err)
	var got *FFmpegError
	assert.ErrorAs(t, err, &got)
	assert.Equal(t, StateFailed, sess.State())
	assert.True(t, h.writer.aborted)
}

func TestSessionWriterFailureAborts(t *testing.T) {
	h := &sessionHarness{
		prober: &fakeProber{info: testInfo(192, 108, 30, 1_000_000, false)},
		reader: &fakeReader{frames: sourceFrames(192, 108, 30, 5)},
		writer: &fakeWriter{writeOK: 2, writeErr: errors.New("encoder died")},
	}
	sess := h.session(t, SessionConfig{})

	err := sess.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, sess.State())
	assert.True(t, h.writer.aborted)
	assert.True(t, h.reader.wasClosed())
}

func TestSessionAudioFailureAborts(t *testing.T) {
	h := &sessionHarness{
		prober: &fakeProber{info: testInfo(192, 108, 30, 1_000_000, true)},
		reader: &fakeReader{
			frames:   sourceFrames(192, 108, 30, 2),
			chunks:   []*frame.AudioChunk{{Data: make([]byte, 64)}},
			audioErr: errors.New("pcm stream broke"),
		},
		writer: &fakeWriter{},
	}
	sess := h.session(t, SessionConfig{KeepAudio: true})

	err := sess.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, sess.State())
	assert.True(t, h.writer.aborted)
}

func TestSessionProbeFailure(t *testing.T) {
	h := &sessionHarness{
		prober: &fakeProber{err: ErrNoVideoTrack},
		reader: &fakeReader{},
		writer: &fakeWriter{},
	}
	sess := h.session(t, SessionConfig{})

	err := sess.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoVideoTrack)
	assert.Equal(t, StateFailed, sess.State())
	assert.False(t, h.readerOpened)
	assert.False(t, h.writerOpened)
}

func TestSessionReaderInitFailure(t *testing.T) {
	h := &sessionHarness{
		prober:    &fakeProber{info: testInfo(192, 108, 30, 1_000_000, false)},
		reader:    &fakeReader{},
		writer:    &fakeWriter{},
		readerErr: ErrReaderInit,
	}
	sess := h.session(t, SessionConfig{})

	err := sess.Run(context.Background())
	assert.ErrorIs(t, err, ErrReaderInit)
	assert.Equal(t, StateFailed, sess.State())
	assert.False(t, h.writerOpened)
}

func TestSessionWriterInitFailure(t *testing.T) {
	h := &sessionHarness{
		prober:    &fakeProber{info: testInfo(192, 108, 30, 1_000_000, false)},
		reader:    &fakeReader{},
		writer:    &fakeWriter{},
		writerErr: ErrWriterInit,
	}
	sess := h.session(t, SessionConfig{})

	err := sess.Run(context.Background())
	assert.ErrorIs(t, err, ErrWriterInit)
	assert.Equal(t, StateFailed, sess.State())
	assert.True(t, h.reader.wasClosed())
}

func TestSessionFinishFailureAborts(t *testing.T) {
	h := &sessionHarness{
		prober: &fakeProber{info: testInfo(192, 108, 30, 1_000_000, false)},
		reader: &fakeReader{frames: sourceFrames(192, 108, 30, 1)},
		writer: &fakeWriter{finishErr: errors.New("mux failed")},
	}
	sess := h.session(t, SessionConfig{})

	err := sess.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, sess.State())
	assert.True(t, h.writer.aborted)
}

func TestSessionCancellation(t *testing.T) {
	h := &sessionHarness{
		prober: &fakeProber{info: testInfo(192, 108, 30, 1_000_000, false)},
		reader: &fakeReader{block: true},
		writer: &fakeWriter{},
	}
	sess := h.session(t, SessionConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := sess.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, sess.State())
	assert.True(t, h.writer.aborted)
}

func TestSessionRunsOnce(t *testing.T) {
	h := &sessionHarness{
		prober: &fakeProber{info: testInfo(192, 108, 30, 1_000_000, false)},
		reader: &fakeReader{frames: sourceFrames(192, 108, 30, 1)},
		writer: &fakeWriter{},
	}
	sess := h.session(t, SessionConfig{})

	require.NoError(t, sess.Run(context.Background()))
	err := sess.Run(context.Background())
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestNewSessionValidation(t *testing.T) {
	valid := SessionConfig{
		Source:   "in.mp4",
		Output:   "out.mp4",
		MaxWidth: 1080,
		Ratio:    geometry.AspectRatio{W: 9, H: 16},
	}

	tests := []struct {
		name   string
		mutate func(*SessionConfig)
	}{
		{name: "missing source", mutate: func(c *SessionConfig) { c.Source = "" }},
		{name: "missing output", mutate: func(c *SessionConfig) { c.Output = "" }},
		{name: "zero max width", mutate: func(c *SessionConfig) { c.MaxWidth = 0 }},
		{name: "zero ratio", mutate: func(c *SessionConfig) { c.Ratio = geometry.AspectRatio{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := NewSession(cfg)
			assert.Error(t, err)
		})
	}

	sess, err := NewSession(valid)
	require.NoError(t, err)
	assert.Equal(t, StateConfiguring, sess.State())
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
		ok   bool
	}{
		{from: StateConfiguring, to: StateReading, ok: true},
		{from: StateConfiguring, to: StateFailed, ok: true},
		{from: StateReading, to: StateFinishing, ok: true},
		{from: StateReading, to: StateDone, ok: false},
		{from: StateFinishing, to: StateDone, ok: true},
		{from: StateDone, to: StateReading, ok: false},
		{from: StateFailed, to: StateReading, ok: false},
		{from: StateConfiguring, to: StateFinishing, ok: false},
	}

	for _, tt := range tests {
		got := tt.from.canTransitionTo(tt.to)
		assert.Equal(t, tt.ok, got, "%s -> %s", tt.from, tt.to)
	}
}
