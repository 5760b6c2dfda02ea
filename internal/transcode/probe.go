package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/bitpress/mediaprep/internal/geometry"
)

// ErrProbe indicates that ffprobe could not inspect the source.
var ErrProbe = errors.New("ffprobe execution failed")

// VideoStream describes the primary video track of a source.
type VideoStream struct {
	// Codec is the source codec name as reported by ffprobe.
	Codec string

	// Size is the stored frame size, before any rotation is applied.
	Size geometry.Size

	// FrameRate is the average frame rate in frames per second.
	FrameRate float64

	// Bitrate is the track bitrate in bits per second, or the container
	// bitrate when the track does not report one. Zero when unknown.
	Bitrate int
}

// AudioStream describes the primary audio track of a source.
type AudioStream struct {
	Codec      string
	SampleRate int
	Channels   int
	Bitrate    int
}

// SourceInfo is the probed shape of a media file.
type SourceInfo struct {
	// Video is the primary video track. Probe fails with ErrNoVideoTrack
	// before ever returning a SourceInfo without one.
	Video *VideoStream

	// Audio is the primary audio track, nil when the source has none.
	Audio *AudioStream

	// Rotation is the display rotation the container requests, normalized
	// to a clockwise quarter turn.
	Rotation geometry.Rotation

	// Duration is the container duration. Zero when unknown.
	Duration time.Duration
}

// DisplaySize returns the frame size after the container rotation is
// applied, which is what a viewer sees.
func (s *SourceInfo) DisplaySize() geometry.Size {
	if s.Video == nil {
		return geometry.Size{}
	}
	if s.Rotation.SwapsAxes() {
		return geometry.Size{W: s.Video.Size.H, H: s.Video.Size.W}
	}
	return s.Video.Size
}

// FFprobe inspects media files by shelling out to ffprobe.
type FFprobe struct {
	path string
}

var _ Prober = (*FFprobe)(nil)

// NewFFprobe returns a prober using the given ffprobe binary, or "ffprobe"
// from PATH when empty.
func NewFFprobe(path string) *FFprobe {
	if path == "" {
		path = "ffprobe"
	}
	return &FFprobe{path: path}
}

// Probe inspects the source and returns its stream layout. Sources without
// a video track fail with ErrNoVideoTrack.
func (p *FFprobe) Probe(ctx context.Context, source string) (*SourceInfo, error) {
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		source,
	}

	// #nosec G204 - args are assembled by this package, not user input
	cmd := exec.CommandContext(ctx, p.path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w, stderr: %s", ErrProbe, err, strings.TrimSpace(stderr.String()))
	}
	info, err := parseProbeOutput(stdout.Bytes())
	if err != nil {
		return nil, err
	}
	return info, nil
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	Index        int               `json:"index"`
	CodecType    string            `json:"codec_type"`
	CodecName    string            `json:"codec_name"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	BitRate      string            `json:"bit_rate"`
	RFrameRate   string            `json:"r_frame_rate"`
	AvgFrameRate string            `json:"avg_frame_rate"`
	Duration     string            `json:"duration"`
	SampleRate   string            `json:"sample_rate"`
	Channels     int               `json:"channels"`
	Tags         map[string]string `json:"tags"`
	SideDataList []probeSideData   `json:"side_data_list"`
}

type probeSideData struct {
	SideDataType string  `json:"side_data_type"`
	Rotation     float64 `json:"rotation"`
}

type probeFormat struct {
	Duration string `json:"duration"`
	BitRate  string `json:"bit_rate"`
}

// parseProbeOutput turns raw ffprobe JSON into a SourceInfo.
func parseProbeOutput(raw []byte) (*SourceInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode output: %w", ErrProbe, err)
	}

	var video, audio *probeStream
	for i := range out.Streams {
		st := &out.Streams[i]
		switch st.CodecType {
		case "video":
			if video == nil {
				video = st
			}
		case "audio":
			if audio == nil {
				audio = st
			}
		}
	}
	if video == nil {
		return nil, ErrNoVideoTrack
	}
	if video.Width <= 0 || video.Height <= 0 {
		return nil, fmt.Errorf("%w: stream reports size %dx%d", ErrNoVideoTrack, video.Width, video.Height)
	}

	info := &SourceInfo{
		Video: &VideoStream{
			Codec:     video.CodecName,
			Size:      geometry.Size{W: video.Width, H: video.Height},
			FrameRate: parseFrameRate(video.AvgFrameRate, video.RFrameRate),
			Bitrate:   firstBitrate(video.BitRate, out.Format.BitRate),
		},
		Rotation: streamRotation(video),
		Duration: parseSeconds(out.Format.Duration, video.Duration),
	}
	if audio != nil {
		rate, _ := strconv.Atoi(audio.SampleRate)
		info.Audio = &AudioStream{
			Codec:      audio.CodecName,
			SampleRate: rate,
			Channels:   audio.Channels,
			Bitrate:    firstBitrate(audio.BitRate),
		}
	}
	return info, nil
}

// streamRotation resolves the container rotation for a video stream.
// Display matrix side data reports counter-clockwise degrees, the legacy
// rotate tag clockwise degrees; both normalize to a clockwise quarter turn.
func streamRotation(st *probeStream) geometry.Rotation {
	for _, sd := range st.SideDataList {
		if sd.Rotation != 0 {
			return geometry.NormalizeRotation(int(-sd.Rotation))
		}
	}
	if tag, ok := st.Tags["rotate"]; ok {
		if deg, err := strconv.Atoi(tag); err == nil {
			return geometry.NormalizeRotation(deg)
		}
	}
	return geometry.Rotate0
}

// parseFrameRate parses ffprobe rational rates like "30000/1001", preferring
// the average rate and falling back to the raw rate.
func parseFrameRate(rates ...string) float64 {
	for _, r := range rates {
		if v := parseRational(r); v > 0 {
			return v
		}
	}
	return 0
}

func parseRational(r string) float64 {
	num, den, ok := strings.Cut(r, "/")
	if !ok {
		v, err := strconv.ParseFloat(r, 64)
		if err != nil {
			return 0
		}
		return v
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// firstBitrate returns the first value that parses to a positive bitrate.
func firstBitrate(values ...string) int {
	for _, v := range values {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// parseSeconds parses ffprobe duration fields, in seconds, first valid wins.
func parseSeconds(values ...string) time.Duration {
	for _, v := range values {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return 0
}
