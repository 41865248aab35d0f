package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Prober inspects a media file.
type Prober interface {
	Probe(ctx context.Context, filePath string) (*ProbeResult, error)
}

// ProbeResult is the subset of ffprobe output the export core needs.
type ProbeResult struct {
	Path          string
	Duration      float64
	Width         int
	Height        int
	Codec         string
	Bitrate       int64
	FrameRate     float64
	AudioCodec    string
	AudioSample   int
	AudioChannels int
	FormatName    string
}

// HasVideo reports whether a video stream with a usable size was found.
func (p *ProbeResult) HasVideo() bool {
	return p.Width > 0 && p.Height > 0
}

// HasAudio reports whether an audio stream was found.
func (p *ProbeResult) HasAudio() bool {
	return p.AudioCodec != ""
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

type ffprobeStream struct {
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	SampleRate   string `json:"sample_rate"`
	Channels     int    `json:"channels"`
	BitRate      string `json:"bit_rate"`
	Duration     string `json:"duration"`
}

type ffprobeFormat struct {
	Duration   string `json:"duration"`
	BitRate    string `json:"bit_rate"`
	FormatName string `json:"format_name"`
}

// FFprobe runs the ffprobe binary.
type FFprobe struct {
	binary string
}

// NewFFprobe returns a prober that uses binary, or "ffprobe" from PATH.
func NewFFprobe(binary string) *FFprobe {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	return &FFprobe{binary: binary}
}

// Probe executes ffprobe against filePath and decodes its JSON output.
func (f *FFprobe) Probe(ctx context.Context, filePath string) (*ProbeResult, error) {
	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		return nil, errors.New("ffprobe: empty path")
	}

	cmd := exec.CommandContext(ctx, f.binary, "-v", "error", "-hide_banner",
		"-show_format", "-show_streams", "-of", "json", "--", filePath)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("ffprobe: %w", err)
	}

	result, err := ParseProbe(output)
	if err != nil {
		return nil, err
	}
	result.Path = filePath
	return result, nil
}

// ParseProbe converts raw ffprobe JSON into a ProbeResult.
func ParseProbe(data []byte) (*ProbeResult, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("ffprobe parse: %w", err)
	}

	res := &ProbeResult{
		Duration:   parseFloat(out.Format.Duration),
		Bitrate:    int64(parseFloat(out.Format.BitRate)),
		FormatName: out.Format.FormatName,
	}

	for _, s := range out.Streams {
		switch strings.ToLower(s.CodecType) {
		case "video":
			if res.Codec != "" {
				continue
			}
			res.Codec = s.CodecName
			res.Width = s.Width
			res.Height = s.Height
			res.FrameRate = parseRate(s.AvgFrameRate)
			if res.FrameRate <= 0 {
				res.FrameRate = parseRate(s.RFrameRate)
			}
			if res.Duration <= 0 {
				res.Duration = parseFloat(s.Duration)
			}
		case "audio":
			if res.AudioCodec != "" {
				continue
			}
			res.AudioCodec = s.CodecName
			res.AudioSample = int(parseFloat(s.SampleRate))
			res.AudioChannels = s.Channels
		}
	}

	return res, nil
}

func parseFloat(value string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	return v
}

// parseRate handles ffprobe's "num/den" frame rates.
func parseRate(value string) float64 {
	num, den, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok {
		return parseFloat(value)
	}
	n, d := parseFloat(num), parseFloat(den)
	if d == 0 {
		return 0
	}
	return n / d
}
