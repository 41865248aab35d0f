package media

import (
	"math"
	"testing"
)

const probeJSON = `{
  "streams": [
    {"codec_name": "h264", "codec_type": "video", "width": 1920, "height": 1080,
     "r_frame_rate": "30000/1001", "avg_frame_rate": "30000/1001"},
    {"codec_name": "aac", "codec_type": "audio", "sample_rate": "48000", "channels": 2},
    {"codec_name": "mjpeg", "codec_type": "video", "width": 320, "height": 240}
  ],
  "format": {"duration": "12.500000", "bit_rate": "4000000", "format_name": "mov,mp4,m4a,3gp,3g2,mj2"}
}`

func TestParseProbe(t *testing.T) {
	res, err := ParseProbe([]byte(probeJSON))
	if err != nil {
		t.Fatalf("ParseProbe() error = %v", err)
	}

	if res.Width != 1920 || res.Height != 1080 {
		t.Errorf("dimensions = %dx%d, want 1920x1080 (first video stream)", res.Width, res.Height)
	}
	if math.Abs(res.FrameRate-29.97) > 0.01 {
		t.Errorf("FrameRate = %f, want ~29.97", res.FrameRate)
	}
	if res.Duration != 12.5 {
		t.Errorf("Duration = %f, want 12.5", res.Duration)
	}
	if res.AudioSample != 48000 || res.AudioChannels != 2 {
		t.Errorf("audio = %d Hz / %d ch, want 48000 / 2", res.AudioSample, res.AudioChannels)
	}
	if !res.HasAudio() || !res.HasVideo() {
		t.Error("expected both audio and video")
	}
	if res.Bitrate != 4000000 {
		t.Errorf("Bitrate = %d, want 4000000", res.Bitrate)
	}
}

func TestParseProbe_VideoOnly(t *testing.T) {
	res, err := ParseProbe([]byte(`{"streams":[{"codec_type":"video","codec_name":"vp9","width":640,"height":360,"r_frame_rate":"25/1","duration":"3.0"}],"format":{}}`))
	if err != nil {
		t.Fatalf("ParseProbe() error = %v", err)
	}
	if res.HasAudio() {
		t.Error("video-only probe reported audio")
	}
	if res.Duration != 3.0 {
		t.Errorf("Duration fallback to stream = %f, want 3.0", res.Duration)
	}
	if res.FrameRate != 25 {
		t.Errorf("FrameRate = %f, want 25", res.FrameRate)
	}
}

func TestParseProbe_InvalidJSON(t *testing.T) {
	if _, err := ParseProbe([]byte("not json")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"30/1", 30},
		{"0/0", 0},
		{"24", 24},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parseRate(tt.in); got != tt.want {
			t.Errorf("parseRate(%q) = %f, want %f", tt.in, got, tt.want)
		}
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		pos, dur, want float64
	}{
		{-2, 10, 0},
		{5, 10, 5},
		{60, 10, 10},
		{math.NaN(), 10, 0},
	}
	for _, tt := range tests {
		if got := Clamp(tt.pos, tt.dur); got != tt.want {
			t.Errorf("Clamp(%v, %v) = %v, want %v", tt.pos, tt.dur, got, tt.want)
		}
	}
}

func TestAudioSlice_Duration(t *testing.T) {
	f := AudioFormat{SampleRate: 48000, Channels: 2}
	s := AudioSlice{Samples: make([]int16, 48000)}
	if got := s.Duration(f); got != 0.5 {
		t.Fatalf("Duration() = %v, want 0.5", got)
	}
	if got := s.Duration(AudioFormat{}); got != 0 {
		t.Fatalf("Duration() with invalid format = %v, want 0", got)
	}
}

func TestNewFFmpegSource_RequiresVideo(t *testing.T) {
	_, err := NewFFmpegSource(FFmpegConfig{Probe: &ProbeResult{AudioCodec: "aac"}})
	if err != ErrNoVideo {
		t.Fatalf("NewFFmpegSource() error = %v, want ErrNoVideo", err)
	}

	src, err := NewFFmpegSource(FFmpegConfig{Probe: &ProbeResult{Width: 4, Height: 2, Duration: 1}})
	if err != nil {
		t.Fatalf("NewFFmpegSource() error = %v", err)
	}
	if src.HasAudio() {
		t.Error("source without audio stream reported audio")
	}
	if err := src.Play(); err != ErrNotReady {
		t.Errorf("Play() before seek error = %v, want ErrNotReady", err)
	}
}
