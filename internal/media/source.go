// Package media defines the decodable input the export core works against
// and the buffers that flow from it: decoded frames, rasterized frame
// buffers and interleaved PCM audio slices.
package media

import (
	"errors"
	"image"
	"math"
)

var (
	// ErrSeekUnsupported is returned by Source.Seek when the source cannot seek.
	ErrSeekUnsupported = errors.New("source does not support seeking")
	// ErrNoVideo is returned when a source carries no decodable video track.
	ErrNoVideo = errors.New("source has no video track")
	// ErrNotReady is returned by Play before the first successful seek.
	ErrNotReady = errors.New("source has no decoded frame yet")
)

// Source is a playing video/audio input. The export core holds a non-owning
// handle and only drives seek, play and pause through it.
type Source interface {
	// Duration is the natural duration in seconds.
	Duration() float64
	// Dimensions is the native decoded frame size.
	Dimensions() (width, height int)
	// Position is the current playback position in seconds on the source clock.
	Position() float64
	Playing() bool
	// Ended reports that playback reached end of stream.
	Ended() bool

	HasAudio() bool
	AudioFormat() AudioFormat

	// Seek moves the playback cursor. onReady is called, possibly from another
	// goroutine, once the frame at position is decoded and available from
	// CurrentFrame, or with the error that prevented it. A non-nil return
	// means the seek was never issued and onReady will not be called.
	Seek(position float64, onReady func(error)) error
	Play() error
	Pause()

	// CurrentFrame returns the most recently presented decoded frame.
	CurrentFrame() *Frame

	// AudioSink is where decoded audio is delivered during playback.
	AudioSink() AudioSink
	SetAudioSink(sink AudioSink)
}

// Frame is a decoded video frame presented at PTS seconds.
type Frame struct {
	PTS   float64
	Image image.Image
}

// FrameBuffer is a single rasterized frame at the source's native size. It is
// created per sampling tick and handed to the recorder.
type FrameBuffer struct {
	PTS   float64
	Image *image.RGBA
}

// Width returns the buffer width in pixels.
func (b *FrameBuffer) Width() int { return b.Image.Bounds().Dx() }

// Height returns the buffer height in pixels.
func (b *FrameBuffer) Height() int { return b.Image.Bounds().Dy() }

// AudioFormat describes interleaved signed 16-bit little-endian PCM.
type AudioFormat struct {
	SampleRate int
	Channels   int
}

// Valid reports whether the format can carry samples.
func (f AudioFormat) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// AudioSlice is a run of interleaved samples starting at PTS seconds.
type AudioSlice struct {
	PTS     float64
	Samples []int16
}

// Frames returns the number of sample frames for the given channel count.
func (s AudioSlice) Frames(channels int) int {
	if channels <= 0 {
		return 0
	}
	return len(s.Samples) / channels
}

// Duration returns the slice duration in seconds.
func (s AudioSlice) Duration(f AudioFormat) float64 {
	if !f.Valid() {
		return 0
	}
	return float64(s.Frames(f.Channels)) / float64(f.SampleRate)
}

// AudioSink receives decoded audio.
type AudioSink interface {
	WriteAudio(slice AudioSlice)
}

// AudioSinkFunc adapts a function to AudioSink.
type AudioSinkFunc func(slice AudioSlice)

// WriteAudio calls f(slice).
func (f AudioSinkFunc) WriteAudio(slice AudioSlice) { f(slice) }

type discardAudio struct{}

func (discardAudio) WriteAudio(AudioSlice) {}

// DiscardAudio is a sink that drops everything it receives.
var DiscardAudio AudioSink = discardAudio{}

// Clamp limits position to [0, duration]. NaN clamps to 0.
func Clamp(position, duration float64) float64 {
	if math.IsNaN(position) || position < 0 {
		return 0
	}
	if duration >= 0 && position > duration {
		return duration
	}
	return position
}
