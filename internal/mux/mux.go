// Package mux encodes rasterized frames and tapped audio and interleaves
// them into a single streaming-friendly container as they arrive.
package mux

import (
	"errors"
	"strings"
	"time"

	"github.com/heimdex/heimdex-trim/internal/media"
)

var (
	// ErrUnsupportedFormat is returned by Start when the container or codec
	// combination cannot be produced. No chunk is emitted in that case.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrEncodingFailed reports a failure after recording started. Partial
	// output is discarded.
	ErrEncodingFailed = errors.New("encoding failed")
	// ErrNotStarted is returned when writing to an idle recorder.
	ErrNotStarted = errors.New("recorder not started")
)

const (
	DefaultFrameRate        = 30
	DefaultVideoBitrate     = 2_500_000
	DefaultFragmentDuration = time.Second

	ContainerMP4  = "mp4"
	ContainerWebM = "webm"
)

// Options configure one recording.
type Options struct {
	FrameRate        int
	VideoBitrate     int
	Container        string
	Width            int
	Height           int
	Audio            *media.AudioFormat // nil records video only
	Start            float64            // source clock position of output time zero
	FragmentDuration time.Duration
}

func (o Options) withDefaults() Options {
	if o.FrameRate <= 0 {
		o.FrameRate = DefaultFrameRate
	}
	if o.VideoBitrate <= 0 {
		o.VideoBitrate = DefaultVideoBitrate
	}
	if o.Container == "" {
		o.Container = ContainerMP4
	}
	o.Container = strings.ToLower(o.Container)
	if o.FragmentDuration <= 0 {
		o.FragmentDuration = DefaultFragmentDuration
	}
	return o
}

// FramePeriod is the output frame duration in seconds.
func (o Options) FramePeriod() float64 {
	return 1 / float64(o.withDefaults().FrameRate)
}

// Output is a finalized, demuxable recording.
type Output struct {
	Data          []byte
	Container     string
	Extension     string
	MIMEType      string
	VideoFrames   int
	VideoDuration float64
	AudioDuration float64
	HasAudio      bool
}

// ChunkFunc receives each encoded chunk as soon as it is ready.
type ChunkFunc func(chunk []byte)

// Recorder is the encode-and-interleave stage of an export.
type Recorder interface {
	Start(opts Options) error
	WriteVideo(buf *media.FrameBuffer) error
	WriteAudio(slice media.AudioSlice) error
	// Stop flushes in-flight state and returns the assembled output.
	Stop() (*Output, error)
	// Abort discards everything recorded so far.
	Abort()
}

// Extension returns the file extension for a container name.
func Extension(container string) string {
	switch strings.ToLower(container) {
	case ContainerWebM:
		return "webm"
	default:
		return "mp4"
	}
}

// MIMEType returns the media type for a container name.
func MIMEType(container string) string {
	switch strings.ToLower(container) {
	case ContainerWebM:
		return "video/webm"
	default:
		return "video/mp4"
	}
}
