// Package mediatest provides a deterministic media.Source whose clock only
// moves when a test advances it.
package mediatest

import (
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/heimdex/heimdex-trim/internal/media"
)

// Config describes the synthetic stream.
type Config struct {
	Duration float64
	Width    int
	Height   int
	FPS      float64
	Audio    media.AudioFormat // zero value = video-only
}

// Source is a synthetic media.Source. Frames are solid colours derived from
// their index; audio is a constant tone.
type Source struct {
	cfg Config

	mu          sync.Mutex
	pos         float64
	playing     bool
	ended       bool
	ready       bool
	frame       *media.Frame
	sink        media.AudioSink
	audioCursor float64

	// SeekErr makes Seek refuse the request.
	SeekErr error
	// SeekReadyErr is reported through onReady instead of success.
	SeekReadyErr error
	// DeferSeeks holds seek confirmations until CompleteSeek is called.
	DeferSeeks bool
	pending    func()

	Seeks  []float64
	Plays  int
	Pauses int
}

// New creates a paused source at position 0 with no decoded frame.
func New(cfg Config) *Source {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.Width <= 0 {
		cfg.Width = 16
	}
	if cfg.Height <= 0 {
		cfg.Height = 8
	}
	return &Source{cfg: cfg, sink: media.DiscardAudio}
}

func (s *Source) Duration() float64 { return s.cfg.Duration }

func (s *Source) Dimensions() (int, int) { return s.cfg.Width, s.cfg.Height }

func (s *Source) HasAudio() bool { return s.cfg.Audio.Valid() }

func (s *Source) AudioFormat() media.AudioFormat { return s.cfg.Audio }

func (s *Source) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *Source) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *Source) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Source) CurrentFrame() *media.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

func (s *Source) AudioSink() media.AudioSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

func (s *Source) SetAudioSink(sink media.AudioSink) {
	if sink == nil {
		sink = media.DiscardAudio
	}
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

func (s *Source) Seek(position float64, onReady func(error)) error {
	if s.SeekErr != nil {
		return s.SeekErr
	}
	position = media.Clamp(position, s.cfg.Duration)

	s.mu.Lock()
	s.Seeks = append(s.Seeks, position)
	s.ready = false
	s.pos = position
	s.ended = false
	s.audioCursor = position
	s.mu.Unlock()

	complete := func() {
		if s.SeekReadyErr != nil {
			onReady(s.SeekReadyErr)
			return
		}
		s.mu.Lock()
		s.ready = true
		s.frame = s.frameAt(position)
		s.mu.Unlock()
		onReady(nil)
	}

	if s.DeferSeeks {
		s.mu.Lock()
		s.pending = complete
		s.mu.Unlock()
		return nil
	}
	complete()
	return nil
}

// CompleteSeek delivers a deferred seek confirmation. It reports whether one
// was pending.
func (s *Source) CompleteSeek() bool {
	s.mu.Lock()
	fn := s.pending
	s.pending = nil
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

func (s *Source) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return media.ErrNotReady
	}
	s.Plays++
	if !s.ended {
		s.playing = true
	}
	return nil
}

func (s *Source) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Pauses++
	s.playing = false
}

// Advance moves the playback clock by d seconds if playing, presenting the
// frame due at the new position and delivering the audio for the interval to
// the current sink.
func (s *Source) Advance(d float64) {
	s.mu.Lock()
	if !s.playing {
		s.mu.Unlock()
		return
	}
	next := s.pos + d
	if next >= s.cfg.Duration {
		next = s.cfg.Duration
		s.ended = true
		s.playing = false
	}
	s.pos = next
	s.frame = s.frameAt(next)

	var slice *media.AudioSlice
	if s.cfg.Audio.Valid() {
		slice = s.audioUntilLocked(next)
	}
	sink := s.sink
	s.mu.Unlock()

	if slice != nil {
		sink.WriteAudio(*slice)
	}
}

// Jump moves the cursor without any notification, as an uncooperative
// caller would.
func (s *Source) Jump(position float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = media.Clamp(position, s.cfg.Duration)
	s.audioCursor = s.pos
	s.frame = s.frameAt(s.pos)
}

func (s *Source) audioUntilLocked(pos float64) *media.AudioSlice {
	rate := float64(s.cfg.Audio.SampleRate)
	startFrame := int64(math.Round(s.audioCursor * rate))
	endFrame := int64(math.Round(pos * rate))
	if endFrame <= startFrame {
		return nil
	}
	n := int(endFrame - startFrame)
	samples := make([]int16, n*s.cfg.Audio.Channels)
	for i := range samples {
		samples[i] = 1000
	}
	slice := &media.AudioSlice{PTS: float64(startFrame) / rate, Samples: samples}
	s.audioCursor = float64(endFrame) / rate
	return slice
}

func (s *Source) frameAt(pos float64) *media.Frame {
	idx := int(math.Floor(pos*s.cfg.FPS + 1e-9))
	pts := float64(idx) / s.cfg.FPS
	img := image.NewRGBA(image.Rect(0, 0, s.cfg.Width, s.cfg.Height))
	c := color.RGBA{R: uint8(idx), G: uint8(idx >> 8), B: 0x80, A: 0xff}
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return &media.Frame{PTS: pts, Image: img}
}

var _ media.Source = (*Source)(nil)
