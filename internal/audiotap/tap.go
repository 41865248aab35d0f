// Package audiotap duplicates a source's decoded audio into a capture path
// while normal monitoring playback continues untouched.
package audiotap

import (
	"sync"

	"github.com/heimdex/heimdex-trim/internal/media"
)

// Signal is the capture side of a tap.
type Signal struct {
	format media.AudioFormat
	empty  bool
}

// Empty reports that the source carries no audio; the recorder should run
// video-only.
func (s Signal) Empty() bool { return s.empty }

// Format is the PCM layout delivered to the capture sink.
func (s Signal) Format() media.AudioFormat { return s.format }

// Tap splits one source's audio between its monitor sink and a capture sink.
type Tap struct {
	mu       sync.Mutex
	src      media.Source
	monitor  media.AudioSink
	capture  media.AudioSink
	splitter *splitter
	attached bool
}

// New returns a detached tap.
func New() *Tap {
	return &Tap{}
}

// Attach connects capture alongside the source's current audio sink. When
// the source has no audio track the returned Signal is empty and nothing is
// connected.
func (t *Tap) Attach(src media.Source, capture media.AudioSink) Signal {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.detachLocked()

	if !src.HasAudio() {
		return Signal{empty: true}
	}

	t.src = src
	t.monitor = src.AudioSink()
	t.capture = capture
	t.splitter = &splitter{monitor: t.monitor, capture: capture}
	t.attached = true
	src.SetAudioSink(t.splitter)

	return Signal{format: src.AudioFormat()}
}

// Detach releases the tap and restores the source's original sink. It is
// safe to call repeatedly.
func (t *Tap) Detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detachLocked()
}

// Attached reports whether a capture path is connected.
func (t *Tap) Attached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attached
}

func (t *Tap) detachLocked() {
	if !t.attached {
		return
	}
	t.splitter.disconnect()
	if t.src.AudioSink() == media.AudioSink(t.splitter) {
		t.src.SetAudioSink(t.monitor)
	}
	t.src = nil
	t.monitor = nil
	t.capture = nil
	t.splitter = nil
	t.attached = false
}

// splitter forwards to the monitor first so playback is never delayed by
// capture.
type splitter struct {
	mu      sync.Mutex
	monitor media.AudioSink
	capture media.AudioSink
}

func (s *splitter) WriteAudio(slice media.AudioSlice) {
	s.mu.Lock()
	monitor, capture := s.monitor, s.capture
	s.mu.Unlock()

	monitor.WriteAudio(slice)
	if capture != nil {
		capture.WriteAudio(slice)
	}
}

func (s *splitter) disconnect() {
	s.mu.Lock()
	s.capture = nil
	s.mu.Unlock()
}
