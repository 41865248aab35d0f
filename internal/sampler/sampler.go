// Package sampler pulls decoded frames from a playing source once per display
// tick and rasterizes each into a fresh native-size frame buffer.
package sampler

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"golang.org/x/image/draw"

	"github.com/heimdex/heimdex-trim/internal/loop"
	"github.com/heimdex/heimdex-trim/internal/media"
)

// ErrSourceStateConflict reports that the source moved in a way the sampler
// did not ask for while it owned playback.
var ErrSourceStateConflict = errors.New("source state conflict")

var errStreamEnded = errors.New("stream ended")

const (
	// DefaultJumpTolerance is the forward slack, beyond elapsed wall time,
	// allowed between two ticks before a jump counts as a foreign seek.
	DefaultJumpTolerance = 1.0
	backwardTolerance    = 1e-3
)

// Handlers receive the sampler's output. All are called on the scheduler.
type Handlers struct {
	// Frame receives each new frame buffer. A returned error stops sampling
	// and is passed to Error.
	Frame func(buf *media.FrameBuffer) error
	// Progress receives the source position on every tick.
	Progress func(position float64)
	// Complete is called once when the end of the range or stream is reached.
	Complete func(position float64)
	// Error is called once when sampling fails.
	Error func(err error)
}

// Sampler ticks while running. Create one per export.
type Sampler struct {
	src    media.Source
	sched  loop.Scheduler
	logger *slog.Logger

	end           float64
	handlers      Handlers
	jumpTolerance float64

	running  bool
	lastPos  float64
	lastTick time.Time
	lastPTS  float64
	frames   int
}

// New creates a stopped sampler.
func New(src media.Source, sched loop.Scheduler, logger *slog.Logger) *Sampler {
	return &Sampler{
		src:           src,
		sched:         sched,
		logger:        logger,
		jumpTolerance: DefaultJumpTolerance,
	}
}

// SetJumpTolerance overrides DefaultJumpTolerance.
func (s *Sampler) SetJumpTolerance(seconds float64) {
	if seconds > 0 {
		s.jumpTolerance = seconds
	}
}

// Start begins ticking until the source reaches end. The first tick runs on
// the next display frame.
func (s *Sampler) Start(end float64, h Handlers) {
	s.end = end
	s.handlers = h
	s.running = true
	s.lastPos = s.src.Position()
	s.lastTick = s.sched.Now()
	s.lastPTS = -1
	s.frames = 0
	s.sched.RequestFrame(s.tick)
}

// Stop halts ticking. A tick already requested becomes a no-op.
func (s *Sampler) Stop() {
	s.running = false
}

// Running reports whether the sampler is still scheduling ticks.
func (s *Sampler) Running() bool { return s.running }

// Frames returns the number of frame buffers delivered.
func (s *Sampler) Frames() int { return s.frames }

func (s *Sampler) tick(now time.Time) {
	if !s.running {
		return
	}

	pos := s.src.Position()
	if s.handlers.Progress != nil {
		s.handlers.Progress(pos)
	}

	if pos >= s.end || s.src.Ended() {
		s.complete(pos)
		return
	}

	if err := s.checkOwnership(pos, now); err != nil {
		if errors.Is(err, errStreamEnded) {
			s.complete(s.src.Position())
			return
		}
		s.fail(err)
		return
	}

	if frame := s.src.CurrentFrame(); frame != nil && frame.PTS > s.lastPTS {
		buf := Rasterize(frame, s.src)
		s.lastPTS = frame.PTS
		if s.handlers.Frame != nil {
			if err := s.handlers.Frame(buf); err != nil {
				s.fail(err)
				return
			}
		}
		s.frames++
	}

	s.lastPos = pos
	s.lastTick = now
	s.sched.RequestFrame(s.tick)
}

func (s *Sampler) checkOwnership(pos float64, now time.Time) error {
	if !s.src.Playing() {
		// The decoder clears playing and sets ended together, possibly
		// after the Ended check in tick.
		if s.src.Ended() {
			return errStreamEnded
		}
		return fmt.Errorf("%w: playback paused externally at %.3fs", ErrSourceStateConflict, pos)
	}
	if pos < s.lastPos-backwardTolerance {
		return fmt.Errorf("%w: position moved backwards from %.3fs to %.3fs", ErrSourceStateConflict, s.lastPos, pos)
	}
	elapsed := now.Sub(s.lastTick).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	if pos-s.lastPos > elapsed+s.jumpTolerance {
		return fmt.Errorf("%w: position jumped from %.3fs to %.3fs", ErrSourceStateConflict, s.lastPos, pos)
	}
	return nil
}

func (s *Sampler) complete(pos float64) {
	s.running = false
	if s.logger != nil {
		s.logger.Debug("range complete", "position", pos, "end", s.end, "frames", s.frames)
	}
	if s.handlers.Complete != nil {
		s.handlers.Complete(pos)
	}
}

func (s *Sampler) fail(err error) {
	s.running = false
	if s.handlers.Error != nil {
		s.handlers.Error(err)
	}
}

// Rasterize copies frame into a new RGBA buffer at the source's native size,
// scaling when the decoded image differs from it.
func Rasterize(frame *media.Frame, src media.Source) *media.FrameBuffer {
	w, h := src.Dimensions()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	sb := frame.Image.Bounds()
	if sb.Dx() == w && sb.Dy() == h {
		draw.Draw(dst, dst.Bounds(), frame.Image, sb.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), frame.Image, sb, draw.Src, nil)
	}
	return &media.FrameBuffer{PTS: frame.PTS, Image: dst}
}
