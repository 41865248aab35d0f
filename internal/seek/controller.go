// Package seek drives a media source to a target position and confirms the
// frame there is decoded before anything is captured.
package seek

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/heimdex/heimdex-trim/internal/loop"
	"github.com/heimdex/heimdex-trim/internal/media"
)

// ErrSeekFailed wraps every reason a seek could not be confirmed.
var ErrSeekFailed = errors.New("seek failed")

// DoneFunc receives the confirmed position or the failure.
type DoneFunc func(position float64, err error)

// Controller issues seeks on a source. All callbacks run on the scheduler.
type Controller struct {
	src    media.Source
	sched  loop.Scheduler
	logger *slog.Logger

	generation uint64
}

// NewController creates a controller for src.
func NewController(src media.Source, sched loop.Scheduler, logger *slog.Logger) *Controller {
	return &Controller{src: src, sched: sched, logger: logger}
}

// SeekTo clamps position to the source duration and moves the cursor there.
// done runs on the scheduler once the source confirms the frame is decoded.
// A later SeekTo or Abandon supersedes an outstanding one, whose done is then
// never called.
func (c *Controller) SeekTo(position float64, done DoneFunc) {
	target := media.Clamp(position, c.src.Duration())
	c.generation++
	gen := c.generation

	if c.logger != nil {
		c.logger.Debug("seeking", "requested", position, "target", target)
	}

	err := c.src.Seek(target, func(err error) {
		c.sched.Post(func() {
			if gen != c.generation {
				return
			}
			c.generation++
			if err != nil {
				done(target, fmt.Errorf("%w: %v", ErrSeekFailed, err))
				return
			}
			if c.src.CurrentFrame() == nil {
				done(target, fmt.Errorf("%w: no frame decoded at %.3fs", ErrSeekFailed, target))
				return
			}
			done(target, nil)
		})
	})
	if err != nil {
		c.sched.Post(func() {
			if gen != c.generation {
				return
			}
			c.generation++
			done(target, fmt.Errorf("%w: %v", ErrSeekFailed, err))
		})
	}
}

// Abandon drops any outstanding confirmation.
func (c *Controller) Abandon() {
	c.generation++
}
