// Package loop provides the single-threaded host event loop the export core
// runs on. Tasks posted from any goroutine and per-frame callbacks requested
// with RequestFrame are executed one at a time on the goroutine that drives
// the loop, so the core never needs its own locking.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultRefreshRate is the display cadence used when none is configured.
const DefaultRefreshRate = 60

// ErrStopped is returned by Do when the loop exits before running the task.
var ErrStopped = errors.New("event loop stopped")

// FrameFunc is invoked once per display tick for which it was requested.
type FrameFunc func(now time.Time)

// Scheduler is the subset of the loop the export components depend on.
type Scheduler interface {
	Post(fn func())
	RequestFrame(fn FrameFunc)
	Now() time.Time
}

// Loop is a cooperative, single-goroutine scheduler.
type Loop struct {
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	tasks  []func()
	frames []FrameFunc
	wake   chan struct{}
	done   chan struct{}
}

// Option customises a Loop.
type Option func(*Loop)

// WithRefreshRate sets the per-frame tick rate in Hz.
func WithRefreshRate(hz int) Option {
	return func(l *Loop) {
		if hz > 0 {
			l.interval = time.Second / time.Duration(hz)
		}
	}
}

// WithClock overrides the time source handed to frame callbacks.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger attaches a logger used for recovered task panics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// New creates an idle loop. Call Run to drive it, or drive it by hand with
// RunPending and Tick.
func New(opts ...Option) *Loop {
	l := &Loop{
		interval: time.Second / DefaultRefreshRate,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Interval returns the frame tick interval.
func (l *Loop) Interval() time.Duration { return l.interval }

// Now returns the loop's current time.
func (l *Loop) Now() time.Time { return l.now() }

// Post queues fn to run on the loop goroutine. Safe from any goroutine.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// RequestFrame schedules fn for the next display tick. Each request fires
// exactly once; callbacks that want to keep ticking request again.
func (l *Loop) RequestFrame(fn FrameFunc) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.frames = append(l.frames, fn)
	l.mu.Unlock()
}

// PendingFrames reports how many frame callbacks wait for the next tick.
func (l *Loop) PendingFrames() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

// RunPending executes queued tasks until the queue is empty, including tasks
// queued by the tasks themselves. It returns the number of tasks run.
func (l *Loop) RunPending() int {
	n := 0
	for {
		l.mu.Lock()
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			return n
		}
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		l.safeCall(func() { fn() })
		n++
	}
}

// Tick fires every frame callback requested before the tick, then drains the
// task queue. Callbacks requested during the tick wait for the next one.
func (l *Loop) Tick(now time.Time) {
	l.mu.Lock()
	frames := l.frames
	l.frames = nil
	l.mu.Unlock()

	for _, fn := range frames {
		l.safeCall(func() { fn(now) })
	}
	l.RunPending()
}

// Run drives the loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			l.RunPending()
			return ctx.Err()
		case <-l.wake:
			l.RunPending()
		case <-ticker.C:
			l.RunPending()
			l.Tick(l.now())
		}
	}
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from the loop goroutine.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if l.logger != nil {
				l.logger.Error("event loop task panicked", "error", fmt.Sprint(r))
			}
		}
	}()
	fn()
}
