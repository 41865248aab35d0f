// Package trim runs trim-and-export sessions: it seeks the loaded source to
// the start of the requested range, plays it while sampling frames and
// tapping audio into a recorder, and reports the finalized output on a
// notification stream.
package trim

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-trim/internal/audiotap"
	"github.com/heimdex/heimdex-trim/internal/export"
	"github.com/heimdex/heimdex-trim/internal/fsm"
	"github.com/heimdex/heimdex-trim/internal/logging"
	"github.com/heimdex/heimdex-trim/internal/loop"
	"github.com/heimdex/heimdex-trim/internal/media"
	"github.com/heimdex/heimdex-trim/internal/metrics"
	"github.com/heimdex/heimdex-trim/internal/mux"
	"github.com/heimdex/heimdex-trim/internal/sampler"
	"github.com/heimdex/heimdex-trim/internal/seek"
)

// State is the lifecycle state of the current export session.
type State string

const (
	StateIdle       State = "idle"
	StateSeeking    State = "seeking"
	StateRecording  State = "recording"
	StateFinalizing State = "finalizing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether s ends a session.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Active reports whether a session holds the source in state s.
func (s State) Active() bool {
	return s == StateSeeking || s == StateRecording || s == StateFinalizing
}

type event string

const (
	evBegin         event = "begin"
	evSeekConfirmed event = "seek_confirmed"
	evRangeComplete event = "range_complete"
	evFinalized     event = "finalized"
	evFail          event = "fail"
	evCancel        event = "cancel"
)

func transitions() []fsm.Transition[State, event] {
	return []fsm.Transition[State, event]{
		{From: StateIdle, Event: evBegin, To: StateSeeking},

		{From: StateSeeking, Event: evSeekConfirmed, To: StateRecording},
		{From: StateSeeking, Event: evFail, To: StateFailed},
		{From: StateSeeking, Event: evCancel, To: StateCancelled},

		{From: StateRecording, Event: evRangeComplete, To: StateFinalizing},
		{From: StateRecording, Event: evFail, To: StateFailed},
		{From: StateRecording, Event: evCancel, To: StateCancelled},

		{From: StateFinalizing, Event: evFinalized, To: StateCompleted},
		{From: StateFinalizing, Event: evFail, To: StateFailed},
		{From: StateFinalizing, Event: evCancel, To: StateCancelled},
	}
}

// RecorderFactory builds the recorder for one session.
type RecorderFactory func(onChunk mux.ChunkFunc, logger *slog.Logger) mux.Recorder

// FMP4Recorders is the default RecorderFactory.
func FMP4Recorders(onChunk mux.ChunkFunc, logger *slog.Logger) mux.Recorder {
	return mux.NewFMP4Recorder(onChunk, logger)
}

// Config tunes exports. Zero values take the recorder defaults.
type Config struct {
	FrameRate        int
	VideoBitrate     int
	Container        string
	FragmentDuration time.Duration
	// JumpTolerance is the forward slack in seconds before a position jump
	// counts as foreign.
	JumpTolerance float64
	NewRecorder   RecorderFactory
}

// Session is a snapshot of the current or most recent export.
type Session struct {
	ID        string    `json:"id"`
	Range     TimeRange `json:"range"`
	State     State     `json:"state"`
	Container string    `json:"container"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Position  float64   `json:"position"`
	Chunks    int       `json:"chunks"`
	Bytes     int       `json:"bytes"`
	Frames    int       `json:"frames"`
	Filename  string    `json:"filename,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Orchestrator owns at most one export session at a time. Every method must
// be called on the scheduler's goroutine; use Service from elsewhere.
type Orchestrator struct {
	sched    loop.Scheduler
	notifier Notifier
	logger   *slog.Logger
	cfg      Config

	machine *fsm.Machine[State, event]
	src     media.Source

	session *Session
	gen     uint64
	log     *slog.Logger

	seeker       *seek.Controller
	sampler      *sampler.Sampler
	tap          *audiotap.Tap
	rec          mux.Recorder
	ownsPlayback bool
}

// NewOrchestrator creates an idle orchestrator. notifier may be nil.
func NewOrchestrator(sched loop.Scheduler, cfg Config, notifier Notifier, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.NewRecorder == nil {
		cfg.NewRecorder = FMP4Recorders
	}
	if cfg.Container == "" {
		cfg.Container = mux.ContainerMP4
	}
	if notifier == nil {
		notifier = NotifierFunc(func(Notification) {})
	}

	m, err := fsm.New(StateIdle, transitions())
	if err != nil {
		return nil, fmt.Errorf("build export state machine: %w", err)
	}

	o := &Orchestrator{
		sched:    sched,
		notifier: notifier,
		logger:   logging.WithComponent(logger, "trim"),
		cfg:      cfg,
		machine:  m,
	}
	o.log = o.logger
	m.OnTransition(func(from, to State, ev event) {
		if o.session != nil {
			o.session.State = to
		}
		o.log.Debug("export state changed", "from", from, "to", to, "event", ev)
	})
	return o, nil
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State { return o.machine.State() }

// Session returns a snapshot of the current or most recent session.
func (o *Orchestrator) Session() (Session, bool) {
	if o.session == nil {
		return Session{}, false
	}
	return *o.session, true
}

// Source returns the loaded source, or nil.
func (o *Orchestrator) Source() media.Source { return o.src }

// SetSource replaces the source exports run against. It is refused while a
// session is active.
func (o *Orchestrator) SetSource(src media.Source) error {
	if o.State().Active() {
		return ErrExportInProgress
	}
	o.src = src
	return nil
}

// BeginExport validates and clamps [start, end) against the source and starts
// seeking to start. An invalid range leaves everything untouched.
func (o *Orchestrator) BeginExport(start, end float64) (string, error) {
	state := o.State()
	if state.Active() {
		return "", ErrExportInProgress
	}
	if o.src == nil {
		return "", ErrNoSource
	}

	r, err := TimeRange{Start: start, End: end}.Normalize(o.src.Duration())
	if err != nil {
		return "", err
	}

	if state.Terminal() {
		o.machine.Reset()
	}

	o.gen++
	now := o.sched.Now()
	o.session = &Session{
		ID:        uuid.NewString(),
		Range:     r,
		State:     StateIdle,
		Container: o.cfg.Container,
		StartedAt: now,
	}
	o.log = logging.WithSessionID(o.logger, o.session.ID)

	if _, err := o.machine.Fire(evBegin); err != nil {
		return "", err
	}
	metrics.ExportStarted()

	o.log.Info("export started",
		"start", r.Start,
		"end", r.End,
		"requested_start", start,
		"requested_end", end,
		"container", o.cfg.Container,
	)

	o.src.Pause()
	o.ownsPlayback = true

	gen := o.gen
	o.seeker = seek.NewController(o.src, o.sched, o.log)
	o.seeker.SeekTo(r.Start, func(pos float64, err error) {
		o.onSeeked(gen, pos, err)
	})

	return o.session.ID, nil
}

// CancelExport tears the active session down and reports Cancelled once all
// resources are released. It is a no-op without an active session.
func (o *Orchestrator) CancelExport() {
	if !o.State().Active() {
		return
	}
	o.finish(evCancel, KindCancelled, nil, nil)
}

// ReportConflict fails the active session with a source state conflict. It
// is used for mutations the sampler cannot observe, such as the source file
// changing on disk.
func (o *Orchestrator) ReportConflict(err error) {
	if !o.State().Active() {
		return
	}
	if !errors.Is(err, sampler.ErrSourceStateConflict) {
		err = fmt.Errorf("%w: %v", sampler.ErrSourceStateConflict, err)
	}
	o.fail(err)
}

func (o *Orchestrator) onSeeked(gen uint64, pos float64, err error) {
	if gen != o.gen || o.State() != StateSeeking {
		return
	}
	o.seeker = nil
	if err != nil {
		o.fail(err)
		return
	}

	capture := media.AudioSinkFunc(func(slice media.AudioSlice) {
		o.sched.Post(func() { o.onAudio(gen, slice) })
	})
	o.tap = audiotap.New()
	sig := o.tap.Attach(o.src, capture)

	w, h := o.src.Dimensions()
	opts := mux.Options{
		FrameRate:        o.cfg.FrameRate,
		VideoBitrate:     o.cfg.VideoBitrate,
		Container:        o.cfg.Container,
		Width:            w,
		Height:           h,
		Start:            pos,
		FragmentDuration: o.cfg.FragmentDuration,
	}
	if !sig.Empty() {
		f := sig.Format()
		opts.Audio = &f
	}

	o.rec = o.cfg.NewRecorder(o.onChunk, o.log)
	if err := o.rec.Start(opts); err != nil {
		o.rec = nil
		o.fail(err)
		return
	}

	if _, err := o.machine.Fire(evSeekConfirmed); err != nil {
		o.fail(err)
		return
	}

	if err := o.src.Play(); err != nil {
		o.fail(fmt.Errorf("%w: resume playback at %.3fs: %v", seek.ErrSeekFailed, pos, err))
		return
	}

	o.log.Info("recording",
		"position", pos,
		"width", w,
		"height", h,
		"audio", !sig.Empty(),
	)

	o.sampler = sampler.New(o.src, o.sched, o.log)
	if o.cfg.JumpTolerance > 0 {
		o.sampler.SetJumpTolerance(o.cfg.JumpTolerance)
	}
	o.sampler.Start(o.session.Range.End, sampler.Handlers{
		Frame:    o.writeFrame,
		Progress: o.onProgress,
		Complete: func(pos float64) { o.onRangeComplete(gen, pos) },
		Error: func(err error) {
			if gen == o.gen {
				o.fail(err)
			}
		},
	})
}

func (o *Orchestrator) writeFrame(buf *media.FrameBuffer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic writing frame at %.3fs: %v", mux.ErrEncodingFailed, buf.PTS, r)
		}
	}()
	return o.rec.WriteVideo(buf)
}

func (o *Orchestrator) onAudio(gen uint64, slice media.AudioSlice) {
	if gen != o.gen || o.rec == nil {
		return
	}
	if err := o.rec.WriteAudio(slice); err != nil {
		o.fail(err)
	}
}

// onChunk only counts; the recorder owns the bytes until Stop.
func (o *Orchestrator) onChunk(chunk []byte) {
	o.session.Chunks++
	o.session.Bytes += len(chunk)
}

func (o *Orchestrator) onProgress(pos float64) {
	o.session.Position = pos
	o.notifier.Notify(Notification{
		Kind:      KindProgress,
		SessionID: o.session.ID,
		Time:      o.sched.Now(),
		Range:     o.session.Range,
		Position:  pos,
	})
}

func (o *Orchestrator) onRangeComplete(gen uint64, pos float64) {
	if gen != o.gen || o.State() != StateRecording {
		return
	}
	if _, err := o.machine.Fire(evRangeComplete); err != nil {
		o.fail(err)
		return
	}

	o.src.Pause()
	o.ownsPlayback = false
	o.sampler = nil
	o.tap.Detach()
	o.tap = nil

	o.log.Info("range complete, finalizing", "position", pos)

	// Audio already queued on the loop lands before the recorder is stopped.
	o.sched.Post(func() { o.finalize(gen) })
}

func (o *Orchestrator) finalize(gen uint64) {
	if gen != o.gen || o.State() != StateFinalizing {
		return
	}
	out, err := o.rec.Stop()
	o.rec = nil
	if err != nil {
		o.fail(err)
		return
	}
	o.finish(evFinalized, KindCompleted, nil, out)
}

func (o *Orchestrator) fail(err error) {
	if !o.State().Active() {
		return
	}
	o.finish(evFail, KindFailed, err, nil)
}

// release stops every component and invalidates callbacks still queued for
// this session.
func (o *Orchestrator) release() {
	if o.sampler != nil {
		o.sampler.Stop()
		o.sampler = nil
	}
	if o.seeker != nil {
		o.seeker.Abandon()
		o.seeker = nil
	}
	if o.tap != nil {
		o.tap.Detach()
		o.tap = nil
	}
	if o.rec != nil {
		o.rec.Abort()
		o.rec = nil
	}
	if o.ownsPlayback && o.src != nil {
		o.src.Pause()
	}
	o.ownsPlayback = false
	o.gen++
}

func (o *Orchestrator) finish(ev event, kind Kind, err error, out *mux.Output) {
	o.release()

	if _, ferr := o.machine.Fire(ev); ferr != nil {
		o.log.Error("export state machine rejected terminal event", "event", ev, "error", ferr)
		return
	}

	now := o.sched.Now()
	s := o.session
	s.EndedAt = now

	n := Notification{
		Kind:      kind,
		SessionID: s.ID,
		Time:      now,
		Range:     s.Range,
		Position:  s.Position,
		Container: s.Container,
	}

	elapsed := now.Sub(s.StartedAt)
	switch kind {
	case KindCompleted:
		n.Output = out
		n.Filename = export.SuggestedFilename(now, out.Extension)
		s.Filename = n.Filename
		s.Frames = out.VideoFrames
		metrics.ExportFinished(string(kind), "", elapsed, len(out.Data), out.VideoFrames)
		o.log.Info("export completed",
			"filename", n.Filename,
			"bytes", len(out.Data),
			"frames", out.VideoFrames,
			"video_s", out.VideoDuration,
			"audio_s", out.AudioDuration,
		)
	case KindFailed:
		n.Reason = Reason(err)
		n.Err = err
		s.Reason = n.Reason
		metrics.ExportFinished(string(kind), n.Reason, elapsed, 0, 0)
		o.log.Warn("export failed", "reason", n.Reason, "error", err)
	case KindCancelled:
		metrics.ExportFinished(string(kind), "", elapsed, 0, 0)
		o.log.Info("export cancelled", "position", s.Position)
	}

	o.notifier.Notify(n)
}
