package media

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultAudioRate     = 48000
	defaultAudioChannels = 2
	defaultFrameRate     = 30.0
	audioChunkFrames     = 1024
)

// FFmpegConfig configures an FFmpegSource.
type FFmpegConfig struct {
	Binary        string // empty = "ffmpeg" from PATH
	Probe         *ProbeResult
	AudioRate     int
	AudioChannels int
	Monitor       AudioSink // normal playback output; nil discards
	Logger        *slog.Logger
}

// FFmpegSource decodes a file with ffmpeg subprocesses and plays it against
// the wall clock. Video is decoded to RGBA, audio to s16le PCM.
type FFmpegSource struct {
	binary string
	path   string
	probe  ProbeResult
	fps    float64
	audio  AudioFormat
	logger *slog.Logger

	mu         sync.Mutex
	anchorPos  float64
	anchorWall time.Time
	playing    bool
	ended      bool
	ready      bool
	closed     bool
	frame      *Frame
	sink       AudioSink
	resume     chan struct{}
	session    *decodeSession
}

type decodeSession struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFFmpegSource builds a paused source for a probed file.
func NewFFmpegSource(cfg FFmpegConfig) (*FFmpegSource, error) {
	if cfg.Probe == nil {
		return nil, errors.New("ffmpeg source: probe result is required")
	}
	if !cfg.Probe.HasVideo() {
		return nil, ErrNoVideo
	}

	bin := cfg.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	monitor := cfg.Monitor
	if monitor == nil {
		monitor = DiscardAudio
	}

	fps := cfg.Probe.FrameRate
	if fps <= 0 {
		fps = defaultFrameRate
	}

	var audio AudioFormat
	if cfg.Probe.HasAudio() {
		audio = AudioFormat{SampleRate: cfg.AudioRate, Channels: cfg.AudioChannels}
		if audio.SampleRate <= 0 {
			audio.SampleRate = defaultAudioRate
		}
		if audio.Channels <= 0 {
			audio.Channels = defaultAudioChannels
		}
	}

	return &FFmpegSource{
		binary: bin,
		path:   cfg.Probe.Path,
		probe:  *cfg.Probe,
		fps:    fps,
		audio:  audio,
		logger: logger,
		sink:   monitor,
		resume: make(chan struct{}),
	}, nil
}

func (s *FFmpegSource) Duration() float64 { return s.probe.Duration }

func (s *FFmpegSource) Dimensions() (int, int) { return s.probe.Width, s.probe.Height }

func (s *FFmpegSource) HasAudio() bool { return s.audio.Valid() }

func (s *FFmpegSource) AudioFormat() AudioFormat { return s.audio }

// Path returns the decoded file path.
func (s *FFmpegSource) Path() string { return s.path }

func (s *FFmpegSource) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

func (s *FFmpegSource) positionLocked() float64 {
	pos := s.anchorPos
	if s.playing {
		pos += time.Since(s.anchorWall).Seconds()
	}
	return Clamp(pos, s.probe.Duration)
}

func (s *FFmpegSource) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *FFmpegSource) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *FFmpegSource) CurrentFrame() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

func (s *FFmpegSource) AudioSink() AudioSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

func (s *FFmpegSource) SetAudioSink(sink AudioSink) {
	if sink == nil {
		sink = DiscardAudio
	}
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Seek restarts decoding at position and calls onReady once the first frame
// at that position has been read from the decoder.
func (s *FFmpegSource) Seek(position float64, onReady func(error)) error {
	position = Clamp(position, s.probe.Duration)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSeekUnsupported
	}
	prev := s.session
	ctx, cancel := context.WithCancel(context.Background())
	sess := &decodeSession{cancel: cancel, done: make(chan struct{})}
	s.session = sess
	s.ready = false
	s.ended = false
	s.anchorPos = position
	s.anchorWall = time.Now()
	s.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}

	go s.decode(ctx, sess, prev, position, onReady)
	return nil
}

func (s *FFmpegSource) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return ErrNotReady
	}
	if s.playing || s.ended {
		return nil
	}
	s.anchorWall = time.Now()
	s.playing = true
	close(s.resume)
	return nil
}

func (s *FFmpegSource) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauseLocked()
}

func (s *FFmpegSource) pauseLocked() {
	if !s.playing {
		return
	}
	s.anchorPos = s.positionLocked()
	s.playing = false
	s.resume = make(chan struct{})
}

// Close stops decoding and releases the ffmpeg processes.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.pauseLocked()
	sess := s.session
	s.session = nil
	s.mu.Unlock()

	if sess != nil {
		sess.cancel()
		<-sess.done
	}
	return nil
}

func (s *FFmpegSource) current(sess *decodeSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session == sess
}

func (s *FFmpegSource) decode(ctx context.Context, sess *decodeSession, prev *decodeSession, position float64, onReady func(error)) {
	defer close(sess.done)
	if prev != nil {
		<-prev.done
	}

	g, gctx := errgroup.WithContext(ctx)

	video, err := s.start(gctx, position, "-an", "-f", "rawvideo", "-pix_fmt", "rgba", "pipe:1")
	if err != nil {
		s.notify(sess, onReady, fmt.Errorf("start video decoder: %w", err))
		return
	}

	first, err := s.readFrame(video.out, position)
	if err != nil {
		sess.cancel()
		video.wait()
		s.notify(sess, onReady, fmt.Errorf("decode frame at %.3fs: %w", position, err))
		return
	}

	s.mu.Lock()
	if s.session != sess {
		s.mu.Unlock()
		sess.cancel()
		video.wait()
		return
	}
	s.frame = first
	s.ready = true
	s.anchorPos = position
	s.anchorWall = time.Now()
	s.mu.Unlock()

	onReady(nil)

	g.Go(func() error { return s.pumpVideo(gctx, sess, video, position) })
	if s.audio.Valid() {
		g.Go(func() error { return s.pumpAudio(gctx, sess, position) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("decoder stopped", "error", err, "position", position)
	}
}

func (s *FFmpegSource) notify(sess *decodeSession, onReady func(error), err error) {
	if !s.current(sess) {
		return
	}
	onReady(err)
}

func (s *FFmpegSource) pumpVideo(ctx context.Context, sess *decodeSession, video *decoderProc, start float64) error {
	defer video.wait()

	for n := 1; ; n++ {
		pts := start + float64(n)/s.fps
		frame, err := s.readFrame(video.out, pts)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				s.markEnded(sess)
				return nil
			}
			return err
		}
		if err := s.waitUntil(ctx, pts); err != nil {
			return err
		}

		s.mu.Lock()
		if s.session != sess {
			s.mu.Unlock()
			return context.Canceled
		}
		s.frame = frame
		s.mu.Unlock()
	}
}

func (s *FFmpegSource) pumpAudio(ctx context.Context, sess *decodeSession, start float64) error {
	proc, err := s.start(ctx, start, "-vn", "-f", "s16le",
		"-ac", strconv.Itoa(s.audio.Channels), "-ar", strconv.Itoa(s.audio.SampleRate), "pipe:1")
	if err != nil {
		return fmt.Errorf("start audio decoder: %w", err)
	}
	defer proc.wait()

	buf := make([]byte, audioChunkFrames*s.audio.Channels*2)
	frames := 0
	for {
		n, err := io.ReadFull(proc.out, buf)
		if n > 0 {
			samples := make([]int16, n/2)
			for i := range samples {
				samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
			}
			pts := start + float64(frames)/float64(s.audio.SampleRate)
			frames += len(samples) / s.audio.Channels

			if werr := s.waitUntil(ctx, pts); werr != nil {
				return werr
			}
			if !s.current(sess) {
				return context.Canceled
			}
			s.AudioSink().WriteAudio(AudioSlice{PTS: pts, Samples: samples})
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
	}
}

// waitUntil blocks until the playback clock reaches pts, holding while paused.
func (s *FFmpegSource) waitUntil(ctx context.Context, pts float64) error {
	for {
		s.mu.Lock()
		playing := s.playing
		resume := s.resume
		wait := pts - s.positionLocked()
		s.mu.Unlock()

		if !playing {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-resume:
				continue
			}
		}
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(time.Duration(wait * float64(time.Second)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *FFmpegSource) markEnded(sess *decodeSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != sess {
		return
	}
	s.pauseLocked()
	s.ended = true
}

func (s *FFmpegSource) readFrame(r io.Reader, pts float64) (*Frame, error) {
	w, h := s.probe.Width, s.probe.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	if _, err := io.ReadFull(r, img.Pix); err != nil {
		return nil, err
	}
	return &Frame{PTS: pts, Image: img}, nil
}

type decoderProc struct {
	cmd *exec.Cmd
	out io.ReadCloser
}

func (p *decoderProc) wait() {
	p.out.Close()
	p.cmd.Wait()
}

func (s *FFmpegSource) start(ctx context.Context, position float64, args ...string) (*decoderProc, error) {
	base := []string{
		"-v", "error", "-nostdin",
		"-ss", strconv.FormatFloat(position, 'f', 3, 64),
		"-i", s.path,
	}
	cmd := exec.CommandContext(ctx, s.binary, append(base, args...)...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	s.logger.Debug("decoder started", "args", cmd.Args)
	return &decoderProc{cmd: cmd, out: out}, nil
}
