package mux

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"math"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/heimdex/heimdex-trim/internal/media"
)

const (
	videoTrackID   = 1
	audioTrackID   = 2
	videoTimeScale = 90000

	// frames closer than this to one period after the previous accepted
	// frame still count as the next frame
	cadenceSlack = 0.001

	maxAudioSampleFrames = 1024
)

// EncodeFunc turns one frame into a codec payload.
type EncodeFunc func(img image.Image, quality int) ([]byte, error)

// EncodeJPEG is the MJPEG payload encoder.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type pendingFrame struct {
	pts     float64 // relative to Options.Start
	payload []byte
}

// FMP4Recorder writes fragmented MP4 with an MJPEG video track and an
// optional little-endian LPCM audio track. Every fragment is emitted through
// the chunk callback as soon as it is marshalled; only encoded bytes are kept.
type FMP4Recorder struct {
	onChunk ChunkFunc
	encode  EncodeFunc
	logger  *slog.Logger

	opts    Options
	started bool
	failed  error
	quality int
	period  float64

	chunks [][]byte
	seq    uint32

	video        []pendingFrame
	lastAccepted float64
	haveVideo    bool
	videoFrames  int
	fragStart    float64

	audio         []int16
	audioFormat   media.AudioFormat
	audioWritten  int64 // sample frames already in fragments
	audioReceived int64 // sample frames written plus pending
}

// NewFMP4Recorder creates an idle recorder. onChunk may be nil.
func NewFMP4Recorder(onChunk ChunkFunc, logger *slog.Logger) *FMP4Recorder {
	return &FMP4Recorder{onChunk: onChunk, encode: EncodeJPEG, logger: logger}
}

// SetEncoder replaces the video payload encoder.
func (r *FMP4Recorder) SetEncoder(fn EncodeFunc) {
	if fn != nil {
		r.encode = fn
	}
}

// Start validates the options and emits the initialization segment.
func (r *FMP4Recorder) Start(opts Options) error {
	opts = opts.withDefaults()

	switch opts.Container {
	case ContainerMP4, "fmp4":
	default:
		return fmt.Errorf("%w: container %q", ErrUnsupportedFormat, opts.Container)
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return fmt.Errorf("%w: frame size %dx%d", ErrUnsupportedFormat, opts.Width, opts.Height)
	}
	if opts.Audio != nil && !opts.Audio.Valid() {
		return fmt.Errorf("%w: audio %d Hz / %d channels", ErrUnsupportedFormat, opts.Audio.SampleRate, opts.Audio.Channels)
	}

	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        videoTrackID,
			TimeScale: videoTimeScale,
			Codec:     &mp4.CodecMJPEG{Width: opts.Width, Height: opts.Height},
		}},
	}
	if opts.Audio != nil {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        audioTrackID,
			TimeScale: uint32(opts.Audio.SampleRate),
			Codec: &mp4.CodecLPCM{
				LittleEndian: true,
				BitDepth:     16,
				SampleRate:   opts.Audio.SampleRate,
				ChannelCount: opts.Audio.Channels,
			},
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	r.reset()
	r.opts = opts
	r.started = true
	r.period = 1 / float64(opts.FrameRate)
	r.quality = jpegQuality(opts)
	if opts.Audio != nil {
		r.audioFormat = *opts.Audio
	}

	if r.logger != nil {
		r.logger.Info("recorder started",
			"container", opts.Container,
			"width", opts.Width,
			"height", opts.Height,
			"fps", opts.FrameRate,
			"jpeg_quality", r.quality,
			"audio", opts.Audio != nil,
		)
	}

	r.emit(buf.Bytes())
	return nil
}

// WriteVideo encodes buf if it falls on the output frame cadence.
func (r *FMP4Recorder) WriteVideo(buf *media.FrameBuffer) error {
	if err := r.writable(); err != nil {
		return err
	}

	pts := buf.PTS - r.opts.Start
	if pts < 0 {
		pts = 0
	}
	if r.haveVideo && pts < r.lastAccepted+r.period-cadenceSlack {
		return nil
	}

	payload, err := r.encode(buf.Image, r.quality)
	if err != nil {
		return r.fail(fmt.Errorf("encode frame at %.3fs: %v", buf.PTS, err))
	}

	// The first frame is shown from output time zero so the video track
	// starts together with the audio track even when the source delivered
	// its first frame late. Cadence still follows the real timestamp.
	samplePTS := pts
	if !r.haveVideo {
		if pts > 0 && r.logger != nil {
			r.logger.Debug("holding first frame over leading gap", "gap_s", pts)
		}
		samplePTS = 0
		r.fragStart = 0
	}
	r.haveVideo = true
	r.lastAccepted = pts
	r.video = append(r.video, pendingFrame{pts: samplePTS, payload: payload})
	r.videoFrames++

	if samplePTS-r.fragStart >= r.opts.FragmentDuration.Seconds() {
		if err := r.flush(false); err != nil {
			return r.fail(err)
		}
	}
	return nil
}

// WriteAudio appends slice on the source clock, padding gaps with silence
// and dropping samples that overlap what was already received.
func (r *FMP4Recorder) WriteAudio(slice media.AudioSlice) error {
	if err := r.writable(); err != nil {
		return err
	}
	if !r.audioFormat.Valid() {
		return nil
	}

	ch := r.audioFormat.Channels
	rate := float64(r.audioFormat.SampleRate)
	startFrame := int64(math.Round((slice.PTS - r.opts.Start) * rate))
	frames := int64(slice.Frames(ch))
	samples := slice.Samples[:frames*int64(ch)]

	if gap := startFrame - r.audioReceived; gap > 0 {
		r.audio = append(r.audio, make([]int16, gap*int64(ch))...)
		r.audioReceived += gap
	} else if gap < 0 {
		skip := -gap
		if skip >= frames {
			return nil
		}
		samples = samples[skip*int64(ch):]
	}

	r.audio = append(r.audio, samples...)
	r.audioReceived += int64(len(samples) / ch)
	return nil
}

// Stop writes the final fragment, aligns the audio track to the video track
// and returns the concatenated output.
func (r *FMP4Recorder) Stop() (*Output, error) {
	if !r.started {
		return nil, ErrNotStarted
	}
	if r.failed != nil {
		err := r.failed
		r.reset()
		return nil, err
	}
	if r.videoFrames == 0 {
		r.reset()
		return nil, fmt.Errorf("%w: no video frames captured", ErrEncodingFailed)
	}

	// the track spans [0, lastAccepted+period) since the first frame is
	// anchored at zero
	videoEnd := r.lastAccepted + r.period
	if err := r.flush(true); err != nil {
		r.reset()
		return nil, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}

	size := 0
	for _, c := range r.chunks {
		size += len(c)
	}
	data := make([]byte, 0, size)
	for _, c := range r.chunks {
		data = append(data, c...)
	}

	out := &Output{
		Data:          data,
		Container:     r.opts.Container,
		Extension:     Extension(r.opts.Container),
		MIMEType:      MIMEType(r.opts.Container),
		VideoFrames:   r.videoFrames,
		VideoDuration: videoEnd,
		HasAudio:      r.audioFormat.Valid(),
	}
	if out.HasAudio {
		out.AudioDuration = float64(r.audioWritten) / float64(r.audioFormat.SampleRate)
	}

	if r.logger != nil {
		r.logger.Info("recorder stopped",
			"bytes", len(data),
			"chunks", len(r.chunks),
			"frames", out.VideoFrames,
			"video_s", out.VideoDuration,
			"audio_s", out.AudioDuration,
		)
	}

	r.reset()
	return out, nil
}

// Abort discards all state.
func (r *FMP4Recorder) Abort() {
	r.reset()
}

// Chunks returns the number of chunks emitted in the current recording.
func (r *FMP4Recorder) Chunks() int { return len(r.chunks) }

func (r *FMP4Recorder) writable() error {
	if !r.started {
		return ErrNotStarted
	}
	return r.failed
}

func (r *FMP4Recorder) fail(err error) error {
	r.failed = fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	r.chunks = nil
	r.video = nil
	r.audio = nil
	return r.failed
}

func (r *FMP4Recorder) reset() {
	r.started = false
	r.failed = nil
	r.chunks = nil
	r.seq = 0
	r.video = nil
	r.haveVideo = false
	r.lastAccepted = 0
	r.videoFrames = 0
	r.fragStart = 0
	r.audio = nil
	r.audioFormat = media.AudioFormat{}
	r.audioWritten = 0
	r.audioReceived = 0
}

// flush writes pending frames as one fragment. Unless final, the newest frame
// is held back because its duration is only known once its successor arrives.
func (r *FMP4Recorder) flush(final bool) error {
	n := len(r.video)
	if !final {
		n--
	}
	if n <= 0 {
		return nil
	}

	var end float64
	if final {
		end = r.video[n-1].pts + r.period
	} else {
		end = r.video[n].pts
	}

	vt := &fmp4.PartTrack{
		ID:       videoTrackID,
		BaseTime: uint64(math.Round(r.video[0].pts * videoTimeScale)),
	}
	for i := 0; i < n; i++ {
		next := end
		if i+1 < len(r.video) && i+1 < n {
			next = r.video[i+1].pts
		}
		dur := ticks(next, videoTimeScale) - ticks(r.video[i].pts, videoTimeScale)
		if dur == 0 {
			dur = 1
		}
		vt.Samples = append(vt.Samples, &fmp4.Sample{
			Duration:        uint32(dur),
			IsNonSyncSample: false,
			Payload:         r.video[i].payload,
		})
	}

	part := &fmp4.Part{SequenceNumber: r.seq, Tracks: []*fmp4.PartTrack{vt}}

	if r.audioFormat.Valid() {
		if at := r.audioTrack(end, final); at != nil {
			part.Tracks = append(part.Tracks, at)
		}
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("marshal fragment %d: %w", r.seq, err)
	}

	r.seq++
	r.video = append(r.video[:0], r.video[n:]...)
	if len(r.video) > 0 {
		r.fragStart = r.video[0].pts
	}
	r.emit(buf.Bytes())
	return nil
}

// audioTrack takes pending audio up to end seconds. On the final fragment the
// audio is padded with silence or cut so it ends exactly with the video.
func (r *FMP4Recorder) audioTrack(end float64, final bool) *fmp4.PartTrack {
	ch := int64(r.audioFormat.Channels)
	target := ticks(end, r.audioFormat.SampleRate)
	want := target - r.audioWritten
	if want <= 0 {
		return nil
	}

	pending := int64(len(r.audio)) / ch
	if pending < want {
		if !final {
			want = pending
		} else {
			pad := want - pending
			r.audio = append(r.audio, make([]int16, pad*ch)...)
			r.audioReceived += pad
		}
	}
	if want <= 0 {
		return nil
	}

	at := &fmp4.PartTrack{ID: audioTrackID, BaseTime: uint64(r.audioWritten)}
	for off := int64(0); off < want; off += maxAudioSampleFrames {
		frames := want - off
		if frames > maxAudioSampleFrames {
			frames = maxAudioSampleFrames
		}
		pcm := r.audio[off*ch : (off+frames)*ch]
		payload := make([]byte, len(pcm)*2)
		for i, s := range pcm {
			binary.LittleEndian.PutUint16(payload[i*2:], uint16(s))
		}
		at.Samples = append(at.Samples, &fmp4.Sample{Duration: uint32(frames), Payload: payload})
	}

	r.audio = append(r.audio[:0], r.audio[want*ch:]...)
	r.audioWritten += want
	if final {
		r.audio = nil
	}
	return at
}

func (r *FMP4Recorder) emit(chunk []byte) {
	r.chunks = append(r.chunks, chunk)
	if r.onChunk != nil {
		r.onChunk(chunk)
	}
}

func ticks(seconds float64, scale int) int64 {
	return int64(math.Round(seconds * float64(scale)))
}

// jpegQuality maps the bitrate budget per pixel onto a JPEG quality. MJPEG
// has no rate control, so the bitrate only steers quality.
func jpegQuality(o Options) int {
	bitsPerPixel := float64(o.VideoBitrate) / float64(o.FrameRate) / float64(o.Width*o.Height)
	q := int(math.Round(40 + 25*bitsPerPixel))
	if q < 40 {
		q = 40
	}
	if q > 95 {
		q = 95
	}
	return q
}

var _ Recorder = (*FMP4Recorder)(nil)
