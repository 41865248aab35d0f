package seek

import (
	"errors"
	"testing"

	"github.com/heimdex/heimdex-trim/internal/loop"
	"github.com/heimdex/heimdex-trim/internal/media/mediatest"
)

type result struct {
	pos   float64
	err   error
	calls int
}

func (r *result) done(pos float64, err error) {
	r.pos = pos
	r.err = err
	r.calls++
}

func TestSeekTo_WaitsForFrameReady(t *testing.T) {
	l := loop.New()
	src := mediatest.New(mediatest.Config{Duration: 20})
	src.DeferSeeks = true
	c := NewController(src, l, nil)

	var res result
	c.SeekTo(5, res.done)
	l.RunPending()

	if res.calls != 0 {
		t.Fatal("done called before the source confirmed the frame")
	}

	src.CompleteSeek()
	l.RunPending()

	if res.calls != 1 || res.err != nil {
		t.Fatalf("done calls=%d err=%v, want 1 call without error", res.calls, res.err)
	}
	if res.pos != 5 {
		t.Fatalf("confirmed position = %v, want 5", res.pos)
	}
	if src.CurrentFrame() == nil {
		t.Fatal("no frame decoded after confirmation")
	}
}

func TestSeekTo_Clamps(t *testing.T) {
	tests := []struct {
		name string
		pos  float64
		want float64
	}{
		{"negative", -3, 0},
		{"beyond duration", 99, 20},
		{"inside", 7.5, 7.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := loop.New()
			src := mediatest.New(mediatest.Config{Duration: 20})
			c := NewController(src, l, nil)

			var res result
			c.SeekTo(tt.pos, res.done)
			l.RunPending()

			if res.pos != tt.want {
				t.Fatalf("position = %v, want %v", res.pos, tt.want)
			}
			if got := src.Seeks[len(src.Seeks)-1]; got != tt.want {
				t.Fatalf("source seeked to %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSeekTo_SourceRefuses(t *testing.T) {
	l := loop.New()
	src := mediatest.New(mediatest.Config{Duration: 20})
	src.SeekErr = errors.New("not seekable")
	c := NewController(src, l, nil)

	var res result
	c.SeekTo(2, res.done)
	l.RunPending()

	if !errors.Is(res.err, ErrSeekFailed) {
		t.Fatalf("err = %v, want ErrSeekFailed", res.err)
	}
}

func TestSeekTo_DecodeFailure(t *testing.T) {
	l := loop.New()
	src := mediatest.New(mediatest.Config{Duration: 20})
	src.SeekReadyErr = errors.New("decoder crashed")
	c := NewController(src, l, nil)

	var res result
	c.SeekTo(2, res.done)
	l.RunPending()

	if !errors.Is(res.err, ErrSeekFailed) {
		t.Fatalf("err = %v, want ErrSeekFailed", res.err)
	}
}

func TestAbandon_SuppressesLateConfirmation(t *testing.T) {
	l := loop.New()
	src := mediatest.New(mediatest.Config{Duration: 20})
	src.DeferSeeks = true
	c := NewController(src, l, nil)

	var res result
	c.SeekTo(4, res.done)
	c.Abandon()
	src.CompleteSeek()
	l.RunPending()

	if res.calls != 0 {
		t.Fatalf("done called %d times after Abandon, want 0", res.calls)
	}
}

func TestSeekTo_SupersededSeek(t *testing.T) {
	l := loop.New()
	src := mediatest.New(mediatest.Config{Duration: 20})
	src.DeferSeeks = true
	c := NewController(src, l, nil)

	var first, second result
	c.SeekTo(1, first.done)
	c.SeekTo(3, second.done)
	src.CompleteSeek()
	l.RunPending()

	if first.calls != 0 {
		t.Fatal("superseded seek reported completion")
	}
	if second.calls != 1 || second.pos != 3 {
		t.Fatalf("second seek calls=%d pos=%v, want 1 call at 3", second.calls, second.pos)
	}
}
