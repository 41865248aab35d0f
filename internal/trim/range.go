package trim

import (
	"fmt"
	"math"
)

// TimeRange is a [Start, End) interval on the source clock, in seconds.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns End - Start.
func (r TimeRange) Duration() float64 { return r.End - r.Start }

// Normalize clamps the range into [0, duration]. It fails with
// ErrInvalidRange for non-finite bounds or when nothing is left after
// clamping.
func (r TimeRange) Normalize(duration float64) (TimeRange, error) {
	if !finite(r.Start) || !finite(r.End) {
		return r, fmt.Errorf("%w: non-finite bound [%v, %v)", ErrInvalidRange, r.Start, r.End)
	}
	if !finite(duration) || duration <= 0 {
		return r, fmt.Errorf("%w: source duration %v", ErrInvalidRange, duration)
	}

	out := r
	if out.Start < 0 {
		out.Start = 0
	}
	if out.End > duration {
		out.End = duration
	}
	if out.Start >= out.End {
		return r, fmt.Errorf("%w: start %.3f is not before end %.3f", ErrInvalidRange, out.Start, out.End)
	}
	return out, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
