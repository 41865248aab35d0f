package trim

import (
	"errors"

	"github.com/heimdex/heimdex-trim/internal/mux"
	"github.com/heimdex/heimdex-trim/internal/sampler"
	"github.com/heimdex/heimdex-trim/internal/seek"
)

var (
	// ErrInvalidRange rejects a range before any resource is touched.
	ErrInvalidRange = errors.New("invalid range")
	// ErrExportInProgress rejects BeginExport while a session is active.
	ErrExportInProgress = errors.New("export already in progress")
	// ErrNoSource rejects BeginExport before a source is loaded.
	ErrNoSource = errors.New("no source loaded")
)

// Failure reasons carried by Failed notifications.
const (
	ReasonInvalidRange        = "invalid_range"
	ReasonSeekFailed          = "seek_failed"
	ReasonUnsupportedFormat   = "unsupported_format"
	ReasonEncodingFailed      = "encoding_failed"
	ReasonSourceStateConflict = "source_state_conflict"
)

// Reason classifies err into a notification reason code. Anything
// unrecognised is reported as an encoding failure.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRange):
		return ReasonInvalidRange
	case errors.Is(err, seek.ErrSeekFailed):
		return ReasonSeekFailed
	case errors.Is(err, mux.ErrUnsupportedFormat):
		return ReasonUnsupportedFormat
	case errors.Is(err, sampler.ErrSourceStateConflict):
		return ReasonSourceStateConflict
	default:
		return ReasonEncodingFailed
	}
}
