// Package toolchain checks the ffmpeg and ffprobe binaries the agent decodes
// and probes sources with.
package toolchain

import "time"

// Capabilities describes the installed ffmpeg toolchain.
type Capabilities struct {
	FFmpeg  Binary `json:"ffmpeg"`
	FFprobe Binary `json:"ffprobe"`

	// Decoders lists the decoders the agent depends on that ffmpeg reports.
	Decoders []string `json:"decoders,omitempty"`

	CanDecode bool      `json:"can_decode"`
	CanProbe  bool      `json:"can_probe"`
	ProbedAt  time.Time `json:"probed_at"`
}

// Ready reports whether sources can be both probed and decoded.
func (c *Capabilities) Ready() bool {
	return c != nil && c.CanDecode && c.CanProbe
}

// Binary is the availability status of a single executable.
type Binary struct {
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RunResult is the outcome of one subprocess invocation.
type RunResult struct {
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"-"`
	StderrTail string        `json:"stderr_tail,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// IsSuccess returns true when the subprocess exited cleanly.
func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 }
