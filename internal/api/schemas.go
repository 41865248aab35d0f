package api

import (
	"time"

	"github.com/heimdex/heimdex-trim/internal/catalog"
	"github.com/heimdex/heimdex-trim/internal/toolchain"
	"github.com/heimdex/heimdex-trim/internal/trim"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeS  int64  `json:"uptime_s"`
	DeviceID string `json:"device_id"`
}

type StatusResponse struct {
	State     string             `json:"state"`
	Session   *SessionResponse   `json:"session,omitempty"`
	Source    *SourceResponse    `json:"source,omitempty"`
	Toolchain *ToolchainResponse `json:"toolchain,omitempty"`
	LastError string             `json:"last_error,omitempty"`
}

type ToolchainResponse struct {
	Ready          bool     `json:"ready"`
	FFmpegVersion  string   `json:"ffmpeg_version,omitempty"`
	FFprobeVersion string   `json:"ffprobe_version,omitempty"`
	Decoders       []string `json:"decoders,omitempty"`
	LastProbeAt    string   `json:"last_probe_at,omitempty"`
}

type AddSourceRequest struct {
	Path        string `json:"path"`
	DisplayName string `json:"display_name,omitempty"`
}

type AddSourceResponse struct {
	SourceID string  `json:"source_id"`
	Duration float64 `json:"duration"`
	HasAudio bool    `json:"has_audio"`
}

type SourceResponse struct {
	ID          string  `json:"id"`
	Path        string  `json:"path"`
	DisplayName string  `json:"display_name"`
	Duration    float64 `json:"duration"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	HasAudio    bool    `json:"has_audio"`
	Present     bool    `json:"present"`
	Loaded      bool    `json:"loaded"`
	CreatedAt   string  `json:"created_at"`
}

type SourcesResponse struct {
	Sources []SourceResponse `json:"sources"`
}

type BeginExportRequest struct {
	Start *float64 `json:"start"`
	End   *float64 `json:"end"`
}

type BeginExportResponse struct {
	SessionID string  `json:"session_id"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
}

type SessionResponse struct {
	ID        string  `json:"id"`
	State     string  `json:"state"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Position  float64 `json:"position"`
	Progress  float64 `json:"progress"`
	Container string  `json:"container"`
	Frames    int     `json:"frames"`
	Bytes     int     `json:"bytes"`
	Filename  string  `json:"filename,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	StartedAt string  `json:"started_at"`
	EndedAt   string  `json:"ended_at,omitempty"`
}

type ExportResponse struct {
	ID           string  `json:"id"`
	SourceID     string  `json:"source_id,omitempty"`
	Status       string  `json:"status"`
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Position     float64 `json:"position"`
	Container    string  `json:"container"`
	Filename     string  `json:"filename,omitempty"`
	Bytes        int64   `json:"bytes"`
	Frames       int     `json:"frames"`
	Reason       string  `json:"reason,omitempty"`
	Error        string  `json:"error,omitempty"`
	Downloadable bool    `json:"downloadable"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

type ExportsResponse struct {
	Exports []ExportResponse `json:"exports"`
}

// EventResponse is the data of one server-sent event.
type EventResponse struct {
	Kind      string  `json:"kind"`
	SessionID string  `json:"session_id"`
	Time      string  `json:"time"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Position  float64 `json:"position,omitempty"`
	Progress  float64 `json:"progress"`
	Filename  string  `json:"filename,omitempty"`
	Bytes     int     `json:"bytes,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Error     string  `json:"error,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func SourceToResponse(s *catalog.Source, loadedID string) SourceResponse {
	return SourceResponse{
		ID:          s.ID,
		Path:        s.Path,
		DisplayName: s.DisplayName,
		Duration:    s.Duration,
		Width:       s.Width,
		Height:      s.Height,
		HasAudio:    s.HasAudio(),
		Present:     s.Present,
		Loaded:      s.ID == loadedID,
		CreatedAt:   s.CreatedAt.Format(time.RFC3339),
	}
}

func SessionToResponse(s *trim.Session) SessionResponse {
	resp := SessionResponse{
		ID:        s.ID,
		State:     string(s.State),
		Start:     s.Range.Start,
		End:       s.Range.End,
		Position:  s.Position,
		Progress:  progress(s.Range, s.Position, s.State == trim.StateCompleted),
		Container: s.Container,
		Frames:    s.Frames,
		Bytes:     s.Bytes,
		Filename:  s.Filename,
		Reason:    s.Reason,
		StartedAt: s.StartedAt.Format(time.RFC3339Nano),
	}
	if !s.EndedAt.IsZero() {
		resp.EndedAt = s.EndedAt.Format(time.RFC3339Nano)
	}
	return resp
}

func ExportToResponse(e *catalog.Export) ExportResponse {
	return ExportResponse{
		ID:           e.ID,
		SourceID:     e.SourceID,
		Status:       e.Status,
		Start:        e.Start,
		End:          e.End,
		Position:     e.Position,
		Container:    e.Container,
		Filename:     e.Filename,
		Bytes:        e.Bytes,
		Frames:       e.Frames,
		Reason:       e.Reason,
		Error:        e.Error,
		Downloadable: e.Downloadable(),
		CreatedAt:    e.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    e.UpdatedAt.Format(time.RFC3339),
	}
}

func NotificationToEvent(n trim.Notification) EventResponse {
	ev := EventResponse{
		Kind:      string(n.Kind),
		SessionID: n.SessionID,
		Time:      n.Time.Format(time.RFC3339Nano),
		Start:     n.Range.Start,
		End:       n.Range.End,
		Position:  n.Position,
		Progress:  progress(n.Range, n.Position, n.Kind == trim.KindCompleted),
		Filename:  n.Filename,
		Reason:    n.Reason,
	}
	if n.Output != nil {
		ev.Bytes = len(n.Output.Data)
	}
	if n.Err != nil {
		ev.Error = n.Err.Error()
	}
	return ev
}

func ToolchainToResponse(c *toolchain.Capabilities) *ToolchainResponse {
	if c == nil {
		return nil
	}
	resp := &ToolchainResponse{
		Ready:          c.Ready(),
		FFmpegVersion:  c.FFmpeg.Version,
		FFprobeVersion: c.FFprobe.Version,
		Decoders:       c.Decoders,
	}
	if !c.ProbedAt.IsZero() {
		resp.LastProbeAt = c.ProbedAt.Format(time.RFC3339)
	}
	return resp
}

// progress is the fraction of r covered by pos, in [0, 1].
func progress(r trim.TimeRange, pos float64, done bool) float64 {
	if done {
		return 1
	}
	d := r.Duration()
	if d <= 0 {
		return 0
	}
	p := (pos - r.Start) / d
	return min(max(p, 0), 1)
}
