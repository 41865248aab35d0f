package catalog

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source is a media file registered for trimming.
type Source struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	DisplayName string    `json:"display_name"`
	Duration    float64   `json:"duration"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	VideoCodec  string    `json:"video_codec,omitempty"`
	AudioCodec  string    `json:"audio_codec,omitempty"`
	Size        int64     `json:"size"`
	Fingerprint string    `json:"fingerprint"`
	Present     bool      `json:"present"`
	CreatedAt   time.Time `json:"created_at"`
}

// HasAudio reports whether the probed source carries an audio track.
func (s *Source) HasAudio() bool { return s.AudioCodec != "" }

const (
	ExportStatusRunning   = "running"
	ExportStatusCompleted = "completed"
	ExportStatusFailed    = "failed"
	ExportStatusCancelled = "cancelled"

	ReasonArchiveFailed = "archive_failed"
)

// Export is the history record of one trim session. ID is the session ID.
type Export struct {
	ID         string    `json:"id"`
	SourceID   string    `json:"source_id,omitempty"`
	Start      float64   `json:"start"`
	End        float64   `json:"end"`
	Status     string    `json:"status"`
	Container  string    `json:"container"`
	Position   float64   `json:"position"`
	Filename   string    `json:"filename,omitempty"`
	OutputPath string    `json:"output_path,omitempty"`
	Bytes      int64     `json:"bytes"`
	Frames     int       `json:"frames"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Terminal reports whether the export has finished.
func (e *Export) Terminal() bool {
	return e.Status == ExportStatusCompleted || e.Status == ExportStatusFailed || e.Status == ExportStatusCancelled
}

// Downloadable reports whether the export has an output file on disk.
func (e *Export) Downloadable() bool {
	return e.Status == ExportStatusCompleted && e.OutputPath != ""
}

type ConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// VideoExtensions lists the file types AddSource accepts.
var VideoExtensions = map[string]bool{
	".mp4":  true,
	".m4v":  true,
	".mov":  true,
	".mkv":  true,
	".webm": true,
}

func NewID() string {
	return uuid.NewString()
}

func IsVideoFile(filename string) bool {
	return VideoExtensions[strings.ToLower(filepath.Ext(filename))]
}
