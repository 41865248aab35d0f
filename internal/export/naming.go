package export

import (
	"fmt"
	"strings"
	"time"
)

// FilenamePrefix starts every suggested output name.
const FilenamePrefix = "trimmed-video-"

// SuggestedFilename names an output after the moment it was produced:
// trimmed-video-<unix millis>.<ext>.
func SuggestedFilename(at time.Time, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	if ext == "" {
		ext = "mp4"
	}
	return fmt.Sprintf("%s%d.%s", FilenamePrefix, at.UnixMilli(), SanitizeName(ext, 8))
}
