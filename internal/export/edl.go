package export

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
)

const edlTitleMax = 70

// GenerateEDL renders clips as a CMX3600 edit decision list laid end to end
// on the record side.
func GenerateEDL(clips []Clip, title string, frameRate float64) string {
	fps := int(math.Round(frameRate))
	if fps <= 0 {
		fps = 30
	}

	isDropFrame := math.Abs(frameRate-29.97) < 0.01 || math.Abs(frameRate-59.94) < 0.01

	lines := []string{fmt.Sprintf("TITLE: %s", SanitizeName(title, edlTitleMax))}
	if isDropFrame {
		lines = append(lines, "FCM: DROP FRAME")
	} else {
		lines = append(lines, "FCM: NON-DROP FRAME")
	}
	lines = append(lines, "")

	record := 0
	for i, clip := range clips {
		in := secondsToFrames(clip.Start, fps)
		out := in + secondsToFrames(clip.Duration(), fps)
		length := out - in

		lines = append(lines,
			fmt.Sprintf("%03d  %-8s %-5s C        %s %s %s %s", i+1, "AX", "AA/V", framesToTimecode(in, fps), framesToTimecode(out, fps),
				framesToTimecode(record, fps), framesToTimecode(record+length, fps)),
			fmt.Sprintf("* FROM CLIP NAME:  %s", SanitizeName(clip.Name, edlTitleMax)),
			fmt.Sprintf("* MEDIA PATH:  %s", clip.MediaPath),
		)

		record += length
	}

	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

// TrimEDL describes a single trim of sourcePath.
func TrimEDL(sourcePath, name string, start, end, frameRate float64) string {
	if name == "" {
		name = filepath.Base(sourcePath)
	}
	return GenerateEDL([]Clip{{Name: name, MediaPath: sourcePath, Start: start, End: end}}, name, frameRate)
}

func secondsToFrames(s float64, fps int) int {
	if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return 0
	}
	return int(math.Round(s * float64(fps)))
}

func framesToTimecode(totalFrames int, fps int) string {
	frames := totalFrames % fps
	totalSeconds := totalFrames / fps
	seconds := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	minutes := totalMinutes % 60
	hours := totalMinutes / 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", hours, minutes, seconds, frames)
}
