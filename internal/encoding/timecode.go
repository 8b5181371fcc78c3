package encoding

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseTimecode converts "SS", "MM:SS", or "HH:MM:SS[.mmm]" into seconds.
func ParseTimecode(value string) (float64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("empty timecode")
	}
	parts := strings.Split(trimmed, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("timecode %q has too many segments", value)
	}

	total := 0.0
	scale := 1.0
	for i := len(parts) - 1; i >= 0; i-- {
		num, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return 0, fmt.Errorf("timecode %q: %w", value, err)
		}
		if num < 0 {
			return 0, fmt.Errorf("timecode %q has a negative segment", value)
		}
		total += num * scale
		scale *= 60
	}
	return math.Round(total*1000) / 1000, nil
}

// FormatTimecode renders seconds in the HH:MM:SS.mmm form ffmpeg accepts.
func FormatTimecode(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	whole := int64(seconds)
	millis := int64(math.Round((seconds - float64(whole)) * 1000))
	if millis >= 1000 {
		whole++
		millis -= 1000
	}
	hours := whole / 3600
	minutes := (whole % 3600) / 60
	secs := whole % 60
	return fmt.Sprintf("%02d:%02d:%02d.%03d", hours, minutes, secs, millis)
}
