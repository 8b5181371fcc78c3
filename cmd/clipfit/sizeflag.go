package main

import (
	"fmt"
	"strconv"
	"strings"
)

// parseSizeLimit converts a human size such as "8M", "7.5MiB", or "8000000"
// into bytes. A bare number is bytes; decimal suffixes scale by 1000, binary
// suffixes by 1024. Zero or empty means no limit.
func parseSizeLimit(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}

	upper := strings.ToUpper(trimmed)
	upper = strings.TrimSuffix(upper, "B")

	multiplier := float64(1)
	switch {
	case strings.HasSuffix(upper, "KI"):
		multiplier = 1 << 10
		upper = strings.TrimSuffix(upper, "KI")
	case strings.HasSuffix(upper, "MI"):
		multiplier = 1 << 20
		upper = strings.TrimSuffix(upper, "MI")
	case strings.HasSuffix(upper, "GI"):
		multiplier = 1 << 30
		upper = strings.TrimSuffix(upper, "GI")
	case strings.HasSuffix(upper, "K"):
		multiplier = 1e3
		upper = strings.TrimSuffix(upper, "K")
	case strings.HasSuffix(upper, "M"):
		multiplier = 1e6
		upper = strings.TrimSuffix(upper, "M")
	case strings.HasSuffix(upper, "G"):
		multiplier = 1e9
		upper = strings.TrimSuffix(upper, "G")
	}

	number, err := strconv.ParseFloat(strings.TrimSpace(upper), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", value)
	}
	if number < 0 {
		return 0, fmt.Errorf("size %q is negative", value)
	}
	return int64(number * multiplier), nil
}

// formatBytes renders a byte count for tables, decimal units.
func formatBytes(bytes int64) string {
	switch {
	case bytes >= 1e9:
		return fmt.Sprintf("%.2f GB", float64(bytes)/1e9)
	case bytes >= 1e6:
		return fmt.Sprintf("%.2f MB", float64(bytes)/1e6)
	case bytes >= 1e3:
		return fmt.Sprintf("%.1f kB", float64(bytes)/1e3)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
