package tui

import (
	"fmt"
	"strings"
)

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatSpeed(bytesSec float64) string {
	if bytesSec < 1024 {
		return fmt.Sprintf("%.0f B/s", bytesSec)
	} else if bytesSec < 1024*1024 {
		return fmt.Sprintf("%.1f KB/s", bytesSec/1024)
	} else {
		return fmt.Sprintf("%.1f MB/s", bytesSec/(1024*1024))
	}
}

// truncateLeft keeps the tail of s within width runes.
func truncateLeft(s string, width int) string {
	r := []rune(s)
	if width < 4 || len(r) <= width {
		return s
	}
	return "..." + string(r[len(r)-(width-3):])
}

// truncateRight keeps the head of s within width runes.
func truncateRight(s string, width int) string {
	r := []rune(s)
	if width < 4 || len(r) <= width {
		return s
	}
	return string(r[:width-3]) + "..."
}

// bar draws a fixed width progress bar for percent.
func bar(percent, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * width / 100
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}
