package monitor

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/checklistd/internal/checklist"
)

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.0f%%", ratio*100)
}

// FormatElapsed formats session time in seconds as "MM:SS" or "H:MM:SS"
func FormatElapsed(seconds float64) string {
	total := int64(seconds)
	if total < 0 {
		total = 0
	}
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// FormatTiming renders a timing status for display: "on_time" -> "on time".
func FormatTiming(status checklist.TimingStatus) string {
	return strings.ReplaceAll(string(status), "_", " ")
}

// Truncate shortens s to at most n runes, ending with "…" when cut.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// Ratio returns done/total, or 0 for an empty total.
func Ratio(done, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total)
}
