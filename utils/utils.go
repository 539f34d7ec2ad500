package utils

import (
	"fmt"
	"time"
)

// FormatDuration renders d for log lines: whole days past a day, one
// decimal below. Negative durations render as zero.
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0 seconds"
	case d >= 24*time.Hour:
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	case d >= time.Hour:
		return fmt.Sprintf("%.1f hours", d.Hours())
	case d >= time.Minute:
		return fmt.Sprintf("%.1f minutes", d.Minutes())
	}
	return fmt.Sprintf("%.1f seconds", d.Seconds())
}
