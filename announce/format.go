package announce

import (
	"fmt"
	"time"
)

// Minutes floors d to whole minutes. Negative durations count as zero.
func Minutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / time.Minute)
}

// FormatDuration renders minutes as "H ч M мин", or "M мин" below an hour.
func FormatDuration(minutes int) string {
	if minutes < 0 {
		minutes = 0
	}
	if minutes >= 60 {
		return fmt.Sprintf("%d ч %d мин", minutes/60, minutes%60)
	}
	return fmt.Sprintf("%d мин", minutes)
}
