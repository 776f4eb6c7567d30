package util

import (
	"fmt"
	"time"
)

// FormatClock renders an elapsed call duration as "mm:ss", or "h:mm:ss" once
// the call passes an hour.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// FormatStamp renders a unix-milliseconds chat timestamp as a local
// wall-clock time. Display only — message ordering comes from the store.
func FormatStamp(ms int64) string {
	return time.UnixMilli(ms).Local().Format("15:04")
}
