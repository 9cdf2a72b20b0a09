package catalog

import (
	"fmt"
	"time"
)

var sizeUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatSize renders a byte count for log messages. Never used for
// comparisons or persisted state.
func FormatSize(bytes int64) string {
	if bytes == 0 {
		return "0B"
	}
	value := float64(bytes)
	unit := 0
	for value >= 1024 && unit < len(sizeUnits)-1 {
		value /= 1024
		unit++
	}
	if unit == 0 {
		return fmt.Sprintf("%dB", bytes)
	}
	return fmt.Sprintf("%.2f%s", value, sizeUnits[unit])
}

// FormatDuration renders a duration for log messages.
func FormatDuration(d time.Duration) string {
	seconds := int64(d.Seconds())
	if seconds <= 0 {
		return "0s"
	}
	units := []struct {
		name string
		secs int64
	}{
		{"y", 365 * 24 * 3600},
		{"d", 24 * 3600},
		{"h", 3600},
		{"m", 60},
		{"s", 1},
	}
	var out string
	for _, u := range units {
		if seconds >= u.secs {
			n := seconds / u.secs
			seconds -= n * u.secs
			out += fmt.Sprintf("%d%s", n, u.name)
		}
	}
	if out == "" {
		return "0s"
	}
	return out
}
