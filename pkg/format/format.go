// Package format renders counters and rates for progress output.
package format

import (
	"fmt"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Bytes formats a byte count with a binary unit.
// Example: Bytes(1536) => "1.5 KB"
func Bytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), []string{"KB", "MB", "GB", "TB"}[exp])
}

// Number formats a count with thousand separators.
// Example: Number(1234567) => "1,234,567"
func Number(n int64) string {
	return printer.Sprintf("%d", n)
}

// Bitrate formats bits per second with a decimal unit, as players show it.
// Example: Bitrate(2500000) => "2.50 Mbit/s"
func Bitrate(bps float64) string {
	switch {
	case bps >= 1e6:
		return printer.Sprintf("%.2f Mbit/s", bps/1e6)
	case bps >= 1e3:
		return printer.Sprintf("%.1f kbit/s", bps/1e3)
	default:
		return printer.Sprintf("%.0f bit/s", bps)
	}
}

// FPS formats a frame rate with two decimals.
func FPS(fps float64) string {
	return printer.Sprintf("%.2f fps", fps)
}

// Percentage formats a percentage value.
// Example: Percentage(45.678, 1) => "45.7%"
func Percentage(value float64, decimals int) string {
	return fmt.Sprintf("%.*f%%", decimals, value)
}

// Clock formats a duration as H:MM:SS, the way media positions are shown.
func Clock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", s/3600, s/60%60, s%60)
}

// Microseconds formats a timestamp in microseconds as seconds.
// Example: Microseconds(1500000) => "1.500s"
func Microseconds(us int64) string {
	return fmt.Sprintf("%.3fs", float64(us)/1e6)
}
