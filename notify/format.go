package notify

import (
	"fmt"
	"math"
	"strings"
	"time"

	"ffbot/ffmpeg"
)

const barWidth = 10

// FormatProgress renders the status line for one sample. elapsed is wall
// time since the task started.
func FormatProgress(label string, s ffmpeg.Sample, elapsed time.Duration) string {
	var b strings.Builder
	b.WriteString(label)
	b.WriteByte('\n')

	pct, known := s.Percent()
	if !known {
		fmt.Fprintf(&b, "[%s] working...\n", strings.Repeat("~", barWidth))
		fmt.Fprintf(&b, "Processed: %s\n", clock(s.Current))
		fmt.Fprintf(&b, "Elapsed: %s\n", clock(elapsed.Seconds()))
	} else {
		filled := int(pct / 100 * barWidth)
		fmt.Fprintf(&b, "[%s%s] %.1f%%\n", strings.Repeat("#", filled), strings.Repeat("-", barWidth-filled), pct)
		fmt.Fprintf(&b, "Processed: %s / %s\n", clock(s.Current), clock(s.Total))
		fmt.Fprintf(&b, "Elapsed: %s | ETA: %s\n", clock(elapsed.Seconds()), eta(s, elapsed))
	}
	b.WriteString("Press Cancel to stop.")
	return b.String()
}

// eta extrapolates the average throughput so far.
func eta(s ffmpeg.Sample, elapsed time.Duration) string {
	if s.Current <= 0 || elapsed <= 0 {
		return "--:--:--"
	}
	rate := s.Current / elapsed.Seconds()
	left := (s.Total - s.Current) / rate
	if left < 0 {
		left = 0
	}
	return clock(left)
}

// clock formats seconds as HH:MM:SS.
func clock(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		seconds = 0
	}
	total := int64(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total/60%60, total%60)
}
