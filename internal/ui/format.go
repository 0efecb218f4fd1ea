package ui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bamsammich/sgmrq/internal/stats"
)

// FormatRate formats a bytes-per-second rate with three significant digits.
func FormatRate(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "0 B/s"
	}
	val := bytesPerSec
	for _, u := range []string{"B/s", "KB/s", "MB/s", "GB/s", "TB/s"} {
		if val >= 1024 {
			val /= 1024
			continue
		}
		switch {
		case val < 10:
			return fmt.Sprintf("%.2f %s", val, u)
		case val < 100:
			return fmt.Sprintf("%.1f %s", val, u)
		default:
			return fmt.Sprintf("%.0f %s", val, u)
		}
	}
	return fmt.Sprintf("%.1f PB/s", val)
}

// FormatETA formats a remaining duration, "--" when unknown.
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	return FormatDuration(d)
}

// FormatDuration formats elapsed time concisely.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// FormatCount formats an integer with comma separators.
func FormatCount(n int64) string {
	if n < 0 {
		return "-" + FormatCount(-n)
	}
	s := strconv.FormatInt(n, 10)
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ProgressBar renders a progress bar of the given width using ▪/□ characters.
func ProgressBar(pct float64, width int) string {
	if width <= 0 {
		return ""
	}
	filled := min(max(int(pct*float64(width)), 0), width)
	return strings.Repeat("▪", filled) + strings.Repeat("□", width-filled)
}

// FormatBytes wraps stats.FormatBytes for UI use.
func FormatBytes(b int64) string {
	return stats.FormatBytes(b)
}

// CompletionSummary builds the final summary line.
// Format: done ✓  blocks 2,048/2,048  size 1.0 MiB  avg 341 MB/s  time 3s  partial 0/0  retried 0
func CompletionSummary(snap stats.Snapshot, bs int, failed bool) string {
	icon := "✓"
	if failed || snap.InPartial+snap.OutPartial > 0 {
		icon = "✗"
	}

	line := fmt.Sprintf("done %s  blocks %s/%s  size %s  avg %s  time %s  partial %d/%d  retried %d",
		icon,
		FormatCount(snap.BlocksWritten), FormatCount(snap.BlocksTotal),
		FormatBytes(snap.BlocksWritten*int64(bs)),
		FormatRate(snap.Rate()),
		FormatDuration(snap.Elapsed),
		snap.InPartial, snap.OutPartial,
		snap.Retried,
	)
	if snap.Recovered > 0 {
		line += fmt.Sprintf("  recovered %d", snap.Recovered)
	}
	if snap.Miscompares > 0 {
		line += fmt.Sprintf("  miscompares %d", snap.Miscompares)
	}
	return line
}
