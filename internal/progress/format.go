package progress

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

const (
	barWidth  = 15
	barFull   = "⬢"
	barEmpty  = "⬡"
	unknownSz = "?"
)

// Bar renders pct as a fixed-width bar.
func Bar(pct float64) string {
	filled := int(clamp(pct) / 100 * barWidth)
	return strings.Repeat(barFull, filled) + strings.Repeat(barEmpty, barWidth-filled)
}

// Format is the status-message text for ev.
func Format(ev Event) string {
	pct := clamp(ev.Percent)
	var b strings.Builder
	switch ev.Phase {
	case PhaseUpload:
		b.WriteString("📤 Uploading video...\n\n")
	default:
		b.WriteString("📥 Downloading video...\n\n")
	}
	fmt.Fprintf(&b, "%s %.1f%%\n\n", Bar(pct), pct)

	done := humanize.Bytes(uint64(max(ev.Bytes, 0)))
	total := unknownSz
	if ev.Total > 0 {
		total = humanize.Bytes(uint64(ev.Total))
	}
	if ev.Total > 0 || ev.Phase == PhaseUpload {
		fmt.Fprintf(&b, "📦 %s / %s", done, total)
	} else {
		fmt.Fprintf(&b, "📦 %s", done)
	}
	if ev.Speed != "" {
		fmt.Fprintf(&b, " · ⚡ %s", ev.Speed)
	}
	return b.String()
}
