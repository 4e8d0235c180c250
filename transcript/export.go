package transcript

import (
	"fmt"
	"strings"

	"parley.chat/etc"
)

// Render serializes finalized entries in arrival order, one line per
// entry, as "[HH:MM:SS] speaker: text". Interim entries are skipped.
func Render(entries []Entry) string {
	var lines []string
	for _, e := range entries {
		if !e.Final {
			continue
		}
		lines = append(lines, fmt.Sprintf(
			"[%s] %s: %s",
			etc.ClockStamp(e.Timestamp),
			e.Speaker,
			e.Text,
		))
	}
	return strings.Join(lines, "\n")
}

// Export returns the downloadable transcript artifact: the rendered
// finalized entries and a filename carrying the current date.
func (l *Log) Export() ([]byte, string) {
	entries := l.Entries()

	l.mu.Lock()
	now := l.now()
	l.mu.Unlock()

	filename := fmt.Sprintf("parley-transcript-%s.txt", etc.DayStamp(now))
	return []byte(Render(entries)), filename
}
