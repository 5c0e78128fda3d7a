package sqlite

import (
	"fmt"
	"time"
)

const timeLayout = "2006-01-02T15:04:05.999999999Z"

// formatTime renders t in UTC for storage. SQLite has no native datetime
// type; we store RFC3339 TEXT.
func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

// parseRFC3339 parses the timestamp strings stored in SQLite.
func parseRFC3339(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}
