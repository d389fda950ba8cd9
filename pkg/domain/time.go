package domain

import (
	"strings"
	"time"
)

// timestampLayout is the ISO-8601 form written by the pipeline (before the Z).
const timestampLayout = "2006-01-02T15:04:05.000000"

// Layouts accepted when parsing. Fractional seconds are optional on input.
var parseLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// FormatTimestamp renders t in UTC as ISO-8601 with a trailing Z.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout) + "Z"
}

// Now returns the current time formatted with FormatTimestamp.
func Now() string {
	return FormatTimestamp(time.Now())
}

// ParseTimestamp parses an ISO-8601 timestamp. A trailing Z is stripped
// first; timestamps without an offset are taken as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "Z")
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// LatencyMs returns the milliseconds between start and end. An empty end
// means now. Unparseable input yields 0.
func LatencyMs(start, end string) float64 {
	st, ok := ParseTimestamp(start)
	if !ok {
		return 0
	}
	et := time.Now().UTC()
	if end != "" {
		if et, ok = ParseTimestamp(end); !ok {
			return 0
		}
	}
	return float64(et.Sub(st)) / float64(time.Millisecond)
}
