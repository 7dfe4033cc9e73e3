package record

import (
	"strconv"
	"strings"
	"time"
)

// Timestamp layouts the two backends produce besides RFC3339: the durable
// store renders zoneless ISO-8601 with either separator, with or without a
// fractional part.
var isoLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
}

// EpochMillis normalizes a time.Time to epoch-milliseconds. Zero times map to
// 0 so they sort last in the descending merge order.
func EpochMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// ParseEpochMillis normalizes a string timestamp to epoch-milliseconds. It
// accepts RFC3339 (`Z`-suffixed or offset), space- or `T`-separated ISO-8601,
// and bare numeric epochs in seconds, milliseconds, microseconds or
// nanoseconds (the streaming backend returns nanosecond strings). Anything
// unparsable normalizes to 0; this function never fails.
func ParseEpochMillis(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return numericEpochMillis(v)
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UnixMilli()
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

// numericEpochMillis classifies a bare epoch by magnitude. Boundaries sit far
// outside any plausible wall-clock value for the neighboring unit.
func numericEpochMillis(v int64) int64 {
	if v <= 0 {
		return 0
	}
	switch {
	case v >= 1e17: // nanoseconds
		return v / 1e6
	case v >= 1e14: // microseconds
		return v / 1e3
	case v >= 1e11: // milliseconds
		return v
	default: // seconds
		return v * 1000
	}
}
