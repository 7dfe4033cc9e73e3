package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseEpochMillis(t *testing.T) {
	ref := time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC)
	refMs := ref.UnixMilli()

	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"rfc3339 zulu", "2026-08-26T10:30:00Z", refMs},
		{"rfc3339 offset", "2026-08-26T12:30:00+02:00", refMs},
		{"rfc3339 fraction", "2026-08-26T10:30:00.500Z", refMs + 500},
		{"iso space separated", "2026-08-26 10:30:00", refMs},
		{"iso t separated no zone", "2026-08-26T10:30:00", refMs},
		{"iso space fraction", "2026-08-26 10:30:00.250", refMs + 250},
		{"epoch seconds", "1787005800", 1787005800000},
		{"epoch millis", "1787005800123", 1787005800123},
		{"epoch micros", "1787005800123456", 1787005800123},
		{"epoch nanos", "1787005800123456789", 1787005800123},
		{"empty", "", 0},
		{"garbage", "yesterday-ish", 0},
		{"negative epoch", "-42", 0},
		{"whitespace only", "   ", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseEpochMillis(tt.input))
		})
	}
}

func TestEpochMillis(t *testing.T) {
	assert.Equal(t, int64(0), EpochMillis(time.Time{}))

	now := time.Now()
	assert.Equal(t, now.UnixMilli(), EpochMillis(now))
}
