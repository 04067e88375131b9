package logger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain filename", "holiday-01.jpg", "holiday-01.jpg"},
		{"path", "/var/data/in/photo.png", "/var/data/in/photo.png"},
		{"empty", "", ""},
		{"newline", "a\nb", `a\nb`},
		{"crlf", "a\r\nb", `a\r\nb`},
		{"tab", "a\tb", `a\tb`},
		{"null byte", "a\x00b", `a\x00b`},
		{"ansi escape", "\x1b[31mred", `\x1b[31mred`},
		{"delete", "a\x7fb", `a\x7fb`},
		{"unicode kept", "café 日本 🎉.webp", "café 日本 🎉.webp"},
		{"forged entry", "x.jpg\nINFO fake entry", `x.jpg\nINFO fake entry`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeForLog(tt.input))
		})
	}
}

func TestSanitizeForLog_Truncates(t *testing.T) {
	long := strings.Repeat("é", maxLogValue+10)
	got := SanitizeForLog(long)

	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Equal(t, maxLogValue+3, len([]rune(got)))
	assert.Equal(t, strings.Repeat("é", maxLogValue), SanitizeForLog(strings.Repeat("é", maxLogValue)))
}
