package logger

import (
	"fmt"
	"strings"
)

// maxLogValue bounds user supplied values so a long filename cannot flood a
// log line.
const maxLogValue = 256

// SanitizeForLog escapes control characters so user input cannot forge log
// entries or drive the terminal. Printable Unicode passes through; values
// longer than maxLogValue runes are cut and suffixed with "...".
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	n := 0
	for _, r := range s {
		if n == maxLogValue {
			b.WriteString("...")
			break
		}
		n++
		switch {
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\x%02x`, r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
